package telegram

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	tu "github.com/mymmrac/telego/telegoutil"
)

// maxMessageLen is Telegram's message limit. Counting bytes keeps every
// chunk under it whatever the encoding.
const maxMessageLen = 4096

// SendMessage delivers text to chatID, split into as many messages as the
// limit requires. Sweep and status replies are line oriented, so later
// parts carry a "(n/m)" marker to keep them readable in the chat.
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	chunks := chunkMessage(text, maxMessageLen-len(partMarker(99, 99)))
	for i, chunk := range chunks {
		if len(chunks) > 1 {
			chunk = partMarker(i+1, len(chunks)) + chunk
		}
		if _, err := b.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send part %d of %d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func partMarker(n, total int) string {
	return fmt.Sprintf("(%d/%d)\n", n, total)
}

// chunkMessage splits text into pieces of at most maxLen bytes. It cuts
// after the last newline when there is one and never inside a UTF-8
// sequence.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > maxLen {
		cutAt := strings.LastIndexByte(text[:maxLen], '\n') + 1
		if cutAt == 0 {
			cutAt = maxLen
			for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
				cutAt--
			}
			if cutAt == 0 {
				cutAt = maxLen
			}
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
