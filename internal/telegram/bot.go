package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/hyperops/internal/config"
	"github.com/mtzanidakis/hyperops/internal/natsbus"
)

// Commands answers the chat commands the bot understands.
type Commands interface {
	StatusText() string
	SweepText(ctx context.Context) (string, error)
	SwarmText(ctx context.Context, message string) (string, error)
}

// Bot sends operational alerts to a single chat and answers /status and
// /sweep from that chat.
type Bot struct {
	bot      *telego.Bot
	handler  *th.BotHandler
	chatID   int64
	commands Commands
	cancel   context.CancelFunc
}

func NewBot(cfg config.TelegramConfig, commands Commands) (*Bot, error) {
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat_id is required")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Bot{
		bot:      bot,
		chatID:   cfg.ChatID,
		commands: commands,
	}, nil
}

func (b *Bot) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	b.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		b.handleMessage(ctx, message)
		return nil
	})

	go handler.Start()

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.handler != nil {
		_ = b.handler.Stop()
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg telego.Message) {
	if msg.Chat.ID != b.chatID {
		slog.Warn("ignoring telegram message from unknown chat", "chat_id", msg.Chat.ID)
		return
	}
	if b.commands == nil {
		return
	}

	var reply string
	switch command(msg.Text) {
	case "status":
		reply = b.commands.StatusText()
	case "sweep":
		text, err := b.commands.SweepText(ctx)
		if err != nil {
			reply = "Sweep failed: " + err.Error()
		} else {
			reply = text
		}
	case "swarm":
		text, err := b.commands.SwarmText(ctx, commandArgs(msg.Text))
		if err != nil {
			reply = "Swarm failed: " + err.Error()
		} else {
			reply = text
		}
	default:
		return
	}

	if err := b.SendMessage(ctx, b.chatID, reply); err != nil {
		slog.Error("failed to send telegram reply", "chat", b.chatID, "error", err)
	}
}

// command extracts the bot command from text, dropping the leading slash
// and any @botname suffix.
func command(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return ""
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd)
}

// commandArgs returns the text after the command word.
func commandArgs(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	_, rest, _ := strings.Cut(text, " ")
	return strings.TrimSpace(rest)
}

func (b *Bot) Alert(ctx context.Context, text string) error {
	return b.SendMessage(ctx, b.chatID, text)
}

// WatchEvents forwards alert-worthy bus events to the chat.
func (b *Bot) WatchEvents(ctx context.Context, client *natsbus.Client) (*nats.Subscription, error) {
	return client.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		text, ok := alertText(msg.Data)
		if !ok {
			return
		}
		if err := b.Alert(ctx, text); err != nil {
			slog.Error("failed to send alert", "error", err)
		}
	})
}

// alertText turns a bus event into an alert message. Only failed
// remediations, failed workflow runs and swarms with failures alert.
func alertText(data []byte) (string, bool) {
	var ev struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return "", false
	}

	switch ev.Type {
	case "sweep_completed":
		failed := number(ev.Data["failed"])
		if failed == 0 {
			return "", false
		}
		var names []string
		if services, ok := ev.Data["services"].([]any); ok {
			for _, s := range services {
				svc, _ := s.(map[string]any)
				if status, _ := svc["status"].(string); status != "online" && status != "healed" {
					name, _ := svc["name"].(string)
					names = append(names, name)
				}
			}
		}
		text := fmt.Sprintf("Health sweep: %d of %d services could not be healed", failed, number(ev.Data["total"]))
		if len(names) > 0 {
			text += ": " + strings.Join(names, ", ")
		}
		return text, true
	case "workflow_fired":
		if status, _ := ev.Data["status"].(string); status != "error" {
			return "", false
		}
		name, _ := ev.Data["workflow"].(string)
		errMsg, _ := ev.Data["error"].(string)
		return fmt.Sprintf("Workflow %s failed: %s", name, errMsg), true
	case "swarm_partial", "swarm_failed":
		id, _ := ev.Data["swarm_id"].(string)
		return fmt.Sprintf("Swarm %s finished with %d of %d tasks failed",
			id, number(ev.Data["failed"]), number(ev.Data["total"])), true
	}
	return "", false
}

func number(v any) int {
	f, _ := v.(float64)
	return int(f)
}
