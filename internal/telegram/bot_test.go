package telegram

import (
	"slices"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestChunkMessage(t *testing.T) {
	// Short message
	chunks := chunkMessage("hello", 4096)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}

	// Exact limit
	chunks = chunkMessage(strings.Repeat("a", 4096), 4096)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk for exact limit, got %d", len(chunks))
	}

	// Over limit
	chunks = chunkMessage(strings.Repeat("a", 8192), 4096)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks, got %d", len(chunks))
	}

	// Split at newline
	msg := []byte(strings.Repeat("a", 5000))
	msg[3000] = '\n'
	chunks = chunkMessage(string(msg), 4096)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks with newline split, got %d", len(chunks))
	}
	if len(chunks[0]) != 3001 { // Up to and including the newline
		t.Errorf("expected first chunk length 3001, got %d", len(chunks[0]))
	}
}

func TestChunkMessageKeepsRunesWhole(t *testing.T) {
	chunks := chunkMessage(strings.Repeat("é", 3), 3)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %q", len(chunks), chunks)
	}
	for _, c := range chunks {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %q is not valid UTF-8", c)
		}
	}
}

func TestChunkMessagePrefersLineBreaks(t *testing.T) {
	chunks := chunkMessage("a\n"+strings.Repeat("b", 10), 8)
	want := []string{"a\n", "bbbbbbbb", "bb"}
	if !slices.Equal(chunks, want) {
		t.Errorf("expected %q, got %q", want, chunks)
	}
	if strings.Join(chunks, "") != "a\n"+strings.Repeat("b", 10) {
		t.Error("chunks should reassemble to the original text")
	}
}

func TestPartMarkerFitsLimit(t *testing.T) {
	text := strings.Repeat("line of sweep output\n", 500)
	chunks := chunkMessage(text, maxMessageLen-len(partMarker(99, 99)))
	for i, c := range chunks {
		if n := len(partMarker(i+1, len(chunks)) + c); n > maxMessageLen {
			t.Errorf("part %d is %d bytes, over the limit", i+1, n)
		}
	}
}

func TestCommand(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/status", "status"},
		{"/Sweep now", "sweep"},
		{"/status@hyperops_bot", "status"},
		{"status", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := command(tt.in); got != tt.want {
			t.Errorf("command(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCommandArgs(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/swarm @coder fix it", "@coder fix it"},
		{"/swarm@hyperops_bot   research caches ", "research caches"},
		{"/swarm", ""},
		{"hello there", ""},
	}
	for _, tt := range tests {
		if got := commandArgs(tt.in); got != tt.want {
			t.Errorf("commandArgs(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAlertText(t *testing.T) {
	tests := []struct {
		name    string
		event   string
		wantOK  bool
		wantSub string
	}{
		{
			name:   "healthy sweep",
			event:  `{"type":"sweep_completed","data":{"failed":0,"total":3}}`,
			wantOK: false,
		},
		{
			name:    "failed sweep",
			event:   `{"type":"sweep_completed","data":{"failed":1,"total":3,"services":[{"name":"api","status":"online"},{"name":"queue","status":"failed"}]}}`,
			wantOK:  true,
			wantSub: "1 of 3 services could not be healed: queue",
		},
		{
			name:    "failed workflow",
			event:   `{"type":"workflow_fired","data":{"workflow":"sync","status":"error","error":"timeout"}}`,
			wantOK:  true,
			wantSub: "Workflow sync failed: timeout",
		},
		{
			name:   "successful workflow",
			event:  `{"type":"workflow_fired","data":{"workflow":"sync","status":"success"}}`,
			wantOK: false,
		},
		{
			name:    "partial swarm",
			event:   `{"type":"swarm_partial","data":{"swarm_id":"abc","failed":1,"total":4}}`,
			wantOK:  true,
			wantSub: "Swarm abc finished with 1 of 4 tasks failed",
		},
		{
			name:   "garbage",
			event:  `not json`,
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := alertText([]byte(tt.event))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v (text %q)", ok, tt.wantOK, got)
			}
			if !strings.Contains(got, tt.wantSub) {
				t.Errorf("alert %q does not contain %q", got, tt.wantSub)
			}
		})
	}
}
