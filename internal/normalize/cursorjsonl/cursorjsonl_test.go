package cursorjsonl

import (
	"testing"

	"github.com/basket/go-foreman/internal/chunkstream"
	"github.com/basket/go-foreman/internal/model"
)

func feed(t *testing.T, items []chunkstream.Chunk) []model.NormalizedEntry {
	t.Helper()
	chunks := make(chan chunkstream.Chunk, 1)
	out := New().Normalize(chunks, "/work")
	go func() {
		for _, c := range items {
			chunks <- c
		}
		close(chunks)
	}()
	var entries []model.NormalizedEntry
	for e := range out {
		entries = append(entries, e)
	}
	return entries
}

func line(s string) chunkstream.Chunk {
	return chunkstream.Chunk{Type: chunkstream.Stdout, Data: []byte(s + "\n")}
}

func TestToolCallLifecycleCoalesces(t *testing.T) {
	entries := feed(t, []chunkstream.Chunk{
		line(`{"type":"tool_call","subtype":"started","call_id":"c1","tool_call":{"shellToolCall":{"command":"ls"}}}`),
		line(`{"type":"tool_call","subtype":"completed","call_id":"c1","tool_call":{"shellToolCall":{"command":"ls"}}}`),
	})
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Index != entries[1].Index {
		t.Fatalf("expected same index for started/completed, got %d and %d", entries[0].Index, entries[1].Index)
	}
	if entries[0].Tool.Status != model.ToolRunning || entries[1].Tool.Status != model.ToolSuccess {
		t.Fatalf("unexpected statuses: %+v %+v", entries[0].Tool, entries[1].Tool)
	}
	if entries[0].Tool.Tool != "shell" {
		t.Fatalf("expected derived tool name 'shell', got %q", entries[0].Tool.Tool)
	}
}

func TestAuthRequiredOnStderr(t *testing.T) {
	entries := feed(t, []chunkstream.Chunk{
		{Type: chunkstream.Stderr, Data: []byte("Authentication required: please log in\n")},
	})
	if len(entries) != 1 || entries[0].Error == nil || entries[0].Error.Code != "SETUP_REQUIRED" {
		t.Fatalf("expected SETUP_REQUIRED error, got %+v", entries)
	}
}

func TestAssistantCoalescing(t *testing.T) {
	entries := feed(t, []chunkstream.Chunk{
		line(`{"type":"assistant","text":"Hello "}`),
		line(`{"type":"assistant","text":"Hello world"}`),
	})
	if len(entries) != 2 || entries[0].Index != entries[1].Index {
		t.Fatalf("expected coalesced assistant entries at same index, got %+v", entries)
	}
}
