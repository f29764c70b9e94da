package acp

import (
	"testing"

	"github.com/basket/go-foreman/internal/chunkstream"
	"github.com/basket/go-foreman/internal/model"
)

func feed(t *testing.T, lines []string) []model.NormalizedEntry {
	t.Helper()
	chunks := make(chan chunkstream.Chunk, 1)
	out := New().Normalize(chunks, "/work")
	go func() {
		for _, l := range lines {
			chunks <- chunkstream.Chunk{Type: chunkstream.Stdout, Data: []byte(l + "\n")}
		}
		close(chunks)
	}()
	var entries []model.NormalizedEntry
	for e := range out {
		entries = append(entries, e)
	}
	return entries
}

func TestAgentMessageChunkCoalesces(t *testing.T) {
	entries := feed(t, []string{
		`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"Hi "}}}}`,
		`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"Hi there"}}}}`,
	})
	if len(entries) != 2 || entries[0].Index != entries[1].Index {
		t.Fatalf("expected coalesced entries, got %+v", entries)
	}
}

func TestToolCallStatusMapping(t *testing.T) {
	entries := feed(t, []string{
		`{"jsonrpc":"2.0","method":"session/update","params":{"update":{"sessionUpdate":"tool_call","toolCallId":"c1","title":"edit","status":"pending"}}}`,
		`{"jsonrpc":"2.0","method":"session/update","params":{"update":{"sessionUpdate":"tool_call_update","toolCallId":"c1","title":"edit","status":"success"}}}`,
	})
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Tool.Status != model.ToolCreated || entries[1].Tool.Status != model.ToolSuccess {
		t.Fatalf("unexpected statuses: %+v %+v", entries[0].Tool, entries[1].Tool)
	}
	if entries[0].Index != entries[1].Index {
		t.Fatalf("expected tool_call/tool_call_update to share an index")
	}
}

func TestPlainTextParagraphBatchingAndANSIStrip(t *testing.T) {
	entries := feed(t, []string{
		"\x1b[32mline one",
		"line two\x1b[0m",
		"",
		"new paragraph",
	})
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries (2 growing paragraph states + 1 new paragraph), got %+v", entries)
	}
	if entries[0].Content != "line one" {
		t.Fatalf("expected ANSI stripped, got %q", entries[0].Content)
	}
	if entries[1].Content != "line one\nline two" {
		t.Fatalf("expected batched paragraph, got %q", entries[1].Content)
	}
	if entries[0].Index != entries[1].Index {
		t.Fatalf("expected same index while paragraph open")
	}
	if entries[2].Index == entries[1].Index {
		t.Fatalf("expected new index after blank-line flush")
	}
}
