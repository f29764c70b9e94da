// Package codexjsonl normalizes the Codex-family JSONL wire protocol: no
// control channel, a thread/turn lifecycle, and item.completed events
// carrying either an agent message or a reasoning chunk.
package codexjsonl

import (
	"encoding/json"
	"strings"

	"github.com/basket/go-foreman/internal/chunkstream"
	"github.com/basket/go-foreman/internal/model"
	"github.com/basket/go-foreman/internal/normalize"
)

// Normalizer implements normalize.Normalizer for the Codex JSONL protocol.
type Normalizer struct{}

// New creates a Codex JSONL Normalizer.
func New() *Normalizer { return &Normalizer{} }

type envelope struct {
	Type string `json:"type"`

	ThreadID string `json:"thread_id"`

	Item *item `json:"item"`
}

type item struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Normalize consumes chunks until the stream closes and produces normalized
// entries on the returned channel, which is closed when done.
func (n *Normalizer) Normalize(chunks <-chan chunkstream.Chunk, workDir string) <-chan model.NormalizedEntry {
	out := make(chan model.NormalizedEntry, 16)
	go func() {
		defer close(out)
		st := &state{ix: normalize.NewIndexer(), out: out}
		var lr chunkstream.LineReader
		for c := range chunks {
			for _, line := range lr.Feed(c.Data) {
				st.handleLine(line)
			}
		}
		if tail, ok := lr.Flush(); ok {
			st.handleLine(tail)
		}
	}()
	return out
}

type state struct {
	ix        *normalize.Indexer
	sessionID string
	out       chan<- model.NormalizedEntry
}

func (s *state) emit(e model.NormalizedEntry) {
	if e.Metadata == nil {
		e.Metadata = &model.Metadata{}
	}
	if e.Metadata.SessionID == "" {
		e.Metadata.SessionID = s.sessionID
	}
	s.out <- e
}

func (s *state) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	var env envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		s.emit(model.NormalizedEntry{Index: s.ix.Alloc(), Type: model.EntryAssistantMessage, Content: line})
		return
	}

	switch env.Type {
	case "thread.started":
		s.sessionID = env.ThreadID
		s.emit(model.NormalizedEntry{
			Index:    s.ix.Alloc(),
			Type:     model.EntrySystemMessage,
			Content:  "Session: " + env.ThreadID,
			Metadata: &model.Metadata{SessionID: env.ThreadID},
		})

	case "turn.started", "turn.completed":
		// No entry.

	case "item.completed":
		s.handleItem(env.Item)

	default:
		pretty, err := json.MarshalIndent(json.RawMessage(line), "", "  ")
		if err != nil {
			pretty = []byte(line)
		}
		s.emit(model.NormalizedEntry{Index: s.ix.Alloc(), Type: model.EntryAssistantMessage, Content: string(pretty)})
	}
}

func (s *state) handleItem(it *item) {
	if it == nil || it.Text == "" {
		return
	}
	switch it.Type {
	case "agent_message":
		s.emit(model.NormalizedEntry{Index: s.ix.Alloc(), Type: model.EntryAssistantMessage, Content: it.Text})
	case "reasoning":
		s.emit(model.NormalizedEntry{Index: s.ix.Alloc(), Type: model.EntryThinking, Content: it.Text})
	}
}
