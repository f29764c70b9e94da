// Package acp normalizes the Agent Client Protocol (and the structurally
// identical Copilot wire format): JSON-RPC 2.0 session notifications
// rather than top-level typed lines. Copilot additionally falls back to a
// plain-text mode, batching consecutive non-empty lines into one paragraph
// entry with ANSI escapes stripped.
package acp

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/basket/go-foreman/internal/chunkstream"
	"github.com/basket/go-foreman/internal/model"
	"github.com/basket/go-foreman/internal/normalize"
)

// Normalizer implements normalize.Normalizer for ACP and Copilot.
type Normalizer struct{}

// New creates an ACP/Copilot Normalizer.
func New() *Normalizer { return &Normalizer{} }

type rpcEnvelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type updateParams struct {
	SessionID string  `json:"sessionId"`
	Update    *update `json:"update"`
}

type update struct {
	SessionUpdate string `json:"sessionUpdate"`

	Content *contentBlock `json:"content,omitempty"`

	ToolCallID string `json:"toolCallId,omitempty"`
	Title      string `json:"title,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Status     string `json:"status,omitempty"`

	Entries []planEntry `json:"entries,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type planEntry struct {
	Content string `json:"content"`
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// statusMap maps ACP's Pending/Running/Success/Error tool-call statuses.
var statusMap = map[string]model.ToolStatus{
	"pending": model.ToolCreated,
	"running": model.ToolRunning,
	"success": model.ToolSuccess,
	"error":   model.ToolFailed,
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
		st.flushParagraph()
	}()
	return out
}

type state struct {
	ix  *normalize.Indexer
	out chan<- model.NormalizedEntry

	paragraphIdx  int
	paragraphOpen bool
	paragraph     []string
}

func (s *state) emit(e model.NormalizedEntry) { s.out <- e }

func (s *state) handleLine(raw string) {
	line := strings.TrimSpace(raw)
	if line == "" {
		s.flushParagraph()
		return
	}

	var env rpcEnvelope
	if err := json.Unmarshal([]byte(line), &env); err != nil || env.Method == "" {
		s.handlePlainTextLine(raw)
		return
	}

	var params updateParams
	_ = json.Unmarshal(env.Params, &params)
	if params.Update == nil {
		return
	}
	s.handleUpdate(params.Update)
}

func (s *state) handleUpdate(u *update) {
	switch u.SessionUpdate {
	case "agent_message_chunk":
		s.coalesce("assistant", model.EntryAssistantMessage, textOf(u.Content))
	case "agent_thought_chunk":
		s.coalesce("thinking", model.EntryThinking, textOf(u.Content))
	case "tool_call":
		idx := s.ix.Alloc()
		s.ix.Bind("tool:"+u.ToolCallID, idx)
		s.emit(model.NormalizedEntry{
			Index: idx,
			Type:  model.EntryToolUse,
			Tool: &model.ToolUse{
				Tool:   u.Title,
				Status: mapToolStatus(u.Status),
				Action: model.Action{Kind: model.ActionGeneric, Name: u.Title},
			},
		})
	case "tool_call_update":
		idx, active := s.ix.IndexFor("tool:" + u.ToolCallID)
		if !active {
			idx = s.ix.Alloc()
		}
		s.emit(model.NormalizedEntry{
			Index: idx,
			Type:  model.EntryToolUse,
			Tool: &model.ToolUse{
				Tool:   u.Title,
				Status: mapToolStatus(u.Status),
				Action: model.Action{Kind: model.ActionGeneric, Name: u.Title},
			},
		})
	case "plan":
		s.emit(model.NormalizedEntry{Index: s.ix.Alloc(), Type: model.EntryThinking, Content: renderPlan(u.Entries)})
	}
}

func mapToolStatus(status string) model.ToolStatus {
	if mapped, ok := statusMap[strings.ToLower(status)]; ok {
		return mapped
	}
	return model.ToolCreated
}

func textOf(c *contentBlock) string {
	if c == nil {
		return ""
	}
	return c.Text
}

func renderPlan(entries []planEntry) string {
	var sb strings.Builder
	for i, e := range entries {
		sb.WriteString(strconv.Itoa(i + 1))
		sb.WriteString(". ")
		sb.WriteString(e.Content)
		if i < len(entries)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func (s *state) coalesce(key string, typ model.EntryType, text string) {
	idx, active := s.ix.IndexFor(key)
	if !active {
		idx = s.ix.Alloc()
		s.ix.Bind(key, idx)
		s.emit(model.NormalizedEntry{Index: idx, Type: typ, Content: text})
		return
	}
	s.emit(model.NormalizedEntry{Index: idx, Type: typ, Content: text})
}

// handlePlainTextLine implements Copilot's plain-text mode: consecutive
// non-empty lines batch into one paragraph entry, each new line replacing
// the prior entry at the same index until a blank line flushes it.
func (s *state) handlePlainTextLine(raw string) {
	clean := ansiPattern.ReplaceAllString(raw, "")
	if strings.TrimSpace(clean) == "" {
		s.flushParagraph()
		return
	}
	if !s.paragraphOpen {
		s.paragraphOpen = true
		s.paragraphIdx = s.ix.Alloc()
		s.paragraph = nil
	}
	s.paragraph = append(s.paragraph, clean)
	s.emit(model.NormalizedEntry{Index: s.paragraphIdx, Type: model.EntryAssistantMessage, Content: strings.Join(s.paragraph, "\n")})
}

func (s *state) flushParagraph() {
	s.paragraphOpen = false
	s.paragraph = nil
}
