// Package cursorjsonl normalizes the Cursor JSONL wire protocol: streaming
// assistant/thinking messages that coalesce by concatenation, tool_call
// lifecycle frames keyed by call_id, and a terminal result frame.
package cursorjsonl

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/basket/go-foreman/internal/chunkstream"
	"github.com/basket/go-foreman/internal/model"
	"github.com/basket/go-foreman/internal/normalize"
)

// Normalizer implements normalize.Normalizer for the Cursor JSONL protocol.
type Normalizer struct{}

// New creates a Cursor JSONL Normalizer.
func New() *Normalizer { return &Normalizer{} }

type envelope struct {
	Type string `json:"type"`

	Text string `json:"text"`

	Subtype  string          `json:"subtype"`
	CallID   string          `json:"call_id"`
	ToolCall json.RawMessage `json:"tool_call"`

	IsError bool            `json:"is_error"`
	Result  json.RawMessage `json:"result"`
}

// authRequiredPattern recognizes the "please log in" class of stderr
// message Cursor prints when the CLI has no valid session.
var authRequiredPattern = regexp.MustCompile(`(?i)(not\s+authenticated|please\s+(log|sign)\s?in|authentication\s+required)`)

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
				if c.Type == chunkstream.Stderr {
					st.handleStderrLine(line)
					continue
				}
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
	ix           *normalize.Indexer
	out          chan<- model.NormalizedEntry
	authReported bool
}

func (s *state) handleStderrLine(line string) {
	if s.authReported {
		return
	}
	if authRequiredPattern.MatchString(line) {
		s.authReported = true
		s.out <- model.NormalizedEntry{Index: s.ix.Alloc(), Type: model.EntryError, Error: &model.EntryError{Code: "SETUP_REQUIRED", Message: line}}
	}
}

func (s *state) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	var env envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		s.out <- model.NormalizedEntry{Index: s.ix.Alloc(), Type: model.EntryAssistantMessage, Content: line}
		return
	}

	switch env.Type {
	case "system":
		s.out <- model.NormalizedEntry{Index: s.ix.Alloc(), Type: model.EntrySystemMessage, Content: line}
	case "user":
		s.ix.Release("assistant")
		s.ix.Release("thinking")
		s.out <- model.NormalizedEntry{Index: s.ix.Alloc(), Type: model.EntryUserMessage, Content: env.Text}
	case "assistant":
		s.coalesce("assistant", model.EntryAssistantMessage, env.Text)
	case "thinking":
		s.coalesce("thinking", model.EntryThinking, env.Text)
	case "tool_call":
		s.handleToolCall(env)
	case "result":
		if env.IsError {
			s.out <- model.NormalizedEntry{
				Index: s.ix.Alloc(),
				Type:  model.EntryError,
				Error: &model.EntryError{Code: env.Subtype, Message: string(env.Result)},
			}
		}
	default:
		s.out <- model.NormalizedEntry{Index: s.ix.Alloc(), Type: model.EntryAssistantMessage, Content: line}
	}
}

func (s *state) coalesce(key string, typ model.EntryType, text string) {
	idx, active := s.ix.IndexFor(key)
	if !active {
		idx = s.ix.Alloc()
		s.ix.Bind(key, idx)
		s.out <- model.NormalizedEntry{Index: idx, Type: typ, Content: text}
		return
	}
	s.out <- model.NormalizedEntry{Index: idx, Type: typ, Content: text}
}

type toolCallFailure struct {
	Failure json.RawMessage `json:"failure"`
}

func (s *state) handleToolCall(env envelope) {
	toolName := deriveToolName(env.ToolCall)
	switch env.Subtype {
	case "started":
		idx := s.ix.Alloc()
		s.ix.Bind("tool:"+env.CallID, idx)
		s.out <- model.NormalizedEntry{
			Index: idx,
			Type:  model.EntryToolUse,
			Tool:  &model.ToolUse{Tool: toolName, Status: model.ToolRunning, Action: model.Action{Kind: model.ActionGeneric, Name: toolName}},
		}
	case "completed":
		idx, active := s.ix.IndexFor("tool:" + env.CallID)
		if !active {
			idx = s.ix.Alloc()
		}
		var tcf toolCallFailure
		_ = json.Unmarshal(env.ToolCall, &tcf)
		status := model.ToolSuccess
		if len(tcf.Failure) > 0 && string(tcf.Failure) != "null" {
			status = model.ToolFailed
		}
		s.out <- model.NormalizedEntry{
			Index: idx,
			Type:  model.EntryToolUse,
			Tool:  &model.ToolUse{Tool: toolName, Status: status, Action: model.Action{Kind: model.ActionGeneric, Name: toolName}},
		}
		s.ix.Release("tool:" + env.CallID)
	}
}

// deriveToolName finds the first key of the tool_call object with the
// "ToolCall" suffix stripped and lowercased, e.g. shellToolCall -> shell.
func deriveToolName(raw json.RawMessage) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || len(obj) == 0 {
		return "tool"
	}
	for k := range obj {
		if strings.HasSuffix(k, "ToolCall") {
			return strings.ToLower(strings.TrimSuffix(k, "ToolCall"))
		}
	}
	// Deterministic fallback: Go map iteration order is randomized, so if no
	// key carries the expected suffix, prefer the lexicographically first.
	first := ""
	for k := range obj {
		if first == "" || k < first {
			first = k
		}
	}
	return strings.ToLower(first)
}
