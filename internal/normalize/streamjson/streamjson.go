// Package streamjson normalizes the Claude-family "stream-json" wire
// protocol: newline-delimited JSON messages, with control_request /
// control_response frames interleaved and consumed by the control peer
// rather than this normalizer.
package streamjson

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/go-foreman/internal/chunkstream"
	"github.com/basket/go-foreman/internal/model"
	"github.com/basket/go-foreman/internal/normalize"
)

const activeAssistantKey = "assistant"

// Normalizer implements normalize.Normalizer for the stream-json protocol.
type Normalizer struct{}

// New creates a stream-json Normalizer.
func New() *Normalizer { return &Normalizer{} }

type envelope struct {
	Type string `json:"type"`

	// system
	SessionID  string         `json:"sessionId"`
	Model      string         `json:"model"`
	Subtype    string         `json:"subtype"`
	MCPServers []string       `json:"mcpServers"`

	// user / assistant
	Message *messageBlock `json:"message"`

	// result
	IsError bool            `json:"isError"`
	Result  json.RawMessage `json:"result"`
}

type messageBlock struct {
	Role    string  `json:"role"`
	Content []block `json:"content"`
}

type block struct {
	Type string `json:"type"`

	// text
	Text string `json:"text"`

	// tool_use
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`

	// tool_result
	ToolUseID string `json:"tool_use_id"`
}

// Normalize consumes chunks until the stream closes and produces normalized
// entries on the returned channel, which is closed when done.
func (n *Normalizer) Normalize(chunks <-chan chunkstream.Chunk, workDir string) <-chan model.NormalizedEntry {
	out := make(chan model.NormalizedEntry, 16)
	go func() {
		defer close(out)
		st := &state{ix: normalize.NewIndexer(), workDir: workDir, out: out}
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
	workDir   string
	sessionID string
	model     string
	accum     string
	out       chan<- model.NormalizedEntry
}

func (s *state) emit(e model.NormalizedEntry) {
	if e.Metadata == nil {
		e.Metadata = &model.Metadata{}
	}
	if e.Metadata.SessionID == "" {
		e.Metadata.SessionID = s.sessionID
	}
	if e.Metadata.Model == "" {
		e.Metadata.Model = s.model
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
	case "system":
		s.sessionID = env.SessionID
		s.model = env.Model
		s.emit(model.NormalizedEntry{
			Index:   s.ix.Alloc(),
			Type:    model.EntrySystemMessage,
			Content: fmt.Sprintf("Session: %s, Model: %s", env.SessionID, env.Model),
			Metadata: &model.Metadata{SessionID: env.SessionID, Model: env.Model},
		})

	case "user":
		closeActiveAssistant(s)
		content := flattenText(env.Message)
		s.emit(model.NormalizedEntry{Index: s.ix.Alloc(), Type: model.EntryUserMessage, Content: content})

	case "assistant":
		s.handleAssistant(env)

	case "tool_use":
		// Lifecycle-only frame; tool details come from the assistant block.

	case "result":
		closeActiveAssistant(s)
		if env.IsError {
			s.emit(model.NormalizedEntry{
				Index: s.ix.Alloc(),
				Type:  model.EntryError,
				Error: &model.EntryError{Code: "TASK_ERROR", Message: string(env.Result)},
			})
		}

	case "control_request", "control_response":
		// Consumed by the control protocol peer, not the normalizer.

	default:
		if line != "" {
			s.emit(model.NormalizedEntry{Index: s.ix.Alloc(), Type: model.EntrySystemMessage, Content: line})
		}
	}
}

func (s *state) handleAssistant(env envelope) {
	if env.Message == nil || len(env.Message.Content) == 0 {
		return
	}

	var toolBlocks []block
	var text strings.Builder
	for _, b := range env.Message.Content {
		switch b.Type {
		case "tool_use":
			toolBlocks = append(toolBlocks, b)
		case "text":
			text.WriteString(b.Text)
		}
	}

	if len(toolBlocks) > 0 {
		closeActiveAssistant(s)
		for _, tb := range toolBlocks {
			idx := s.ix.Alloc()
			s.ix.Bind("tool:"+tb.ID, idx)
			s.emit(model.NormalizedEntry{
				Index: idx,
				Type:  model.EntryToolUse,
				Tool: &model.ToolUse{
					Tool:   tb.Name,
					Status: model.ToolRunning,
					Action: mapAction(tb.Name, tb.Input, s.workDir),
				},
			})
		}
		return
	}

	if text.Len() == 0 {
		return
	}

	idx, active := s.ix.IndexFor(activeAssistantKey)
	if !active {
		idx = s.ix.Alloc()
		s.ix.Bind(activeAssistantKey, idx)
		s.emit(model.NormalizedEntry{Index: idx, Type: model.EntryAssistantMessage, Content: text.String()})
		s.accum = text.String()
		return
	}
	s.accum += text.String()
	s.emit(model.NormalizedEntry{Index: idx, Type: model.EntryAssistantMessage, Content: s.accum})
}

func flattenText(m *messageBlock) string {
	if m == nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func mapAction(toolName string, input json.RawMessage, workDir string) model.Action {
	var args map[string]any
	_ = json.Unmarshal(input, &args)

	switch toolName {
	case "Bash":
		cmd, _ := args["command"].(string)
		return model.Action{Kind: model.ActionCommand, Command: cmd}
	case "Read":
		path, _ := args["file_path"].(string)
		return model.Action{Kind: model.ActionFileRead, Path: normalize.RelativizePath(workDir, path)}
	case "Write":
		path, _ := args["file_path"].(string)
		return model.Action{Kind: model.ActionFileWrite, Path: normalize.RelativizePath(workDir, path)}
	case "Edit":
		path, _ := args["file_path"].(string)
		oldStr, _ := args["old_string"].(string)
		newStr, _ := args["new_string"].(string)
		diff := fmt.Sprintf("- %s\n+ %s", oldStr, newStr)
		return model.Action{
			Kind: model.ActionFileEdit,
			Path: normalize.RelativizePath(workDir, path),
			Changes: []model.EditChange{{Type: "edit", UnifiedDiff: diff}},
		}
	default:
		return model.Action{Kind: model.ActionGeneric, Name: toolName, Args: args}
	}
}

func closeActiveAssistant(s *state) {
	s.ix.Release(activeAssistantKey)
	s.accum = ""
}
