// Package controlpeer implements the bidirectional control-protocol side
// channel multiplexed onto a Claude-family agent's stdin/stdout: framing
// outbound sdk_control_request/control messages, classifying inbound lines
// into control_request vs. ordinary transcript output, and routing
// can_use_tool requests to an approval.Handler.
package controlpeer

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/basket/go-foreman/internal/approval"
)

// inboundEnvelope is the outer shape of every line on the child's stdout
// that might be a control frame. Anything that fails to parse, or whose
// Type isn't recognized, is forwarded untouched to the transcript line
// callback instead.
type inboundEnvelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Request   json.RawMessage `json:"request"`
}

type controlRequestPayload struct {
	Type       string         `json:"type"`
	ToolName   string         `json:"toolName"`
	Input      map[string]any `json:"input"`
	CallbackID string         `json:"callbackId"`
	ToolUseID  string         `json:"toolUseId"`
}

type controlResponseFrame struct {
	Type     string          `json:"type"`
	Response responsePayload `json:"response"`
}

type responsePayload struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type decisionWire struct {
	Result             string                 `json:"result"`
	UpdatedInput       map[string]any         `json:"updatedInput,omitempty"`
	UpdatedPermissions []permissionUpdateWire `json:"updatedPermissions,omitempty"`
	Message            string                 `json:"message,omitempty"`
	Interrupt          *bool                  `json:"interrupt,omitempty"`
}

type permissionUpdateWire struct {
	UpdateType  string `json:"updateType"`
	Mode        string `json:"mode,omitempty"`
	Destination string `json:"destination,omitempty"`
}

// hookCallbackDecision is always "ask": the peer never settles a
// hook_callback itself, it just remembers the toolUseId for the
// can_use_tool request that follows with the same request id.
const hookCallbackAsk = "ask"

// Peer owns one child process's control-protocol side channel. It is safe
// to construct per managed process; it is not safe for concurrent use by
// more than one reader goroutine.
type Peer struct {
	logger  *slog.Logger
	handler *approval.Handler
	stdin   io.Writer

	onMessage func(line string)
	onError   func(err error)

	mu               sync.Mutex
	pendingToolUseID map[string]string // requestId -> toolUseId, from hook_callback

	wg   sync.WaitGroup
	stop chan struct{}
}

// New creates a Peer that writes outbound frames to stdin and consults
// handler for every can_use_tool request.
func New(logger *slog.Logger, handler *approval.Handler, stdin io.Writer) *Peer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Peer{
		logger:           logger,
		handler:          handler,
		stdin:            stdin,
		pendingToolUseID: make(map[string]string),
		stop:             make(chan struct{}),
	}
}

// OnMessage registers the callback invoked for every inbound line that
// isn't a control_request frame (i.e. ordinary transcript output destined
// for the normalizer).
func (p *Peer) OnMessage(cb func(line string)) { p.onMessage = cb }

// OnError registers the callback invoked when reading the child's stdout
// fails or ends unexpectedly.
func (p *Peer) OnError(cb func(err error)) { p.onError = cb }

// Start begins classifying lines read from r in a background goroutine.
// Start returns immediately; call Stop to wait for the goroutine to drain.
func (p *Peer) Start(ctx context.Context, r io.Reader) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
		for scanner.Scan() {
			select {
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			default:
			}
			p.handleLine(ctx, scanner.Text())
		}
		if err := scanner.Err(); err != nil && p.onError != nil {
			p.onError(err)
		}
	}()
}

// Stop signals the read loop to stop and waits for any in-flight line
// handling to finish. Stop is idempotent.
func (p *Peer) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	p.wg.Wait()
}

func (p *Peer) handleLine(ctx context.Context, line string) {
	if line == "" {
		return
	}

	var env inboundEnvelope
	if err := json.Unmarshal([]byte(line), &env); err != nil || env.Type != "control_request" {
		if p.onMessage != nil {
			p.onMessage(line)
		}
		return
	}

	var req controlRequestPayload
	if err := json.Unmarshal(env.Request, &req); err != nil {
		p.logger.Warn("control_request payload parse failed", "err", err)
		return
	}

	switch req.Type {
	case "can_use_tool":
		p.handleCanUseTool(ctx, env.RequestID, req)
	case "hook_callback":
		p.handleHookCallback(env.RequestID, req)
	default:
		p.logger.Warn("unrecognized control_request type", "type", req.Type)
	}
}

func (p *Peer) handleCanUseTool(ctx context.Context, requestID string, req controlRequestPayload) {
	toolUseID := req.ToolUseID
	if toolUseID == "" {
		p.mu.Lock()
		toolUseID = p.pendingToolUseID[requestID]
		delete(p.pendingToolUseID, requestID)
		p.mu.Unlock()
	}

	decision := p.handler.HandleCanUseTool(ctx, approval.ToolRequest{
		RequestID: requestID,
		ToolName:  req.ToolName,
		ToolInput: req.Input,
		ToolUseID: toolUseID,
	})

	result := "deny"
	if decision.Allow {
		result = "allow"
	}
	wire := decisionWire{
		Result:       result,
		UpdatedInput: decision.UpdatedInput,
		Message:      decision.Message,
	}
	if decision.Interrupt {
		interrupt := true
		wire.Interrupt = &interrupt
	}
	for _, u := range decision.UpdatedPermissions {
		wire.UpdatedPermissions = append(wire.UpdatedPermissions, permissionUpdateWire{
			UpdateType:  u.UpdateType,
			Mode:        u.Mode,
			Destination: u.Destination,
		})
	}

	p.respond(requestID, wire, "")
}

func (p *Peer) handleHookCallback(requestID string, req controlRequestPayload) {
	if req.ToolUseID != "" {
		p.mu.Lock()
		p.pendingToolUseID[requestID] = req.ToolUseID
		p.mu.Unlock()
	}
	p.respond(requestID, decisionWire{Result: hookCallbackAsk}, "")
}

func (p *Peer) respond(requestID string, decision decisionWire, errMsg string) {
	raw, err := json.Marshal(decision)
	if err != nil {
		p.logger.Error("marshal control response decision failed", "err", err)
		return
	}
	frame := controlResponseFrame{
		Type: "control_response",
		Response: responsePayload{
			Type:      "success",
			RequestID: requestID,
			Response:  raw,
		},
	}
	if errMsg != "" {
		frame.Response.Type = "error"
		frame.Response.Error = errMsg
		frame.Response.Response = nil
	}
	p.writeFrame(frame)
}

func (p *Peer) writeFrame(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("marshal control frame failed", "err", err)
		return
	}
	data = append(data, '\n')
	if _, err := p.stdin.Write(data); err != nil {
		p.logger.Error("write control frame failed", "err", err)
	}
}

// Initialize sends the initial sdk_control_request announcing the hooks
// this peer wants invoked.
func (p *Peer) Initialize(hooks []string) {
	p.writeFrame(map[string]any{
		"type": "sdk_control_request",
		"request": map[string]any{
			"type":  "initialize",
			"hooks": hooks,
		},
	})
}

// SetPermissionMode requests a permission-mode change for the session.
func (p *Peer) SetPermissionMode(mode string) {
	p.writeFrame(map[string]any{
		"type": "sdk_control_request",
		"request": map[string]any{
			"type": "set_permission_mode",
			"mode": mode,
		},
	})
}

// SendUserMessage writes a user turn onto the child's stdin.
func (p *Peer) SendUserMessage(content string, sessionID string) {
	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
	}
	if sessionID != "" {
		msg["sessionId"] = sessionID
	}
	p.writeFrame(msg)
}

// SendInterrupt asks the child to interrupt its current turn.
func (p *Peer) SendInterrupt() {
	p.writeFrame(map[string]any{
		"type":    "control",
		"control": map[string]any{"type": "interrupt"},
	})
}
