package controlpeer

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/basket/go-foreman/internal/approval"
	"github.com/basket/go-foreman/internal/model"
)

type fakeService struct {
	decision model.ApprovalDecision
	lastReq  model.ApprovalRequest
}

func (f *fakeService) Decide(ctx context.Context, req model.ApprovalRequest) model.ApprovalDecision {
	f.lastReq = req
	return f.decision
}

func newTestPeer(svc approval.Service) (*Peer, *bytes.Buffer) {
	var stdin bytes.Buffer
	p := New(nil, approval.NewHandler(svc), &stdin)
	return p, &stdin
}

// TestApprovalDenialFraming verifies the wire shape of a denied tool use.
func TestApprovalDenialFraming(t *testing.T) {
	svc := &fakeService{decision: model.ApprovalDecision{Kind: model.DecisionDenied, Reason: "dangerous"}}
	p, stdin := newTestPeer(svc)

	p.Start(context.Background(), strings.NewReader(
		`{"type":"control_request","requestId":"r1","request":{"type":"can_use_tool","toolName":"Bash","input":{"command":"rm -rf /"}}}`+"\n"))
	p.Stop()

	var frame map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(stdin.Bytes()), &frame); err != nil {
		t.Fatalf("response not valid JSON: %v (%s)", err, stdin.String())
	}
	if frame["type"] != "control_response" {
		t.Fatalf("expected control_response, got %v", frame["type"])
	}
	resp := frame["response"].(map[string]any)
	if resp["type"] != "success" || resp["requestId"] != "r1" {
		t.Fatalf("unexpected response envelope: %+v", resp)
	}
	inner := resp["response"].(map[string]any)
	if inner["result"] != "deny" || inner["message"] != "dangerous" {
		t.Fatalf("unexpected decision payload: %+v", inner)
	}
}

// TestExitPlanModeAllowsRegardlessOfService exercises the ExitPlanMode
// shortcut through the full peer, including the bypass_permissions update.
func TestExitPlanModeAllowsRegardlessOfService(t *testing.T) {
	svc := &fakeService{decision: model.ApprovalDecision{Kind: model.DecisionDenied, Reason: "never"}}
	p, stdin := newTestPeer(svc)

	p.Start(context.Background(), strings.NewReader(
		`{"type":"control_request","requestId":"r2","request":{"type":"can_use_tool","toolName":"ExitPlanMode"}}`+"\n"))
	p.Stop()

	var frame map[string]any
	json.Unmarshal(bytes.TrimSpace(stdin.Bytes()), &frame)
	resp := frame["response"].(map[string]any)
	inner := resp["response"].(map[string]any)
	if inner["result"] != "allow" {
		t.Fatalf("expected allow, got %+v", inner)
	}
	perms, ok := inner["updatedPermissions"].([]any)
	if !ok || len(perms) != 1 {
		t.Fatalf("expected one updatedPermissions entry, got %+v", inner["updatedPermissions"])
	}
	if svc.lastReq.ToolName != "" {
		t.Fatalf("service should never be consulted for ExitPlanMode")
	}
}

// TestHookCallbackStampsToolUseIDOntoCanUseTool covers the invariant that a
// hook_callback's toolUseId is remembered and attached to the can_use_tool
// request sharing its request id.
func TestHookCallbackStampsToolUseIDOntoCanUseTool(t *testing.T) {
	svc := &fakeService{decision: model.ApprovalDecision{Kind: model.DecisionApproved}}
	p, stdin := newTestPeer(svc)

	lines := strings.Join([]string{
		`{"type":"control_request","requestId":"r3","request":{"type":"hook_callback","callbackId":"cb1","toolUseId":"tu-42"}}`,
		`{"type":"control_request","requestId":"r3","request":{"type":"can_use_tool","toolName":"Write"}}`,
	}, "\n") + "\n"

	p.Start(context.Background(), strings.NewReader(lines))
	p.Stop()

	if svc.lastReq.RequestID != "tu-42" {
		t.Fatalf("expected stamped toolUseId tu-42, got %q", svc.lastReq.RequestID)
	}

	frames := strings.Split(strings.TrimSpace(stdin.String()), "\n")
	if len(frames) != 2 {
		t.Fatalf("expected 2 response frames, got %d: %v", len(frames), frames)
	}
	var first map[string]any
	json.Unmarshal([]byte(frames[0]), &first)
	firstInner := first["response"].(map[string]any)["response"].(map[string]any)
	if firstInner["result"] != "ask" {
		t.Fatalf("expected hook_callback to always respond ask, got %+v", firstInner)
	}
}

// TestNonControlLinesForwardedToOnMessage ensures ordinary transcript lines
// bypass control framing entirely.
func TestNonControlLinesForwardedToOnMessage(t *testing.T) {
	p, _ := newTestPeer(nil)
	var got []string
	p.OnMessage(func(line string) { got = append(got, line) })

	p.Start(context.Background(), strings.NewReader(
		`{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}`+"\n"))
	p.Stop()

	if len(got) != 1 {
		t.Fatalf("expected 1 forwarded line, got %d", len(got))
	}
}

func TestStopIsIdempotent(t *testing.T) {
	p, _ := newTestPeer(nil)
	p.Start(context.Background(), strings.NewReader(""))
	p.Stop()
	p.Stop()
}

func TestInitializeAndUserMessageFraming(t *testing.T) {
	p, stdin := newTestPeer(nil)
	p.Initialize([]string{"can_use_tool"})
	p.SendUserMessage("hello", "s1")
	p.SendInterrupt()

	lines := strings.Split(strings.TrimSpace(stdin.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(lines))
	}
	var initFrame map[string]any
	json.Unmarshal([]byte(lines[0]), &initFrame)
	if initFrame["type"] != "sdk_control_request" {
		t.Fatalf("unexpected initialize frame: %v", initFrame)
	}
}
