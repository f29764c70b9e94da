package approval

import (
	"context"
	"testing"

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

// TestExitPlanModeShortCircuit verifies that even a service configured to
// deny is never consulted for ExitPlanMode.
func TestExitPlanModeShortCircuit(t *testing.T) {
	svc := &fakeService{decision: model.ApprovalDecision{Kind: model.DecisionDenied, Reason: "never"}}
	h := NewHandler(svc)

	d := h.HandleCanUseTool(context.Background(), ToolRequest{RequestID: "r1", ToolName: "ExitPlanMode"})
	if !d.Allow {
		t.Fatalf("expected ExitPlanMode to always allow, got %+v", d)
	}
	if len(d.UpdatedPermissions) != 1 || d.UpdatedPermissions[0].Mode != "bypass_permissions" {
		t.Fatalf("expected bypass_permissions update, got %+v", d.UpdatedPermissions)
	}
	if svc.lastReq.ToolName != "" {
		t.Fatalf("expected service never consulted, but it saw %+v", svc.lastReq)
	}
}

// TestApprovalDenial verifies a denied decision propagates its reason as
// the tool-use response message.
func TestApprovalDenial(t *testing.T) {
	svc := &fakeService{decision: model.ApprovalDecision{Kind: model.DecisionDenied, Reason: "dangerous"}}
	h := NewHandler(svc)

	d := h.HandleCanUseTool(context.Background(), ToolRequest{RequestID: "r1", ToolName: "Bash", ToolInput: map[string]any{"command": "rm -rf /"}})
	if d.Allow {
		t.Fatalf("expected deny")
	}
	if d.Message != "dangerous" {
		t.Fatalf("expected message %q, got %q", "dangerous", d.Message)
	}
}

func TestNoServiceConfiguredAllows(t *testing.T) {
	h := NewHandler(nil)
	d := h.HandleCanUseTool(context.Background(), ToolRequest{RequestID: "r1", ToolName: "Read"})
	if !d.Allow {
		t.Fatalf("expected allow when no service configured")
	}
}

func TestTimeoutDecisionMapsToDenyWithDefaultMessage(t *testing.T) {
	svc := &fakeService{decision: model.ApprovalDecision{Kind: model.DecisionTimeout}}
	h := NewHandler(svc)
	d := h.HandleCanUseTool(context.Background(), ToolRequest{RequestID: "r1", ToolName: "Bash"})
	if d.Allow || d.Message != "Approval request timed out" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestToolUseIDPreferredOverRequestID(t *testing.T) {
	svc := &fakeService{decision: model.ApprovalDecision{Kind: model.DecisionApproved}}
	h := NewHandler(svc)
	h.HandleCanUseTool(context.Background(), ToolRequest{RequestID: "r1", ToolUseID: "tu1", ToolName: "Bash"})
	if svc.lastReq.RequestID != "tu1" {
		t.Fatalf("expected toolUseId to take precedence, got %q", svc.lastReq.RequestID)
	}
}

type fakeAuditor struct {
	calls []string
}

func (f *fakeAuditor) Record(decision, capability, reason, policy, subject string) {
	f.calls = append(f.calls, decision+":"+capability+":"+policy)
}

func TestAuditorRecordsEveryDecisionTier(t *testing.T) {
	aud := &fakeAuditor{}

	denyHandler := NewHandler(&fakeService{decision: model.ApprovalDecision{Kind: model.DecisionDenied, Reason: "no"}})
	denyHandler.SetAuditor(aud)
	denyHandler.HandleCanUseTool(context.Background(), ToolRequest{RequestID: "r1", ToolName: "Bash"})

	noServiceHandler := NewHandler(nil)
	noServiceHandler.SetAuditor(aud)
	noServiceHandler.HandleCanUseTool(context.Background(), ToolRequest{RequestID: "r2", ToolName: "Read"})

	exitPlanHandler := NewHandler(nil)
	exitPlanHandler.SetAuditor(aud)
	exitPlanHandler.HandleCanUseTool(context.Background(), ToolRequest{RequestID: "r3", ToolName: "ExitPlanMode"})

	want := []string{
		"deny:Bash:service-decided",
		"allow:Read:no-service-configured",
		"allow:ExitPlanMode:exitplanmode-bypass",
	}
	if len(aud.calls) != len(want) {
		t.Fatalf("expected %d recorded decisions, got %d: %v", len(want), len(aud.calls), aud.calls)
	}
	for i, w := range want {
		if aud.calls[i] != w {
			t.Fatalf("call %d: expected %q, got %q", i, w, aud.calls[i])
		}
	}
}

func TestHandlerWithoutAuditorNeverPanics(t *testing.T) {
	h := NewHandler(nil)
	h.HandleCanUseTool(context.Background(), ToolRequest{RequestID: "r1", ToolName: "Read"})
}
