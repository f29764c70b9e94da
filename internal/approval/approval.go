// Package approval applies the configured approval policy to each tool-use
// request a control-protocol agent makes, including the ExitPlanMode
// shortcut that bypasses the approval service entirely.
package approval

import (
	"context"

	"github.com/basket/go-foreman/internal/model"
)

// exitPlanModeTool is the reserved tool name that always short-circuits to
// an allow decision, before any configured Service is consulted.
const exitPlanModeTool = "ExitPlanMode"

// Service is the pluggable decision maker consulted for every tool use that
// isn't the ExitPlanMode shortcut. Implementations may call out to a human
// approval UI, a policy engine, or anything else; the core treats it as
// opaque.
type Service interface {
	Decide(ctx context.Context, req model.ApprovalRequest) model.ApprovalDecision
}

// Auditor records every decision a Handler makes, independent of how the
// decision was reached. A Handler with no Auditor set skips recording.
type Auditor interface {
	Record(decision, capability, reason, policyVersion, subject string)
}

// Policy tier tags recorded alongside each decision, so an audit trail can
// tell an ExitPlanMode bypass apart from a Service-backed decision without
// re-deriving it from the reason text.
const (
	exitPlanModePolicy = "exitplanmode-bypass"
	noServicePolicy    = "no-service-configured"
	servicePolicy      = "service-decided"
)

// ToolRequest is a can_use_tool control request, already unwrapped from its
// wire framing by the control peer. ToolUseID is populated by the peer when
// a matching hook_callback arrived first; it is empty
// otherwise.
type ToolRequest struct {
	RequestID string
	ToolName  string
	ToolInput map[string]any
	ToolUseID string
}

// PermissionUpdate mirrors the wire shape of an updatedPermissions entry.
type PermissionUpdate struct {
	UpdateType  string
	Mode        string
	Destination string
}

// Decision is the approval handler's verdict for one ToolRequest, already
// shaped for the control peer to frame onto the wire.
type Decision struct {
	Allow              bool
	UpdatedInput       map[string]any
	UpdatedPermissions []PermissionUpdate
	Message            string
	Interrupt          bool
}

var allowBypassPermissions = []PermissionUpdate{
	{UpdateType: "set_mode", Mode: "bypass_permissions", Destination: "session"},
}

// Handler applies a three-tier policy: ExitPlanMode shortcut,
// then no-service-configured allow, then delegation to a Service.
type Handler struct {
	service Service
	auditor Auditor
}

// NewHandler creates a Handler. service may be nil, in which case every
// non-ExitPlanMode tool use is allowed.
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// SetAuditor attaches an Auditor that records every decision this Handler
// makes. Safe to call once before the Handler starts serving requests.
func (h *Handler) SetAuditor(a Auditor) {
	h.auditor = a
}

func (h *Handler) record(decision, capability, reason, policy, subject string) {
	if h.auditor == nil {
		return
	}
	h.auditor.Record(decision, capability, reason, policy, subject)
}

// HandleCanUseTool decides one can_use_tool request.
func (h *Handler) HandleCanUseTool(ctx context.Context, req ToolRequest) Decision {
	if req.ToolName == exitPlanModeTool {
		h.record("allow", req.ToolName, "", exitPlanModePolicy, req.RequestID)
		return Decision{Allow: true, UpdatedPermissions: allowBypassPermissions}
	}

	if h.service == nil {
		h.record("allow", req.ToolName, "", noServicePolicy, req.RequestID)
		return Decision{Allow: true}
	}

	requestID := req.ToolUseID
	if requestID == "" {
		requestID = req.RequestID
	}

	decision := h.service.Decide(ctx, model.ApprovalRequest{
		RequestID: requestID,
		ToolName:  req.ToolName,
		ToolInput: req.ToolInput,
	})

	switch decision.Kind {
	case model.DecisionApproved:
		h.record("allow", req.ToolName, "", servicePolicy, requestID)
		return Decision{Allow: true}
	case model.DecisionTimeout:
		h.record("deny", req.ToolName, "timeout", servicePolicy, requestID)
		return Decision{Allow: false, Message: "Approval request timed out"}
	default: // model.DecisionDenied
		msg := decision.Reason
		if msg == "" {
			msg = "Tool use denied"
		}
		h.record("deny", req.ToolName, decision.Reason, servicePolicy, requestID)
		return Decision{Allow: false, Message: msg}
	}
}
