package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cadenzahq/cadenza/internal/ratelimit"
	"github.com/cadenzahq/cadenza/internal/store"
	"github.com/cadenzahq/cadenza/pkg/schema"
)

// ChannelSender delivers already-rendered content through a channel. The
// engine does not render templates beyond simple placeholder substitution;
// providers receive resolved text.
type ChannelSender interface {
	Send(ctx context.Context, channel schema.Channel, contact *store.Contact, subject, body, idempotencyKey string) (*SendResult, error)
}

// SendResult is the provider's acknowledgement of a send.
type SendResult struct {
	Success           bool   `json:"success"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
}

// ActionHandler performs channel sends (email, SMS) and tag mutations. Every
// side-effecting send first passes the per-contact channel rate gate.
type ActionHandler struct {
	gate   *ratelimit.Gate
	sender ChannelSender
	store  store.Store
	logger *slog.Logger
}

func NewActionHandler(gate *ratelimit.Gate, sender ChannelSender, st store.Store, logger *slog.Logger) *ActionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActionHandler{gate: gate, sender: sender, store: st, logger: logger}
}

func (h *ActionHandler) Type() schema.NodeType { return schema.NodeTypeAction }

func (h *ActionHandler) Execute(ctx context.Context, req *Request) (*schema.StepResult, error) {
	var props schema.ActionProperties
	if err := json.Unmarshal(req.Node.Properties, &props); err != nil {
		return nil, schema.NewError(schema.ErrCodeNonRetryable, "invalid action properties").
			WithNode(req.Node.ID).WithCause(err)
	}
	if req.Contact == nil {
		return nil, schema.NewError(schema.ErrCodeNonRetryable, "action requires a contact").WithNode(req.Node.ID)
	}

	if props.Channel == schema.ChannelTag {
		return h.applyTag(ctx, req, props.TagName)
	}

	if scope := ratelimit.ScopeForChannel(props.Channel); scope != "" {
		decision := h.gate.CheckOne(scope, req.Contact.ID)
		if !decision.Allowed {
			return nil, schema.NewErrorf(schema.ErrCodeRateLimited,
				"channel %s rate limited for contact %s", props.Channel, req.Contact.ID).
				WithNode(req.Node.ID).
				WithDetails(map[string]any{
					"failed_check": decision.FailedCheck,
					"reset_time":   decision.ResetTime,
				})
		}
	}

	subject := substitute(props.Subject, req)
	body := substitute(props.Body, req)

	// Keyed by the enqueued job: redelivery of the same job dedups at the
	// provider, while a loop-back or retry visit sends under a fresh key.
	idempotencyKey := fmt.Sprintf("%s:%s:%s", req.ExecutionID, req.Node.ID, req.JobID)

	sent, err := h.sender.Send(ctx, props.Channel, req.Contact, subject, body, idempotencyKey)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "%s send failed: %v", props.Channel, err).
			WithNode(req.Node.ID).WithCause(err)
	}
	if !sent.Success {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "%s send rejected by provider", props.Channel).
			WithNode(req.Node.ID)
	}

	output, _ := json.Marshal(map[string]any{
		"channel":             string(props.Channel),
		"provider_message_id": sent.ProviderMessageID,
	})
	return &schema.StepResult{Output: output, ProviderMessageID: sent.ProviderMessageID}, nil
}

func (h *ActionHandler) applyTag(ctx context.Context, req *Request, tagName string) (*schema.StepResult, error) {
	if tagName == "" {
		return nil, schema.NewError(schema.ErrCodeNonRetryable, "tag action requires tag_name").WithNode(req.Node.ID)
	}

	added := false
	contact := req.Contact
	if !hasTag(contact.Tags, tagName) {
		contact.Tags = append(contact.Tags, tagName)
		if err := h.store.UpsertContact(ctx, contact); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "persist contact tag").
				WithNode(req.Node.ID).WithCause(err)
		}
		added = true
	}

	output, _ := json.Marshal(map[string]any{"tag": tagName, "added": added})
	return &schema.StepResult{Output: output}, nil
}

func hasTag(tags []string, name string) bool {
	for _, t := range tags {
		if t == name {
			return true
		}
	}
	return false
}

// substitute resolves {path} placeholders against the expression environment,
// e.g. {contact.email} or {variables.discount_code}. Unknown paths resolve to
// an empty string.
func substitute(template string, req *Request) string {
	if !strings.Contains(template, "{") {
		return template
	}
	return formatTemplate(template, environment(req))
}

// lookupPath walks a dotted path through nested maps. Returns "" when any
// segment is missing.
func lookupPath(env map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var current any = env
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current, ok = m[part]
		if !ok {
			return ""
		}
	}
	if current == nil {
		return ""
	}
	return current
}
