package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cadenzahq/cadenza/internal/expressions"
	"github.com/cadenzahq/cadenza/pkg/schema"
)

const (
	defaultOutboundTimeout = 30 * time.Second
	maxResponseBytes       = 1 << 20
)

// OutboundHandler performs the generic outbound HTTP call behind webhook,
// api_call, crm_action and payment_webhook nodes. Non-2xx responses, timeouts
// and failed success predicates raise errors for the retry policy to
// classify.
type OutboundHandler struct {
	nodeType schema.NodeType
	client   *http.Client
	expr     expressions.Engine
	logger   *slog.Logger
}

// NewOutboundHandler creates a handler bound to one outbound node type. A nil
// client uses a default with connection reuse.
func NewOutboundHandler(nodeType schema.NodeType, client *http.Client, expr expressions.Engine, logger *slog.Logger) *OutboundHandler {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboundHandler{nodeType: nodeType, client: client, expr: expr, logger: logger}
}

// NewOutboundHandlers creates one handler per outbound node type sharing the
// same HTTP client.
func NewOutboundHandlers(client *http.Client, expr expressions.Engine, logger *slog.Logger) []*OutboundHandler {
	if client == nil {
		client = &http.Client{}
	}
	types := []schema.NodeType{
		schema.NodeTypeWebhook,
		schema.NodeTypeAPICall,
		schema.NodeTypeCRMAction,
		schema.NodeTypePaymentWebhook,
	}
	handlers := make([]*OutboundHandler, 0, len(types))
	for _, t := range types {
		handlers = append(handlers, NewOutboundHandler(t, client, expr, logger))
	}
	return handlers
}

func (h *OutboundHandler) Type() schema.NodeType { return h.nodeType }

func (h *OutboundHandler) Execute(ctx context.Context, req *Request) (*schema.StepResult, error) {
	var props schema.OutboundProperties
	if err := json.Unmarshal(req.Node.Properties, &props); err != nil {
		return nil, schema.NewError(schema.ErrCodeNonRetryable, "invalid outbound properties").
			WithNode(req.Node.ID).WithCause(err)
	}

	method := props.Method
	if method == "" {
		method = http.MethodPost
	}

	timeout := defaultOutboundTimeout
	if props.Timeout != "" {
		parsed, err := time.ParseDuration(props.Timeout)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeNonRetryable, "invalid timeout %q", props.Timeout).
				WithNode(req.Node.ID).WithCause(err)
		}
		timeout = parsed
	}

	var body io.Reader
	if props.BodyTemplate != "" {
		body = strings.NewReader(substitute(props.BodyTemplate, req))
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, method, props.URL, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeNonRetryable, "build outbound request").
			WithNode(req.Node.ID).WithCause(err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range props.Headers {
		httpReq.Header.Set(k, substitute(v, req))
	}

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"outbound call timeout after %s", timeout).WithNode(req.Node.ID).WithCause(err)
		}
		return nil, schema.NewError(schema.ErrCodeStepFailed, "outbound call failed").
			WithNode(req.Node.ID).WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStepFailed, "read outbound response").
			WithNode(req.Node.ID).WithCause(err)
	}

	h.logger.DebugContext(ctx, "outbound call completed",
		"node_id", req.Node.ID, "url", props.URL, "status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
			"outbound call returned status %d", resp.StatusCode).
			WithNode(req.Node.ID).
			WithDetails(map[string]any{"status": resp.StatusCode, "url": props.URL})
	}

	var parsed any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			parsed = string(respBody)
		}
	}

	if props.SuccessPredicate != "" {
		env := environment(req)
		env["response"] = map[string]any{
			"status": resp.StatusCode,
			"body":   parsed,
		}
		value, err := h.expr.Evaluate(ctx, props.SuccessPredicate, env)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStepFailed, "success predicate evaluation failed").
				WithNode(req.Node.ID).WithCause(err)
		}
		if !truthy(value) {
			return nil, schema.NewError(schema.ErrCodeStepFailed,
				"outbound response failed success predicate").WithNode(req.Node.ID).
				WithDetails(map[string]any{"status": resp.StatusCode})
		}
	}

	output, _ := json.Marshal(map[string]any{
		"status": resp.StatusCode,
		"body":   parsed,
	})
	return &schema.StepResult{Output: output}, nil
}
