package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzahq/cadenza/internal/expressions"
	"github.com/cadenzahq/cadenza/pkg/schema"
)

func outboundNode(t *testing.T, props schema.OutboundProperties) *schema.Node {
	t.Helper()
	raw, err := json.Marshal(props)
	require.NoError(t, err)
	return &schema.Node{ID: "w1", Type: schema.NodeTypeWebhook, Properties: raw}
}

func TestOutboundHandler_Success(t *testing.T) {
	var gotBody string
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotHeader = r.Header.Get("X-Contact")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	h := NewOutboundHandler(schema.NodeTypeWebhook, srv.Client(), expressions.NewExprEngine(), nil)
	req := testRequest(outboundNode(t, schema.OutboundProperties{
		URL:          srv.URL,
		BodyTemplate: `{"email":"{contact.email}"}`,
		Headers:      map[string]string{"X-Contact": "{contact.id}"},
	}))

	result, err := h.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"email":"ada@example.com"}`, gotBody)
	assert.Equal(t, "c-1", gotHeader)

	var out map[string]any
	require.NoError(t, json.Unmarshal(result.Output, &out))
	assert.Equal(t, float64(200), out["status"])
}

func TestOutboundHandler_Non2xxRaises(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := NewOutboundHandler(schema.NodeTypeAPICall, srv.Client(), expressions.NewExprEngine(), nil)
	req := testRequest(outboundNode(t, schema.OutboundProperties{URL: srv.URL}))

	_, err := h.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestOutboundHandler_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewOutboundHandler(schema.NodeTypeWebhook, srv.Client(), expressions.NewExprEngine(), nil)
	req := testRequest(outboundNode(t, schema.OutboundProperties{URL: srv.URL, Timeout: "50ms"}))

	_, err := h.Execute(context.Background(), req)
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeTimeout, engErr.Code)
}

func TestOutboundHandler_SuccessPredicate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"state":"declined"}`))
	}))
	defer srv.Close()

	h := NewOutboundHandler(schema.NodeTypePaymentWebhook, srv.Client(), expressions.NewExprEngine(), nil)
	req := testRequest(outboundNode(t, schema.OutboundProperties{
		URL:              srv.URL,
		SuccessPredicate: `response.body.state == "settled"`,
	}))

	_, err := h.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "success predicate")
}

func TestOutboundHandler_SuccessPredicatePasses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"state":"settled"}`))
	}))
	defer srv.Close()

	h := NewOutboundHandler(schema.NodeTypePaymentWebhook, srv.Client(), expressions.NewExprEngine(), nil)
	req := testRequest(outboundNode(t, schema.OutboundProperties{
		URL:              srv.URL,
		SuccessPredicate: `response.status >= 200 && response.body.state == "settled"`,
	}))

	_, err := h.Execute(context.Background(), req)
	require.NoError(t, err)
}

func TestNewOutboundHandlers_CoversAllOutboundTypes(t *testing.T) {
	handlers := NewOutboundHandlers(nil, expressions.NewExprEngine(), nil)
	types := map[schema.NodeType]bool{}
	for _, h := range handlers {
		types[h.Type()] = true
	}
	assert.True(t, types[schema.NodeTypeWebhook])
	assert.True(t, types[schema.NodeTypeAPICall])
	assert.True(t, types[schema.NodeTypeCRMAction])
	assert.True(t, types[schema.NodeTypePaymentWebhook])
}
