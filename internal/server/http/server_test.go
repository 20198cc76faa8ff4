package httpserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/correlator/internal/partition"
	"github.com/rzbill/correlator/internal/protocol"
	"github.com/rzbill/correlator/pkg/id"
	logpkg "github.com/rzbill/correlator/pkg/log"
)

func newServer(t *testing.T) *Server {
	t.Helper()
	logger, err := logpkg.ApplyConfig(&logpkg.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	c, err := partition.OpenCluster(t.TempDir(), 1, partition.Options{
		Logger:               logger,
		ExpiryCheckInterval:  -1,
		PendingCheckInterval: -1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Start(context.Background()))
	return New(c, 60_000, logger)
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req.WithContext(ctx))
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthHandler(t *testing.T) {
	s := newServer(t)
	w := do(t, s, http.MethodGet, "/v1/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, w)["status"])
}

func TestPublishHandlerBuffersWithDefaultTTL(t *testing.T) {
	s := newServer(t)
	w := do(t, s, http.MethodPost, "/v1/messages/publish", `{"name":"order-paid","correlationKey":"order-42"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[protocol.PublishResponse](t, w)
	assert.Equal(t, protocol.OutcomeBuffered, resp.Outcome)
	assert.NotZero(t, resp.MessageKey)

	w = do(t, s, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[statsJSON](t, w)
	require.Len(t, stats.Partitions, 1)
	assert.EqualValues(t, 1, stats.Total.BufferedMessages)
}

type statsJSON struct {
	Partitions []partition.Stats `json:"partitions"`
	Total      partition.Stats   `json:"total"`
}

func TestPublishHandlerRejectsBadInput(t *testing.T) {
	s := newServer(t)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/messages/publish", `{"correlationKey":"order-42"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/messages/publish", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/messages/publish", `{"name":"order-paid","timeToLive":-5}`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodGet, "/v1/messages/publish", "").Code)
}

func TestCommandThenPublishCorrelates(t *testing.T) {
	s := newServer(t)
	open, err := json.Marshal(protocol.Command{
		Type: protocol.CommandOpenProcessSubscription,
		ProcessSubscription: &protocol.ProcessMessageSubscriptionRecord{
			ProcessInstanceKey: id.Encode(1, 900),
			ElementInstanceKey: 500,
			BpmnProcessID:      "order-process",
			ElementID:          "wait-payment",
			MessageName:        "order-paid",
			CorrelationKey:     "order-42",
			Interrupting:       true,
		},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/v1/commands", string(open)).Code)

	require.Eventually(t, func() bool {
		w := do(t, s, http.MethodGet, "/v1/subscriptions/exists?elementInstanceKey=500", "")
		return w.Code == http.StatusOK && decode[map[string]bool](t, w)["exists"]
	}, 5*time.Second, 5*time.Millisecond)

	w := do(t, s, http.MethodPost, "/v1/messages/publish", `{"name":"order-paid","correlationKey":"order-42","timeToLive":60000}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[protocol.PublishResponse](t, w)
	assert.Equal(t, protocol.OutcomeCorrelated, resp.Outcome)
	assert.EqualValues(t, 500, resp.ElementInstanceKey)
}

func TestCommandHandlerRejectsInvalidCommand(t *testing.T) {
	s := newServer(t)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/commands", `{"type":"OPEN_PROCESS_SUBSCRIPTION"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/commands", `{"type":"NOPE"}`).Code)
}

func TestCorrelationKeyActive(t *testing.T) {
	s := newServer(t)
	deploy := `{"type":"DEPLOY_START_EVENT","startEvent":{"messageName":"order-paid","processDefinitionKey":10,"bpmnProcessId":"order-process","startEventId":"start"}}`
	require.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/v1/commands", deploy).Code)

	require.Eventually(t, func() bool {
		w := do(t, s, http.MethodPost, "/v1/messages/publish", `{"name":"order-paid","correlationKey":"order-7","timeToLive":0}`)
		return w.Code == http.StatusOK && decode[protocol.PublishResponse](t, w).Outcome == protocol.OutcomeStartTriggered
	}, 5*time.Second, 10*time.Millisecond)

	w := do(t, s, http.MethodGet, "/v1/correlation-keys/active?bpmnProcessId=order-process&correlationKey=order-7", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[map[string]bool](t, w)["active"])

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/correlation-keys/active?correlationKey=order-7", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/subscriptions/exists?elementInstanceKey=x", "").Code)
}

func TestLogPaging(t *testing.T) {
	s := newServer(t)
	for _, ck := range []string{"order-1", "order-2", "order-3"} {
		w := do(t, s, http.MethodPost, "/v1/messages/publish", `{"name":"order-paid","correlationKey":"`+ck+`"}`)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := do(t, s, http.MethodGet, "/v1/log?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[logResp](t, w)
	require.Len(t, page.Entries, 2)
	assert.EqualValues(t, 1, page.Entries[0].Seq)
	assert.Equal(t, string(protocol.CommandPublishMessage), page.Entries[0].Type)
	require.NotEmpty(t, page.Next)

	w = do(t, s, http.MethodGet, "/v1/log?limit=2&start="+page.Next, "")
	require.Equal(t, http.StatusOK, w.Code)
	page = decode[logResp](t, w)
	require.Len(t, page.Entries, 1)
	assert.EqualValues(t, 3, page.Entries[0].Seq)
	assert.Empty(t, page.Next)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/log?partition=9", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/log?start=!!!", "").Code)
}

type logResp struct {
	Entries []struct {
		Seq  uint64 `json:"seq"`
		Type string `json:"type"`
	} `json:"entries"`
	Next string `json:"next"`
}

func TestServeStopsOnCancel(t *testing.T) {
	s := newServer(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/v1/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
