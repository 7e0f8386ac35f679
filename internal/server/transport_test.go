package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/hostlink/internal/basedomain"
	"github.com/codefionn/hostlink/internal/domain"
	"github.com/codefionn/hostlink/internal/logger"
	"github.com/codefionn/hostlink/internal/protocol"
)

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.LevelNone, "", "test")
	require.NoError(t, err)
	return log
}

// startTransport brings up a transport with the bootstrap domain on a test
// port window and tears it down with the test.
func startTransport(t *testing.T) (*Transport, *ConnectionManager, *domain.Registry, int) {
	t.Helper()

	resolver := domain.NewTableResolver()
	resolver.Register(basedomain.DomainName, basedomain.Module{})

	log := testLog(t)
	registry := domain.NewRegistry(resolver, log)
	mgr := NewConnectionManager(registry, log)
	registry.SetBroadcaster(mgr)

	tr := NewTransport("127.0.0.1", freeBase(t), 50, registry, mgr, log)
	port, err := tr.Start()
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Stop() })

	return tr, mgr, registry, port
}

func registerAdd(t *testing.T, registry *domain.Registry) {
	t.Helper()
	err := registry.RegisterCommand("math", "add",
		func(parameters []interface{}) (interface{}, error) {
			if len(parameters) != 2 {
				return nil, fmt.Errorf("add takes two parameters")
			}
			a, aok := parameters[0].(float64)
			b, bok := parameters[1].(float64)
			if !aok || !bok {
				return nil, fmt.Errorf("parameters must be numbers")
			}
			return a + b, nil
		},
		"Adds two numbers", nil, nil)
	require.NoError(t, err)
}

func TestTransportServesAPIDescription(t *testing.T) {
	_, _, registry, port := startTransport(t)
	registerAdd(t, registry)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api", port))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var descs []protocol.DomainDescription
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&descs))
	require.Len(t, descs, 2)

	// registration order is preserved: bootstrap domain first
	assert.Equal(t, basedomain.DomainName, descs[0].Domain)
	require.NotNil(t, descs[0].Version)
	assert.Equal(t, 0, descs[0].Version.Major)
	assert.Equal(t, 1, descs[0].Version.Minor)
	assert.Equal(t, "math", descs[1].Domain)
}

func TestTransportServesOpenAPI(t *testing.T) {
	_, _, registry, port := startTransport(t)
	registerAdd(t, registry)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/openapi.json", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var doc struct {
		OpenAPI string                     `json:"openapi"`
		Paths   map[string]json.RawMessage `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "3.0.3", doc.OpenAPI)
	assert.Contains(t, doc.Paths, "/api/commands/math.add")
	assert.Contains(t, doc.Paths, "/api/commands/base.loadDomainModulesFromPaths")
}

func TestTransportUnknownPathIs404(t *testing.T) {
	_, _, _, port := startTransport(t)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/nope", port))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTransportNonGETMethodIs404(t *testing.T) {
	_, _, _, port := startTransport(t)

	// only GET is served; other methods on /api get the same plain-text 404
	// as unknown paths, never a 405
	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/api", port), "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "404 Not Found", string(body))
}

func dialWS(t *testing.T, port int) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/", port), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestWebSocketCommandRoundTrip(t *testing.T) {
	_, _, registry, port := startTransport(t)
	registerAdd(t, registry)

	ws := dialWS(t, port)

	require.NoError(t, ws.WriteJSON(protocol.CommandRequest{
		ID:         9,
		Domain:     "math",
		Command:    "add",
		Parameters: []interface{}{2, 3},
	}))

	var env protocol.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	require.Equal(t, protocol.TypeCommandResponse, env.Type)

	var cr protocol.CommandResponse
	require.NoError(t, json.Unmarshal(env.Message, &cr))
	assert.Equal(t, uint32(9), cr.ID)
	assert.JSONEq(t, `5`, string(cr.Response))
}

func TestWebSocketUnknownCommandAnswersError(t *testing.T) {
	_, _, _, port := startTransport(t)
	ws := dialWS(t, port)

	require.NoError(t, ws.WriteJSON(protocol.CommandRequest{
		ID:      3,
		Domain:  "math",
		Command: "sub",
	}))

	var env protocol.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	require.Equal(t, protocol.TypeCommandError, env.Type)

	var ce protocol.CommandErrorMessage
	require.NoError(t, json.Unmarshal(env.Message, &ce))
	assert.Equal(t, uint32(3), ce.ID)
	assert.Equal(t, "no such command: math.sub", ce.Message)
}

func TestWebSocketMalformedMessageAnswersProtocolError(t *testing.T) {
	_, _, _, port := startTransport(t)
	ws := dialWS(t, port)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))

	var env protocol.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, protocol.TypeError, env.Type)

	// an incomplete request is also answered, not dropped
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"id":1}`)))
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, protocol.TypeError, env.Type)
}

func TestWebSocketReceivesBroadcastEvents(t *testing.T) {
	_, mgr, registry, port := startTransport(t)
	registry.RegisterDomain("math", nil)
	registry.RegisterEvent("math", "overflow", nil)

	ws := dialWS(t, port)

	// the pipe-less transport starts with zero connections; wait until the
	// upgrade landed before broadcasting
	require.Eventually(t, func() bool { return mgr.ConnectionCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	registry.EmitEvent("math", "overflow", []interface{}{"add"})

	var env protocol.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	require.Equal(t, protocol.TypeEvent, env.Type)

	var ev protocol.Event
	require.NoError(t, json.Unmarshal(env.Message, &ev))
	assert.Equal(t, uint64(1), ev.ID)
	assert.Equal(t, "math", ev.Domain)
	assert.Equal(t, "overflow", ev.Event)
	assert.Equal(t, []interface{}{"add"}, ev.Parameters)
}

func TestTransportStopClosesConnections(t *testing.T) {
	tr, mgr, _, port := startTransport(t)
	ws := dialWS(t, port)

	require.Eventually(t, func() bool { return mgr.ConnectionCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Stop())

	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, mgr.ConnectionCount())
}
