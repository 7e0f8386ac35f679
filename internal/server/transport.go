// Package server implements the worker-side transport: free-port discovery,
// the HTTP listener serving the API description, the WebSocket listener
// layered on it, the connection manager and the process channel endpoint.
package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/hostlink/internal/domain"
	"github.com/codefionn/hostlink/internal/logger"
)

// BootstrapModulePath is the well-known module loaded right after the
// WebSocket listener comes up. Its presence and its
// loadDomainModulesFromPaths command are assumed contracts with the host.
const BootstrapModulePath = "base"

// Transport owns the HTTP+WebSocket listeners of a worker process
type Transport struct {
	host     string
	basePort int
	window   int

	registry *domain.Registry
	mgr      *ConnectionManager

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server
	port       int
	httpUp     bool
	wsUp       bool

	upgrader websocket.Upgrader
	log      *logger.Logger
}

// NewTransport wires a transport to a registry and connection manager. Zero
// values for basePort and window select the defaults (8123, 1000 ports).
func NewTransport(host string, basePort, window int, registry *domain.Registry, mgr *ConnectionManager, log *logger.Logger) *Transport {
	if host == "" {
		host = "127.0.0.1"
	}
	if log == nil {
		log = logger.Global()
	}
	return &Transport{
		host:     host,
		basePort: basePort,
		window:   window,
		registry: registry,
		mgr:      mgr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the listener is loopback-only; origin checks add nothing
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.WithPrefix("transport"),
	}
}

// Start brings the transport up in strict order: port discovery, HTTP
// listener, WebSocket listener, bootstrap domain load. It returns the bound
// port. Failure to find a port or to load the bootstrap module is fatal;
// later listener errors are logged but do not terminate the process.
func (t *Transport) Start() (int, error) {
	listener, port, err := FindFreePort(t.host, t.basePort, t.window)
	if err != nil {
		return 0, err
	}

	router := httprouter.New()
	router.GET("/api", t.handleAPI)
	router.GET("/api/*rest", t.handleAPI)
	// anything that is not GET /api* gets the plain-text 404, including
	// other methods on the registered routes; no 405, no automatic OPTIONS
	router.HandleMethodNotAllowed = false
	router.HandleOPTIONS = false
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "404 Not Found")
	})

	// the WebSocket listener shares the HTTP server: upgrade requests on any
	// path are accepted, everything else falls through to the router
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			t.handleWebSocket(w, r)
			return
		}
		router.ServeHTTP(w, r)
	})

	httpServer := &http.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	t.mu.Lock()
	t.listener = listener
	t.httpServer = httpServer
	t.port = port
	t.httpUp = true
	t.wsUp = true
	t.mu.Unlock()

	go func() {
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			t.log.Error("HTTP server error: %v", err)
		}
	}()

	t.log.Info("listening on %s:%d", t.host, port)

	if err := t.registry.LoadDomainModules([]string{BootstrapModulePath}); err != nil {
		return 0, fmt.Errorf("failed to load bootstrap domain: %w", err)
	}

	return port, nil
}

// Stop closes the WebSocket and HTTP listeners and all connections. Stopping
// a transport that is not running logs warnings instead of failing, matching
// shutdown paths that race with a failed startup.
func (t *Transport) Stop() error {
	t.mu.Lock()
	httpServer := t.httpServer
	wsUp := t.wsUp
	httpUp := t.httpUp
	t.wsUp = false
	t.httpUp = false
	t.httpServer = nil
	t.listener = nil
	t.mu.Unlock()

	if !wsUp {
		t.log.Warn("stop called but WebSocket listener is not running")
	}
	if !httpUp {
		t.log.Warn("stop called but HTTP listener is not running")
	}

	if httpServer != nil {
		if err := httpServer.Close(); err != nil {
			t.log.Error("error closing HTTP server: %v", err)
		}
	}

	t.mgr.CloseAllConnections()
	t.log.Info("transport stopped")
	return nil
}

// Port returns the bound port, or 0 before Start succeeded
func (t *Transport) Port() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port
}

// handleAPI serves the pretty-printed API description at /api and every
// /api-prefixed path, plus the OpenAPI projection at /api/openapi.json.
func (t *Transport) handleAPI(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if strings.TrimSuffix(params.ByName("rest"), "/") == "/openapi.json" {
		t.handleOpenAPI(w)
		return
	}

	descs := t.registry.DomainDescriptions()
	data, err := json.MarshalIndent(descs, "", "    ")
	if err != nil {
		t.log.Error("failed to marshal API description: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleOpenAPI serves the OpenAPI 3 projection of the domain surface
func (t *Transport) handleOpenAPI(w http.ResponseWriter) {
	doc := BuildOpenAPI(t.registry.DomainDescriptions())
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		t.log.Error("failed to marshal OpenAPI document: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleWebSocket upgrades a request and hands the socket to the manager
func (t *Transport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Error("failed to upgrade WebSocket: %v", err)
		return
	}
	t.mgr.CreateConnection(conn)
}
