// Package worker implements the host-side connection to a worker process:
// spawning and supervising the process, multiplexing the process channel
// into command requests, responses, progress notifications and events,
// correlating outstanding requests and recovering from disconnects.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/codefionn/hostlink/internal/basedomain"
	"github.com/codefionn/hostlink/internal/config"
	"github.com/codefionn/hostlink/internal/logger"
	"github.com/codefionn/hostlink/internal/protocol"
)

// State of a worker connection
type State int32

const (
	// StateDisconnected indicates no worker process is attached
	StateDisconnected State = iota
	// StateConnecting indicates a worker is starting but not ready
	StateConnecting
	// StateConnected indicates the worker is ready for commands
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

const frameScanBuffer = 8 << 20

// processChannel abstracts the spawned worker process so tests can attach an
// in-memory channel.
type processChannel interface {
	writeLine(data []byte) error
	reader() io.Reader
	kill()
	wasKilled() bool
	wait() error
	pid() int
}

type spawnFunc func() (processChannel, error)

// Options configures a worker connection
type Options struct {
	// Command is the worker executable, with Args appended
	Command string
	Args    []string
	// DisplayName tags re-emitted worker log lines
	DisplayName string
	// ConnectTimeout bounds the wait for worker readiness (default 10s)
	ConnectTimeout time.Duration
	// DomainLoadTimeout bounds LoadDomains (default 10s)
	DomainLoadTimeout time.Duration

	// spawn overrides process creation; used by tests
	spawn spawnFunc
}

// OptionsFromConfig derives connection options from the shared config
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Command:           cfg.Worker.Command,
		Args:              cfg.Worker.Args,
		DisplayName:       cfg.Worker.DisplayName,
		ConnectTimeout:    cfg.ConnectTimeout(),
		DomainLoadTimeout: cfg.DomainLoadTimeout(),
	}
}

// CloseNotification is delivered to OnClose handlers whenever the connection
// goes down. When the connection is auto-reconnecting, Reconnected carries
// the outcome of the in-flight reconnect attempt; otherwise it is nil.
type CloseNotification struct {
	Reconnecting bool
	Reconnected  <-chan error
}

// EventHandler receives every event broadcast by the worker
type EventHandler func(domainName, eventName string, parameters []interface{})

type domainPathState struct {
	loaded     bool
	autoReload bool
}

// Connection owns one worker process. All public methods are safe for
// concurrent use; failures on the process or channel never panic out of the
// public surface, they settle futures or fire close notifications instead.
type Connection struct {
	opts      Options
	log       *logger.Logger
	workerLog *logger.Logger

	pending *pendingTable

	mu               sync.Mutex
	state            State
	proc             processChannel
	epoch            int
	autoReconnect    bool
	channelConnected bool
	ready            chan struct{}
	readySignaled    bool
	loadNotify       chan struct{}
	domainPaths      map[string]*domainPathState
	proxies          map[string]*DomainProxy

	handlersMu    sync.Mutex
	closeHandlers []func(CloseNotification)
	eventHandlers []EventHandler
}

// NewConnection creates a disconnected worker connection
func NewConnection(opts Options, log *logger.Logger) *Connection {
	if log == nil {
		log = logger.Global()
	}
	if opts.DisplayName == "" {
		opts.DisplayName = "worker"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.DomainLoadTimeout <= 0 {
		opts.DomainLoadTimeout = 10 * time.Second
	}

	c := &Connection{
		opts:        opts,
		log:         log.WithPrefix("conn"),
		workerLog:   log.WithPrefix(opts.DisplayName),
		pending:     newPendingTable(),
		domainPaths: make(map[string]*domainPathState),
		proxies:     make(map[string]*DomainProxy),
		loadNotify:  make(chan struct{}),
	}
	if c.opts.spawn == nil {
		c.opts.spawn = func() (processChannel, error) {
			return startWorkerProcess(opts.Command, opts.Args, c.workerLog)
		}
	}
	return c
}

// OnClose registers a handler for close notifications
func (c *Connection) OnClose(fn func(CloseNotification)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.closeHandlers = append(c.closeHandlers, fn)
}

// OnEvent registers a handler for worker events
func (c *Connection) OnEvent(fn EventHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.eventHandlers = append(c.eventHandlers, fn)
}

// State returns the current connection state
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether a worker process is attached and its channel has
// completed the interface handshake.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc != nil && c.channelConnected
}

// Connect tears down any existing worker, spawns a fresh one and waits until
// it is ready: the channel handshake is complete and the bootstrap domain's
// command surface is available. With autoReconnect, an unexpected worker exit
// triggers a transparent reconnect.
func (c *Connection) Connect(ctx context.Context, autoReconnect bool) error {
	c.mu.Lock()
	c.autoReconnect = autoReconnect
	c.mu.Unlock()
	return c.connect(ctx)
}

func (c *Connection) connect(ctx context.Context) error {
	c.cleanup()

	c.setState(StateConnecting)

	proc, err := c.opts.spawn()
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("failed to spawn worker: %w", err)
	}

	c.mu.Lock()
	c.proc = proc
	c.epoch++
	epoch := c.epoch
	c.channelConnected = false
	c.readySignaled = false
	c.ready = make(chan struct{})
	ready := c.ready
	c.mu.Unlock()

	go c.readLoop(proc)
	go c.watchExit(proc, epoch)

	select {
	case <-ready:
	case <-time.After(c.opts.ConnectTimeout):
		c.cleanup()
		return fmt.Errorf("worker %s not ready after %v: %w", c.opts.DisplayName, c.opts.ConnectTimeout, ErrTimeout)
	case <-ctx.Done():
		c.cleanup()
		return ctx.Err()
	}

	c.setState(StateConnected)

	// transparently re-load domain paths registered with autoReload; paths
	// without it are forgotten and must be re-declared by the caller
	c.mu.Lock()
	reload := make([]string, 0, len(c.domainPaths))
	for path, st := range c.domainPaths {
		if st.autoReload {
			st.loaded = false
			reload = append(reload, path)
		} else {
			delete(c.domainPaths, path)
		}
	}
	c.mu.Unlock()

	if len(reload) > 0 {
		if err := c.loadPaths(ctx, reload); err != nil {
			c.cleanup()
			return fmt.Errorf("failed to re-load domains after reconnect: %w", err)
		}
	}

	c.log.Info("connected to worker %s (pid=%d)", c.opts.DisplayName, proc.pid())
	return nil
}

// Disconnect disables auto-reconnect and tears the connection down. It is
// idempotent.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.autoReconnect = false
	c.mu.Unlock()
	c.cleanup()
}

// cleanup kills the current process, clears the proxy surface, marks every
// registered domain path unloaded and rejects all pending requests.
func (c *Connection) cleanup() {
	c.mu.Lock()
	proc := c.proc
	c.proc = nil
	c.epoch++
	c.channelConnected = false
	c.readySignaled = false
	c.ready = nil
	c.proxies = make(map[string]*DomainProxy)
	for _, st := range c.domainPaths {
		st.loaded = false
	}
	c.mu.Unlock()

	if proc != nil {
		proc.kill()
	}
	c.pending.rejectAll(ErrCleanup)
	c.setState(StateDisconnected)
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// watchExit waits for the process to exit. Expected exits (we killed it) are
// ignored; unexpected ones tear the connection down and, with autoReconnect,
// immediately start a new connect attempt whose outcome rides on the close
// notification.
func (c *Connection) watchExit(proc processChannel, epoch int) {
	err := proc.wait()
	if proc.wasKilled() {
		return
	}

	c.mu.Lock()
	stale := c.epoch != epoch || c.proc != proc
	auto := c.autoReconnect
	c.mu.Unlock()
	if stale {
		return
	}

	c.log.Warn("worker %s exited unexpectedly: %v", c.opts.DisplayName, err)
	c.cleanup()

	if auto {
		result := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
			defer cancel()
			result <- c.connect(ctx)
		}()
		c.notifyClose(CloseNotification{Reconnecting: true, Reconnected: result})
		return
	}
	c.notifyClose(CloseNotification{})
}

func (c *Connection) notifyClose(n CloseNotification) {
	c.handlersMu.Lock()
	handlers := make([]func(CloseNotification), len(c.closeHandlers))
	copy(handlers, c.closeHandlers)
	c.handlersMu.Unlock()

	for _, fn := range handlers {
		fn(n)
	}
}

// readLoop decodes process channel frames until the channel closes
func (c *Connection) readLoop(proc processChannel) {
	scanner := bufio.NewScanner(proc.reader())
	scanner.Buffer(make([]byte, 64*1024), frameScanBuffer)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame protocol.Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			c.log.Error("dropping unparsable frame from worker: %v", err)
			continue
		}
		c.handleFrame(proc, &frame)
	}
}

func (c *Connection) handleFrame(proc processChannel, frame *protocol.Frame) {
	// frames can still sit in a dead worker's read loop after a reconnect;
	// only the current process may touch proxies, loaded flags or futures
	c.mu.Lock()
	current := c.proc == proc
	c.mu.Unlock()
	if !current {
		c.log.Debug("dropping %s frame from a stale worker process", frame.Type)
		return
	}

	c.markChannelConnected(proc)

	switch frame.Type {
	case protocol.FrameLog:
		c.emitWorkerLog(frame.Level, frame.Message)
	case protocol.FrameReceive:
		c.handleMessage([]byte(frame.Message))
	case protocol.FrameRefreshInterface:
		c.refreshInterface(frame.Spec)
	default:
		c.log.Warn("unknown frame type %q from worker", frame.Type)
	}
}

// markChannelConnected flags the channel usable once the worker talks to us
func (c *Connection) markChannelConnected(proc processChannel) {
	c.mu.Lock()
	if c.proc == proc {
		c.channelConnected = true
	}
	c.mu.Unlock()
	c.checkReady()
}

// emitWorkerLog re-emits a forwarded worker log line at its original level
func (c *Connection) emitWorkerLog(level, message string) {
	switch logger.ParseLevel(level) {
	case logger.LevelDebug:
		c.workerLog.Debug("%s", message)
	case logger.LevelWarn:
		c.workerLog.Warn("%s", message)
	case logger.LevelError:
		c.workerLog.Error("%s", message)
	default:
		c.workerLog.Info("%s", message)
	}
}

// handleMessage decodes one connection envelope received over the channel.
// Malformed messages and unknown types are logged and dropped; responses for
// already-settled requests are silently ignored.
func (c *Connection) handleMessage(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Error("dropping unparsable message from worker: %v", err)
		return
	}

	switch env.Type {
	case protocol.TypeEvent:
		var ev protocol.Event
		if err := json.Unmarshal(env.Message, &ev); err != nil {
			c.log.Error("dropping malformed event: %v", err)
			return
		}
		if ev.Domain == basedomain.DomainName && ev.Event == basedomain.EventNewDomains {
			c.markDomainsLoaded(ev.Parameters)
		}
		c.dispatchEvent(ev)

	case protocol.TypeCommandResponse:
		var resp protocol.CommandResponse
		if err := json.Unmarshal(env.Message, &resp); err != nil {
			c.log.Error("dropping malformed command response: %v", err)
			return
		}
		if f, ok := c.pending.take(resp.ID); ok {
			f.resolve(resp.Response)
		}

	case protocol.TypeCommandProgress:
		var prog protocol.CommandProgress
		if err := json.Unmarshal(env.Message, &prog); err != nil {
			c.log.Error("dropping malformed command progress: %v", err)
			return
		}
		if f, ok := c.pending.get(prog.ID); ok {
			f.notifyProgress(prog.Message)
		}

	case protocol.TypeCommandError:
		var cerr protocol.CommandErrorMessage
		if err := json.Unmarshal(env.Message, &cerr); err != nil {
			c.log.Error("dropping malformed command error: %v", err)
			return
		}
		if f, ok := c.pending.take(cerr.ID); ok {
			f.reject(&protocol.CommandError{Message: cerr.Message, Stack: cerr.Stack})
		}

	case protocol.TypeError:
		var em protocol.ErrorMessage
		if err := json.Unmarshal(env.Message, &em); err != nil {
			c.log.Error("dropping malformed error message: %v", err)
			return
		}
		c.log.Error("worker %s reported: %s", c.opts.DisplayName, em.Message)

	default:
		c.log.Warn("unknown message type %q from worker", env.Type)
	}
}

func (c *Connection) dispatchEvent(ev protocol.Event) {
	c.handlersMu.Lock()
	handlers := make([]EventHandler, len(c.eventHandlers))
	copy(handlers, c.eventHandlers)
	c.handlersMu.Unlock()

	for _, fn := range handlers {
		fn(ev.Domain, ev.Event, ev.Parameters)
	}
}

// markDomainsLoaded flips the loaded flag for every announced path and wakes
// LoadDomains waiters.
func (c *Connection) markDomainsLoaded(parameters []interface{}) {
	paths, err := stringSliceParameter(parameters)
	if err != nil {
		c.log.Error("malformed newDomains event: %v", err)
		return
	}

	c.mu.Lock()
	for _, path := range paths {
		if st, ok := c.domainPaths[path]; ok {
			st.loaded = true
		}
	}
	notify := c.loadNotify
	c.loadNotify = make(chan struct{})
	c.mu.Unlock()

	close(notify)
}

// refreshInterface rebuilds the command-proxy surface from a full API spec
// and signals readiness once the bootstrap domain's loader is available.
func (c *Connection) refreshInterface(spec []protocol.DomainDescription) {
	proxies := make(map[string]*DomainProxy, len(spec))
	for _, desc := range spec {
		proxies[desc.Domain] = newDomainProxy(c, desc)
	}

	c.mu.Lock()
	c.proxies = proxies
	c.mu.Unlock()

	c.checkReady()
}

// checkReady closes the ready channel once the channel is connected and the
// bootstrap domain's loadDomainModulesFromPaths command is present.
func (c *Connection) checkReady() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readySignaled || c.ready == nil || !c.channelConnected {
		return
	}
	base, ok := c.proxies[basedomain.DomainName]
	if !ok || !base.HasCommand("loadDomainModulesFromPaths") {
		return
	}
	c.readySignaled = true
	close(c.ready)
}

// Domain returns the proxy for a domain, if the worker announced one
func (c *Connection) Domain(name string) (*DomainProxy, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.proxies[name]
	return p, ok
}

// Domains lists the domains currently exposed by the worker
func (c *Connection) Domains() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.proxies))
	for name := range c.proxies {
		names = append(names, name)
	}
	return names
}

// LoadDomains registers the given module paths and asks the worker to load
// them. It fails fast, before anything is sent, when a path is already
// registered. It returns once every path's loaded flag flipped true via the
// base:newDomains event, or when the load command fails or times out.
func (c *Connection) LoadDomains(ctx context.Context, paths []string, autoReload bool) error {
	c.mu.Lock()
	for _, path := range paths {
		if _, ok := c.domainPaths[path]; ok {
			c.mu.Unlock()
			return fmt.Errorf("domain path %q is already registered", path)
		}
	}
	for _, path := range paths {
		c.domainPaths[path] = &domainPathState{autoReload: autoReload}
	}
	c.mu.Unlock()

	return c.loadPaths(ctx, paths)
}

func (c *Connection) loadPaths(ctx context.Context, paths []string) error {
	fut := c.sendCommand(basedomain.DomainName, "loadDomainModulesFromPaths", []interface{}{paths})

	cmdErr := make(chan error, 1)
	go func() {
		if _, err := fut.Wait(context.Background()); err != nil {
			cmdErr <- err
		}
	}()

	deadline := time.NewTimer(c.opts.DomainLoadTimeout)
	defer deadline.Stop()

	for {
		c.mu.Lock()
		notify := c.loadNotify
		loaded := true
		for _, path := range paths {
			st, ok := c.domainPaths[path]
			if !ok || !st.loaded {
				loaded = false
				break
			}
		}
		c.mu.Unlock()

		if loaded {
			return nil
		}

		select {
		case <-notify:
		case err := <-cmdErr:
			return fmt.Errorf("failed to load domain modules %v: %w", paths, err)
		case <-deadline.C:
			return fmt.Errorf("timed out loading domain modules %v: %w", paths, ErrTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sendCommand allocates the next command ID, records a pending request and
// sends the structured request. Send failures are logged, never raised; an
// unsendable request stays pending until cleanup or timeout settles it.
func (c *Connection) sendCommand(domainName, commandName string, parameters []interface{}) *CommandFuture {
	fut := c.pending.add()
	c.send(protocol.CommandRequest{
		ID:         fut.ID(),
		Domain:     domainName,
		Command:    commandName,
		Parameters: parameters,
	})
	return fut
}

// send serializes a payload and ships it as a message frame. Not being
// connected is a logged no-op.
func (c *Connection) send(payload interface{}) {
	c.mu.Lock()
	proc := c.proc
	connected := c.channelConnected
	c.mu.Unlock()

	if proc == nil || !connected {
		c.log.Error("not connected to worker %s, dropping message", c.opts.DisplayName)
		return
	}

	inner, err := json.Marshal(payload)
	if err != nil {
		c.log.Error("failed to serialize message for worker: %v", err)
		return
	}
	frame, err := json.Marshal(protocol.Frame{Type: protocol.FrameMessage, Message: string(inner)})
	if err != nil {
		c.log.Error("failed to serialize frame for worker: %v", err)
		return
	}
	if err := proc.writeLine(frame); err != nil {
		c.log.Error("failed to send to worker %s: %v", c.opts.DisplayName, err)
	}
}

// stringSliceParameter decodes the first positional parameter as a string
// slice, as carried by base:newDomains.
func stringSliceParameter(parameters []interface{}) ([]string, error) {
	if len(parameters) == 0 {
		return nil, fmt.Errorf("missing parameter")
	}
	switch v := parameters[0].(type) {
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string element, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string array, got %T", v)
	}
}
