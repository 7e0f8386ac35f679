// Package domain implements the registry of domains, their commands and
// events, and the dispatch of inbound command requests to registered
// handlers. The registry holds pure data plus dispatch logic and performs no
// I/O of its own; responses and event broadcasts go through the injected
// CommandResponder and EventBroadcaster interfaces.
package domain

import (
	"fmt"
	"sync"

	"github.com/codefionn/hostlink/internal/logger"
	"github.com/codefionn/hostlink/internal/protocol"
)

// SyncCommandFunc handles a synchronous command. The returned value is sent
// back as the command response; a non-nil error becomes a command error.
type SyncCommandFunc func(parameters []interface{}) (interface{}, error)

// CompletionFunc settles an asynchronous command. Only the first call has an
// effect; later calls are ignored.
type CompletionFunc func(err error, result interface{})

// AsyncCommandFunc handles an asynchronous command. The handler must
// eventually invoke done, which may happen before it returns or arbitrarily
// later from another goroutine.
type AsyncCommandFunc func(parameters []interface{}, done CompletionFunc)

// CommandResponder is the connection-facing side of command dispatch. The
// transport's connections implement it.
type CommandResponder interface {
	SendCommandResponse(id uint32, response interface{})
	SendCommandError(id uint32, message string, stack string)
	SendCommandProgress(id uint32, message interface{})
}

// EventBroadcaster fans an event out to every active connection
type EventBroadcaster interface {
	SendEventToAllConnections(seq uint64, domain, event string, parameters []interface{})
}

type command struct {
	name        string
	sync        SyncCommandFunc
	async       AsyncCommandFunc
	isAsync     bool
	description string
	parameters  []protocol.ParameterDescription
	returns     []protocol.ParameterDescription
}

type event struct {
	name       string
	parameters []protocol.ParameterDescription
}

type domainRecord struct {
	name     string
	version  *protocol.Version
	commands map[string]*command
	events   map[string]*event

	// registration order, for stable API descriptions
	commandOrder []string
	eventOrder   []string
}

// Registry is the in-process table of domains. Create one per worker process
// and inject it into the transport and the bootstrap module; there is no
// package-level instance.
type Registry struct {
	mu      sync.Mutex
	domains map[string]*domainRecord
	order   []string

	broadcaster EventBroadcaster
	eventSeq    uint64

	// cached API description, rebuilt lazily after any mutation
	descriptions []protocol.DomainDescription

	// module init guard, keyed by the resolver's canonical identifier
	initialized map[string]struct{}
	resolver    ModuleResolver

	onMutation func()

	log *logger.Logger
}

// NewRegistry creates an empty registry. The resolver may be nil when module
// loading is not needed (tests that only register directly).
func NewRegistry(resolver ModuleResolver, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Global()
	}
	return &Registry{
		domains:     make(map[string]*domainRecord),
		initialized: make(map[string]struct{}),
		resolver:    resolver,
		log:         log.WithPrefix("registry"),
	}
}

// SetBroadcaster installs the event broadcaster. Events emitted without one
// are logged and dropped.
func (r *Registry) SetBroadcaster(b EventBroadcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcaster = b
}

// OnMutation installs a hook invoked after every registration that changed
// the API surface. The worker uses it to push refreshInterface frames.
func (r *Registry) OnMutation(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMutation = fn
}

// HasDomain reports whether a domain with the given name exists
func (r *Registry) HasDomain(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.domains[name]
	return ok
}

// RegisterDomain creates an empty domain. Registering an existing domain is a
// soft error: it is logged and the first registration wins. Domains can race
// during reconnection, so this is deliberately not fatal.
func (r *Registry) RegisterDomain(name string, version *protocol.Version) {
	r.mu.Lock()
	if _, ok := r.domains[name]; ok {
		r.mu.Unlock()
		r.log.Error("attempted to register domain %q that already exists", name)
		return
	}
	r.registerDomainLocked(name, version)
	hook := r.invalidateLocked()
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (r *Registry) registerDomainLocked(name string, version *protocol.Version) *domainRecord {
	d := &domainRecord{
		name:     name,
		version:  version,
		commands: make(map[string]*command),
		events:   make(map[string]*event),
	}
	r.domains[name] = d
	r.order = append(r.order, name)
	return d
}

// invalidateLocked drops the cached description and returns the mutation hook
// to run once the lock is released.
func (r *Registry) invalidateLocked() func() {
	r.descriptions = nil
	return r.onMutation
}

// ensureDomainLocked returns the named domain, creating it with a nil version
// if it does not exist yet.
func (r *Registry) ensureDomainLocked(name string) *domainRecord {
	if d, ok := r.domains[name]; ok {
		return d
	}
	return r.registerDomainLocked(name, nil)
}

// RegisterCommand registers a synchronous command. A duplicate (domain,
// command) pair is a programmer error in statically-known registration code,
// so it is returned as a fatal error and the registry is left unchanged.
func (r *Registry) RegisterCommand(domainName, commandName string, fn SyncCommandFunc, description string, parameters, returns []protocol.ParameterDescription) error {
	return r.registerCommand(domainName, commandName, &command{
		name:        commandName,
		sync:        fn,
		description: description,
		parameters:  parameters,
		returns:     returns,
	})
}

// RegisterAsyncCommand registers an asynchronous command whose handler
// settles through a completion callback. Duplicate registration is fatal,
// same as RegisterCommand.
func (r *Registry) RegisterAsyncCommand(domainName, commandName string, fn AsyncCommandFunc, description string, parameters, returns []protocol.ParameterDescription) error {
	return r.registerCommand(domainName, commandName, &command{
		name:        commandName,
		async:       fn,
		isAsync:     true,
		description: description,
		parameters:  parameters,
		returns:     returns,
	})
}

func (r *Registry) registerCommand(domainName, commandName string, cmd *command) error {
	r.mu.Lock()
	d := r.ensureDomainLocked(domainName)
	if _, ok := d.commands[commandName]; ok {
		r.mu.Unlock()
		return fmt.Errorf("command %s.%s is already registered", domainName, commandName)
	}
	d.commands[commandName] = cmd
	d.commandOrder = append(d.commandOrder, commandName)
	hook := r.invalidateLocked()
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

// RegisterEvent registers an event. On a duplicate (domain, event) pair the
// first registration is kept and an error is logged; unlike commands this is
// not fatal because events can legitimately be re-registered during
// reconnection races.
func (r *Registry) RegisterEvent(domainName, eventName string, parameters []protocol.ParameterDescription) {
	r.mu.Lock()
	d := r.ensureDomainLocked(domainName)
	if _, ok := d.events[eventName]; ok {
		r.mu.Unlock()
		r.log.Error("attempted to register event %s.%s that already exists", domainName, eventName)
		return
	}
	d.events[eventName] = &event{name: eventName, parameters: parameters}
	d.eventOrder = append(d.eventOrder, eventName)
	hook := r.invalidateLocked()
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// ExecuteCommand dispatches a command request. Unknown domains or commands
// are reported to the responder as a command error; dispatch never panics.
// Async handlers receive a once-only completion callback bound to the
// responder and may settle at any later time.
func (r *Registry) ExecuteCommand(responder CommandResponder, requestID uint32, domainName, commandName string, parameters []interface{}) {
	r.mu.Lock()
	var cmd *command
	if d, ok := r.domains[domainName]; ok {
		cmd = d.commands[commandName]
	}
	r.mu.Unlock()

	if cmd == nil {
		responder.SendCommandError(requestID, fmt.Sprintf("no such command: %s.%s", domainName, commandName), "")
		return
	}

	if cmd.isAsync {
		var once sync.Once
		done := func(err error, result interface{}) {
			once.Do(func() {
				if err != nil {
					responder.SendCommandError(requestID, err.Error(), "")
					return
				}
				responder.SendCommandResponse(requestID, result)
			})
		}
		r.invoke(responder, requestID, func() {
			cmd.async(parameters, done)
		})
		return
	}

	r.invoke(responder, requestID, func() {
		result, err := cmd.sync(parameters)
		if err != nil {
			responder.SendCommandError(requestID, err.Error(), "")
			return
		}
		responder.SendCommandResponse(requestID, result)
	})
}

// invoke runs a handler and converts a panic into a command error
func (r *Registry) invoke(responder CommandResponder, requestID uint32, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("command handler panicked: %v", rec)
			responder.SendCommandError(requestID, fmt.Sprintf("%v", rec), "")
		}
	}()
	fn()
}

// EmitEvent broadcasts an event to all connections, tagged with the next
// value of the global event sequence. Emitting an unregistered event is
// logged and dropped.
func (r *Registry) EmitEvent(domainName, eventName string, parameters []interface{}) {
	r.mu.Lock()
	d, ok := r.domains[domainName]
	if ok {
		_, ok = d.events[eventName]
	}
	if !ok {
		r.mu.Unlock()
		r.log.Error("cannot emit unregistered event %s.%s", domainName, eventName)
		return
	}
	b := r.broadcaster
	r.eventSeq++
	seq := r.eventSeq
	r.mu.Unlock()

	if b == nil {
		r.log.Error("no broadcaster attached, dropping event %s.%s", domainName, eventName)
		return
	}
	b.SendEventToAllConnections(seq, domainName, eventName, parameters)
}

// DomainDescriptions returns the cached API description, rebuilding it only
// if a registration invalidated it. Callers must not mutate the returned
// slice; the same value is handed out until the next registration.
func (r *Registry) DomainDescriptions() []protocol.DomainDescription {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.descriptions != nil {
		return r.descriptions
	}

	descs := make([]protocol.DomainDescription, 0, len(r.order))
	for _, name := range r.order {
		d := r.domains[name]
		desc := protocol.DomainDescription{
			Domain:   d.name,
			Version:  d.version,
			Commands: make([]protocol.CommandDescription, 0, len(d.commandOrder)),
			Events:   make([]protocol.EventDescription, 0, len(d.eventOrder)),
		}
		for _, cname := range d.commandOrder {
			c := d.commands[cname]
			desc.Commands = append(desc.Commands, protocol.CommandDescription{
				Name:        c.name,
				Description: c.description,
				IsAsync:     c.isAsync,
				Parameters:  c.parameters,
				Returns:     c.returns,
			})
		}
		for _, ename := range d.eventOrder {
			e := d.events[ename]
			desc.Events = append(desc.Events, protocol.EventDescription{
				Name:       e.name,
				Parameters: e.parameters,
			})
		}
		descs = append(descs, desc)
	}

	r.descriptions = descs
	return r.descriptions
}
