package worker

import (
	"context"
	"encoding/json"

	"github.com/codefionn/hostlink/internal/protocol"
)

// DomainProxy is the dispatch surface for one worker domain. It is rebuilt
// from scratch on every refreshInterface frame; callers must not cache
// proxies across reconnects.
type DomainProxy struct {
	conn     *Connection
	name     string
	version  *protocol.Version
	commands map[string]protocol.CommandDescription
	events   map[string]protocol.EventDescription
}

func newDomainProxy(conn *Connection, desc protocol.DomainDescription) *DomainProxy {
	p := &DomainProxy{
		conn:     conn,
		name:     desc.Domain,
		version:  desc.Version,
		commands: make(map[string]protocol.CommandDescription, len(desc.Commands)),
		events:   make(map[string]protocol.EventDescription, len(desc.Events)),
	}
	for _, cmd := range desc.Commands {
		p.commands[cmd.Name] = cmd
	}
	for _, ev := range desc.Events {
		p.events[ev.Name] = ev
	}
	return p
}

// Name returns the domain name
func (p *DomainProxy) Name() string { return p.name }

// Version returns the domain version, or nil when none was declared
func (p *DomainProxy) Version() *protocol.Version { return p.version }

// HasCommand reports whether the domain declares the named command
func (p *DomainProxy) HasCommand(name string) bool {
	_, ok := p.commands[name]
	return ok
}

// Commands lists the declared command names
func (p *DomainProxy) Commands() []string {
	names := make([]string, 0, len(p.commands))
	for name := range p.commands {
		names = append(names, name)
	}
	return names
}

// Invoke sends the named command to the worker and returns a future for its
// result. Unknown commands are still sent; the worker answers those with a
// command error, which settles the future.
func (p *DomainProxy) Invoke(command string, parameters ...interface{}) *CommandFuture {
	if parameters == nil {
		parameters = []interface{}{}
	}
	return p.conn.sendCommand(p.name, command, parameters)
}

// Call invokes a command and waits for its result
func (p *DomainProxy) Call(ctx context.Context, command string, parameters ...interface{}) (json.RawMessage, error) {
	return p.Invoke(command, parameters...).Wait(ctx)
}
