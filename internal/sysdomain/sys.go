// Package sysdomain is a small host-information domain. It exists so a stock
// worker exposes something beyond the bootstrap surface and so the module
// load path is exercised end to end.
package sysdomain

import (
	"os"
	"runtime"
	"time"

	"github.com/codefionn/hostlink/internal/domain"
	"github.com/codefionn/hostlink/internal/protocol"
)

// DomainName identifies the sys domain
const DomainName = "sys"

var version = domain.MustParseVersion("1.0")

// Module implements domain.Module
type Module struct {
	started time.Time
}

// NewModule creates the sys module; uptime is measured from this moment
func NewModule() *Module {
	return &Module{started: time.Now()}
}

// Init registers the sys domain and its commands
func (m *Module) Init(r *domain.Registry) error {
	r.RegisterDomain(DomainName, version)

	if err := r.RegisterCommand(DomainName, "ping",
		func(parameters []interface{}) (interface{}, error) {
			return "pong", nil
		},
		"Answers pong",
		nil,
		[]protocol.ParameterDescription{{Name: "reply", Type: "string"}},
	); err != nil {
		return err
	}

	if err := r.RegisterCommand(DomainName, "uptime",
		func(parameters []interface{}) (interface{}, error) {
			return time.Since(m.started).Seconds(), nil
		},
		"Seconds since the worker started",
		nil,
		[]protocol.ParameterDescription{{Name: "seconds", Type: "number"}},
	); err != nil {
		return err
	}

	if err := r.RegisterCommand(DomainName, "info",
		func(parameters []interface{}) (interface{}, error) {
			hostname, err := os.Hostname()
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"pid":      os.Getpid(),
				"hostname": hostname,
				"os":       runtime.GOOS,
				"arch":     runtime.GOARCH,
			}, nil
		},
		"Basic information about the worker host",
		nil,
		[]protocol.ParameterDescription{{Name: "info", Type: "object"}},
	); err != nil {
		return err
	}

	return nil
}
