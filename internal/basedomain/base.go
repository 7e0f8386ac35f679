// Package basedomain provides the bootstrap "base" domain every worker loads
// first. The host relies on base.loadDomainModulesFromPaths to bring further
// domains up and on the base:newDomains event to learn when they are ready.
package basedomain

import (
	"fmt"

	"github.com/codefionn/hostlink/internal/domain"
	"github.com/codefionn/hostlink/internal/protocol"
)

// DomainName is the reserved bootstrap domain
const DomainName = "base"

// EventNewDomains announces successfully loaded domain module paths
const EventNewDomains = "newDomains"

// EventLog carries forwarded worker log lines for clients that subscribe to
// them over the socket instead of the process channel.
const EventLog = "log"

var version = domain.MustParseVersion("0.1")

// Module implements domain.Module for the bootstrap domain
type Module struct{}

// Init registers the base domain, its commands and events
func (Module) Init(r *domain.Registry) error {
	r.RegisterDomain(DomainName, version)

	err := r.RegisterAsyncCommand(
		DomainName,
		"loadDomainModulesFromPaths",
		func(parameters []interface{}, done domain.CompletionFunc) {
			paths, err := decodePaths(parameters)
			if err != nil {
				done(err, nil)
				return
			}
			if err := r.LoadDomainModules(paths); err != nil {
				done(err, nil)
				return
			}
			// announce before settling so listeners waiting on loaded flags
			// observe the event no later than the command response
			r.EmitEvent(DomainName, EventNewDomains, []interface{}{paths})
			done(nil, true)
		},
		"Attempt to load domain modules from the given paths",
		[]protocol.ParameterDescription{
			{Name: "paths", Type: "array<string>", Description: "Paths of modules to load"},
		},
		[]protocol.ParameterDescription{
			{Name: "success", Type: "boolean", Description: "Whether the modules were loaded"},
		},
	)
	if err != nil {
		return err
	}

	r.RegisterEvent(DomainName, EventNewDomains, []protocol.ParameterDescription{
		{Name: "paths", Type: "array<string>", Description: "Paths of newly loaded modules"},
	})
	r.RegisterEvent(DomainName, EventLog, []protocol.ParameterDescription{
		{Name: "level", Type: "string"},
		{Name: "timestamp", Type: "string"},
		{Name: "message", Type: "string"},
	})

	return nil
}

// decodePaths converts the positional parameter list into module paths. The
// wire carries them as the first parameter, an array of strings.
func decodePaths(parameters []interface{}) ([]string, error) {
	if len(parameters) == 0 {
		return nil, fmt.Errorf("loadDomainModulesFromPaths requires a paths parameter")
	}

	switch v := parameters[0].(type) {
	case []string:
		return v, nil
	case []interface{}:
		paths := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("module path must be a string, got %T", item)
			}
			paths = append(paths, s)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("paths parameter must be an array of strings, got %T", v)
	}
}
