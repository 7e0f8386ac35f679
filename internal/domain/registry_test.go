package domain

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/hostlink/internal/protocol"
)

// fakeResponder records everything the registry sends back on a connection
type fakeResponder struct {
	responses []fakeResponse
	errors    []fakeError
	progress  []uint32
}

type fakeResponse struct {
	id       uint32
	response interface{}
}

type fakeError struct {
	id      uint32
	message string
}

func (f *fakeResponder) SendCommandResponse(id uint32, response interface{}) {
	f.responses = append(f.responses, fakeResponse{id: id, response: response})
}

func (f *fakeResponder) SendCommandError(id uint32, message string, stack string) {
	f.errors = append(f.errors, fakeError{id: id, message: message})
}

func (f *fakeResponder) SendCommandProgress(id uint32, message interface{}) {
	f.progress = append(f.progress, id)
}

// fakeBroadcaster records broadcast events
type fakeBroadcaster struct {
	seqs   []uint64
	events []string
	params [][]interface{}
}

func (f *fakeBroadcaster) SendEventToAllConnections(seq uint64, domain, event string, parameters []interface{}) {
	f.seqs = append(f.seqs, seq)
	f.events = append(f.events, domain+":"+event)
	f.params = append(f.params, parameters)
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(nil, nil)
}

func TestRegisterDomainFirstWins(t *testing.T) {
	r := newTestRegistry(t)

	r.RegisterDomain("math", &protocol.Version{Major: 1, Minor: 0})
	r.RegisterDomain("math", &protocol.Version{Major: 9, Minor: 9})

	descs := r.DomainDescriptions()
	require.Len(t, descs, 1)
	assert.Equal(t, "math", descs[0].Domain)
	assert.Equal(t, &protocol.Version{Major: 1, Minor: 0}, descs[0].Version)
}

func TestRegisterCommandDuplicateIsFatal(t *testing.T) {
	r := newTestRegistry(t)

	add := func(parameters []interface{}) (interface{}, error) { return nil, nil }
	require.NoError(t, r.RegisterCommand("math", "add", add, "", nil, nil))

	err := r.RegisterCommand("math", "add", add, "", nil, nil)
	require.Error(t, err)

	// registry unchanged: still exactly one command
	descs := r.DomainDescriptions()
	require.Len(t, descs, 1)
	assert.Len(t, descs[0].Commands, 1)
}

func TestRegisterEventDuplicateKeepsFirst(t *testing.T) {
	r := newTestRegistry(t)

	first := []protocol.ParameterDescription{{Name: "a", Type: "number"}}
	second := []protocol.ParameterDescription{{Name: "b", Type: "string"}}

	r.RegisterEvent("math", "changed", first)
	r.RegisterEvent("math", "changed", second)

	descs := r.DomainDescriptions()
	require.Len(t, descs, 1)
	require.Len(t, descs[0].Events, 1)
	assert.Equal(t, first, descs[0].Events[0].Parameters)
}

func TestCommandAutoCreatesDomainWithNilVersion(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.RegisterCommand("fsys", "stat", func(parameters []interface{}) (interface{}, error) {
		return nil, nil
	}, "", nil, nil))

	assert.True(t, r.HasDomain("fsys"))
	descs := r.DomainDescriptions()
	require.Len(t, descs, 1)
	assert.Nil(t, descs[0].Version)
}

func TestExecuteSyncCommand(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterDomain("math", &protocol.Version{Major: 1, Minor: 0})
	require.NoError(t, r.RegisterCommand("math", "add", func(parameters []interface{}) (interface{}, error) {
		a := parameters[0].(float64)
		b := parameters[1].(float64)
		return a + b, nil
	}, "adds two numbers", nil, nil))

	conn := &fakeResponder{}
	r.ExecuteCommand(conn, 1, "math", "add", []interface{}{float64(2), float64(3)})

	require.Len(t, conn.responses, 1)
	assert.Equal(t, uint32(1), conn.responses[0].id)
	assert.Equal(t, float64(5), conn.responses[0].response)

	r.ExecuteCommand(conn, 2, "math", "sub", nil)
	require.Len(t, conn.errors, 1)
	assert.Equal(t, "no such command: math.sub", conn.errors[0].message)
}

func TestExecuteUnknownDomainNeverPanics(t *testing.T) {
	r := newTestRegistry(t)
	conn := &fakeResponder{}

	assert.NotPanics(t, func() {
		r.ExecuteCommand(conn, 7, "foo", "bar", nil)
	})
	require.Len(t, conn.errors, 1)
	assert.Equal(t, "no such command: foo.bar", conn.errors[0].message)
	assert.Equal(t, uint32(7), conn.errors[0].id)
}

func TestExecuteSyncCommandErrorAndPanic(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.RegisterCommand("fsys", "fail", func(parameters []interface{}) (interface{}, error) {
		return nil, errors.New("disk on fire")
	}, "", nil, nil))
	require.NoError(t, r.RegisterCommand("fsys", "explode", func(parameters []interface{}) (interface{}, error) {
		panic("boom")
	}, "", nil, nil))

	conn := &fakeResponder{}
	r.ExecuteCommand(conn, 1, "fsys", "fail", nil)
	r.ExecuteCommand(conn, 2, "fsys", "explode", nil)

	require.Len(t, conn.errors, 2)
	assert.Equal(t, "disk on fire", conn.errors[0].message)
	assert.Equal(t, "boom", conn.errors[1].message)
	assert.Empty(t, conn.responses)
}

func TestAsyncCommandCompletesExactlyOnce(t *testing.T) {
	r := newTestRegistry(t)

	var captured CompletionFunc
	require.NoError(t, r.RegisterAsyncCommand("jobs", "start", func(parameters []interface{}, done CompletionFunc) {
		captured = done
	}, "", nil, nil))

	conn := &fakeResponder{}
	r.ExecuteCommand(conn, 42, "jobs", "start", nil)

	// handler returned without settling; nothing sent yet
	assert.Empty(t, conn.responses)
	assert.Empty(t, conn.errors)

	captured(nil, "ok")
	captured(nil, "again")
	captured(errors.New("late failure"), nil)

	require.Len(t, conn.responses, 1)
	assert.Equal(t, uint32(42), conn.responses[0].id)
	assert.Equal(t, "ok", conn.responses[0].response)
	assert.Empty(t, conn.errors)
}

func TestAsyncCommandErrorCompletion(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.RegisterAsyncCommand("jobs", "start", func(parameters []interface{}, done CompletionFunc) {
		done(errors.New("could not start"), nil)
	}, "", nil, nil))

	conn := &fakeResponder{}
	r.ExecuteCommand(conn, 5, "jobs", "start", nil)

	require.Len(t, conn.errors, 1)
	assert.Equal(t, "could not start", conn.errors[0].message)
}

func TestEmitEventSequenceIsStrictlyIncreasing(t *testing.T) {
	r := newTestRegistry(t)
	b := &fakeBroadcaster{}
	r.SetBroadcaster(b)

	r.RegisterEvent("base", "newDomains", nil)
	r.RegisterEvent("fsys", "changed", nil)

	r.EmitEvent("base", "newDomains", []interface{}{[]string{"fsys"}})
	r.EmitEvent("fsys", "changed", nil)
	r.EmitEvent("base", "newDomains", nil)

	assert.Equal(t, []uint64{1, 2, 3}, b.seqs)
	assert.Equal(t, []string{"base:newDomains", "fsys:changed", "base:newDomains"}, b.events)
}

func TestEmitUnknownEventIsDropped(t *testing.T) {
	r := newTestRegistry(t)
	b := &fakeBroadcaster{}
	r.SetBroadcaster(b)

	r.EmitEvent("ghost", "boo", nil)
	assert.Empty(t, b.seqs)

	// unknown event on a known domain is dropped too
	r.RegisterDomain("real", nil)
	r.EmitEvent("real", "boo", nil)
	assert.Empty(t, b.seqs)
}

func TestDomainDescriptionsCachedUntilMutation(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterDomain("math", &protocol.Version{Major: 1, Minor: 0})

	first := r.DomainDescriptions()
	second := r.DomainDescriptions()
	assert.Equal(t, reflect.ValueOf(first).Pointer(), reflect.ValueOf(second).Pointer(),
		"repeated reads must return the cached snapshot")

	require.NoError(t, r.RegisterCommand("math", "add", func(parameters []interface{}) (interface{}, error) {
		return nil, nil
	}, "", nil, nil))

	third := r.DomainDescriptions()
	assert.NotEqual(t, reflect.ValueOf(second).Pointer(), reflect.ValueOf(third).Pointer(),
		"registration must invalidate the cache")
	require.Len(t, third, 1)
	assert.Len(t, third[0].Commands, 1)
}

func TestDomainDescriptionsPreserveRegistrationOrder(t *testing.T) {
	r := newTestRegistry(t)

	// deliberately not alphabetical
	r.RegisterDomain("zeta", nil)
	r.RegisterDomain("alpha", nil)
	require.NoError(t, r.RegisterCommand("zeta", "second", func([]interface{}) (interface{}, error) { return nil, nil }, "", nil, nil))
	require.NoError(t, r.RegisterCommand("zeta", "first", func([]interface{}) (interface{}, error) { return nil, nil }, "", nil, nil))

	descs := r.DomainDescriptions()
	require.Len(t, descs, 2)
	assert.Equal(t, "zeta", descs[0].Domain)
	assert.Equal(t, "alpha", descs[1].Domain)
	assert.Equal(t, "second", descs[0].Commands[0].Name)
	assert.Equal(t, "first", descs[0].Commands[1].Name)
}

func TestMutationHookFires(t *testing.T) {
	r := newTestRegistry(t)

	var calls int
	r.OnMutation(func() { calls++ })

	r.RegisterDomain("math", nil)
	require.NoError(t, r.RegisterCommand("math", "add", func([]interface{}) (interface{}, error) { return nil, nil }, "", nil, nil))
	r.RegisterEvent("math", "changed", nil)

	// duplicates must not fire the hook
	r.RegisterDomain("math", nil)
	r.RegisterEvent("math", "changed", nil)

	assert.Equal(t, 3, calls)
}

// countingModule counts how many times it was initialized
type countingModule struct {
	inits int
	fail  bool
}

func (m *countingModule) Init(r *Registry) error {
	if m.fail {
		return errors.New("init refused")
	}
	m.inits++
	return r.RegisterCommand("counted", fmt.Sprintf("cmd%d", m.inits), func([]interface{}) (interface{}, error) {
		return nil, nil
	}, "", nil, nil)
}

func TestLoadDomainModulesIdempotentByIdentity(t *testing.T) {
	resolver := NewTableResolver()
	mod := &countingModule{}
	resolver.Register("counted", mod)
	resolver.Alias("./counted", "counted")

	r := NewRegistry(resolver, nil)

	require.NoError(t, r.LoadDomainModules([]string{"counted"}))
	// aliasing must not re-run init
	require.NoError(t, r.LoadDomainModules([]string{"./counted", "counted"}))

	assert.Equal(t, 1, mod.inits)
}

func TestLoadDomainModulesPropagatesFailures(t *testing.T) {
	resolver := NewTableResolver()
	resolver.Register("bad", &countingModule{fail: true})
	r := NewRegistry(resolver, nil)

	err := r.LoadDomainModules([]string{"bad"})
	require.Error(t, err)

	// a failed init is retried on the next load
	err = r.LoadDomainModules([]string{"bad"})
	require.Error(t, err)

	err = r.LoadDomainModules([]string{"missing"})
	require.Error(t, err)
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("1.2")
	require.NoError(t, err)
	assert.Equal(t, &protocol.Version{Major: 1, Minor: 2}, v)

	v, err = ParseVersion("0.1.7")
	require.NoError(t, err)
	assert.Equal(t, &protocol.Version{Major: 0, Minor: 1}, v)

	_, err = ParseVersion("not-a-version")
	require.Error(t, err)
}
