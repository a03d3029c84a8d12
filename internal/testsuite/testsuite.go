// Package testsuite wires an in-memory VM pool for package tests.
package testsuite

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/suite"

	"github.com/evilkost/copr/internal/memstore"
	"github.com/evilkost/copr/internal/vmm"
)

// Message is one publish recorded by Bus.
type Message struct {
	Subject string
	Data    []byte
}

// Bus records every publish and optionally fails them.
type Bus struct {
	mu       sync.Mutex
	messages []Message
	Err      error
}

func (b *Bus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.messages = append(b.messages, Message{Subject: subject, Data: append([]byte(nil), data...)})
	return nil
}

// Messages returns the publishes on subjects starting with prefix.
func (b *Bus) Messages(prefix string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for _, m := range b.messages {
		if strings.HasPrefix(m.Subject, prefix) {
			out = append(out, m)
		}
	}
	return out
}

// Events decodes the lifecycle events with the given topic.
func (b *Bus) Events(subjects vmm.Subjects, topic vmm.Topic) []vmm.Event {
	var out []vmm.Event
	for _, m := range b.Messages(subjects.Events()) {
		var e vmm.Event
		if err := json.Unmarshal(m.Data, &e); err == nil && e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = nil
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Checker records the VMs it was asked to probe.
type Checker struct {
	mu     sync.Mutex
	Probes []string
}

func (c *Checker) RunCheckHealth(_ context.Context, name, _ string, _ int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Probes = append(c.Probes, name)
}

func (c *Checker) Probed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Probes...)
}

type Suite struct {
	suite.Suite
	Store    *memstore.Store
	Bus      *Bus
	Clock    *Clock
	Checker  *Checker
	Subjects vmm.Subjects
	Manager  *vmm.Manager
	Logger   *slog.Logger
}

func (s *Suite) SetupTest() {
	s.Logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelWarn}))
	s.Store = memstore.New()
	s.Bus = &Bus{}
	s.Clock = NewClock()
	s.Checker = &Checker{}
	s.Subjects = vmm.Subjects{Prefix: "copr.test"}

	manager, err := vmm.NewManager(vmm.Config{
		Store:    s.Store,
		Bus:      s.Bus,
		Subjects: s.Subjects,
		Checker:  s.Checker,
		Logger:   s.Logger,
		Now:      s.Clock.Now,
	})
	s.Require().NoError(err)
	s.Manager = manager
}

func (s *Suite) Context() context.Context {
	return context.Background()
}

// AddVM registers a VM and leaves it in got_ip.
func (s *Suite) AddVM(name, ip string, group int) *vmm.VMDescriptor {
	vm, err := s.Manager.AddVMToPool(s.Context(), ip, name, group)
	s.Require().NoError(err)
	return vm
}

// AddReadyVM registers a VM and walks it through a successful health check.
func (s *Suite) AddReadyVM(name, ip string, group int) *vmm.VMDescriptor {
	s.AddVM(name, ip, group)
	s.Require().NoError(s.Manager.StartVMCheck(s.Context(), name))
	vm, err := s.Manager.RecordCheckSuccess(s.Context(), name)
	s.Require().NoError(err)
	s.Require().Equal(vmm.StateReady, vm.State)
	return vm
}

// SetState forces a VM into a state, bypassing transition guards.
func (s *Suite) SetState(name string, state vmm.State, mutate ...func(vm *vmm.VMDescriptor)) *vmm.VMDescriptor {
	vm, err := s.Store.UpdateVM(s.Context(), name, func(vm *vmm.VMDescriptor) error {
		vm.State = state
		for _, fn := range mutate {
			fn(vm)
		}
		return nil
	})
	s.Require().NoError(err)
	return vm
}

func (s *Suite) VM(name string) *vmm.VMDescriptor {
	vm, err := s.Manager.GetVMByName(s.Context(), name)
	s.Require().NoError(err)
	return vm
}

// WaitUntil polls fn until it returns true or the deadline passes.
func (s *Suite) WaitUntil(fn func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.FailNow("condition not met before deadline")
}
