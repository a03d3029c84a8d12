package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"github.com/evilkost/copr/internal/shared/config"
	"github.com/evilkost/copr/internal/vmm"
)

type TerminatorConfig struct {
	Groups   []config.GroupConfig
	Runner   Runner
	Bus      vmm.Publisher
	Subjects vmm.Subjects
	Logger   *slog.Logger
}

// Terminator deprovisions VMs through the terminate playbook of their group.
type Terminator struct {
	groups   map[int]config.GroupConfig
	tracker  *Tracker
	runner   Runner
	bus      vmm.Publisher
	subjects vmm.Subjects
	logger   *slog.Logger
}

func NewTerminator(cfg TerminatorConfig) (*Terminator, error) {
	if cfg.Runner == nil || cfg.Bus == nil {
		return nil, fmt.Errorf("terminator: runner and bus are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	logger := cfg.Logger.With("component", "terminator")
	return &Terminator{
		groups:   lo.KeyBy(cfg.Groups, func(g config.GroupConfig) int { return g.ID }),
		tracker:  NewTracker(logger),
		runner:   cfg.Runner,
		bus:      cfg.Bus,
		subjects: cfg.Subjects,
		logger:   logger,
	}, nil
}

// Terminate launches a terminate task. The outcome is published as a
// vm_terminated event. A repeated request for a VM whose playbook is still
// running is dropped.
func (t *Terminator) Terminate(ctx context.Context, ip, name string, group int) error {
	g, ok := t.groups[group]
	if !ok {
		return fmt.Errorf("terminate %s: unknown group %d", name, group)
	}

	err := t.tracker.GoUnique(ctx, "terminate/"+name, func(ctx context.Context) { t.terminate(ctx, g, ip, name) })
	switch {
	case errors.Is(err, ErrTaskRunning):
		t.logger.Info("termination already in progress", "vm_name", name)
		return nil
	case err != nil:
		return fmt.Errorf("terminate %s: %w", name, err)
	}
	return nil
}

func (t *Terminator) terminate(ctx context.Context, g config.GroupConfig, ip, name string) {
	logger := t.logger.With("vm_name", name, "vm_ip", ip, "group", g.ID)
	logger.Info("terminating vm", "playbook", g.TerminatePlaybook)

	event := vmm.Event{
		Topic:  vmm.TopicVMTerminated,
		VMName: name,
		VMIP:   ip,
		Group:  g.ID,
		Result: vmm.ResultOK,
	}
	_, err := t.runner.Run(ctx, g.TerminatePlaybook, map[string]any{"ip": ip, "vm_name": name})
	if err != nil {
		logger.Error("vm termination failed", "err", err)
		event.Result = err.Error()
	}

	data, err := event.Marshal()
	if err != nil {
		logger.Error("failed to encode termination event", "err", err)
		return
	}
	if err := t.bus.Publish(t.subjects.Events(), data); err != nil {
		logger.Error("failed to publish termination event", "err", err)
	}
}

// Recycle forgets finished terminate tasks.
func (t *Terminator) Recycle() int {
	return t.tracker.Recycle()
}

// Running returns the number of terminations in flight.
func (t *Terminator) Running() int {
	return t.tracker.Running()
}

// Stop kills in-flight terminations.
func (t *Terminator) Stop() {
	t.tracker.Stop()
}
