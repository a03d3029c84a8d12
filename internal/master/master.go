// Package master runs the lifecycle control loop of the VM pool: it reclaims
// abandoned VMs, schedules health checks, retries stuck terminations and keeps
// every group topped up with fresh VMs.
package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/evilkost/copr/internal/proc"
	"github.com/evilkost/copr/internal/shared/config"
	"github.com/evilkost/copr/internal/vmm"
)

// Spawner provisions VMs in the background.
type Spawner interface {
	StartSpawn(ctx context.Context, group int) error
	ChildrenNumber(group int) int
	Recycle() int
	Stop()
}

// Terminator deprovisions VMs in the background.
type Terminator interface {
	Recycle() int
	Running() int
	Stop()
}

// Checker probes VMs in the background.
type Checker interface {
	vmm.Checker
	Recycle() int
	Running() int
	Stop()
}

// Stopper is implemented by the event handler.
type Stopper interface {
	Stop()
}

type Config struct {
	Manager    *vmm.Manager
	Spawner    Spawner
	Terminator Terminator
	Checker    Checker

	// EventHandler is stopped when the loop exits.
	EventHandler Stopper

	// Bus receives reschedule requests for builds whose builder died.
	Bus       vmm.Publisher
	Inspector proc.Inspector

	Groups     []config.GroupConfig
	Thresholds config.Thresholds
	Logger     *slog.Logger
}

// Master is the lifecycle control loop.
type Master struct {
	manager      *vmm.Manager
	spawner      Spawner
	terminator   Terminator
	checker      Checker
	eventHandler Stopper
	bus          vmm.Publisher
	inspector    proc.Inspector
	groups       []config.GroupConfig
	th           config.Thresholds
	logger       *slog.Logger
}

func New(cfg Config) (*Master, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("master: manager is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("master: bus is required")
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("master: %w", err)
	}
	if cfg.Inspector == nil {
		cfg.Inspector = proc.Local{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Checker != nil {
		cfg.Manager.SetChecker(cfg.Checker)
	}

	return &Master{
		manager:      cfg.Manager,
		spawner:      cfg.Spawner,
		terminator:   cfg.Terminator,
		checker:      cfg.Checker,
		eventHandler: cfg.EventHandler,
		bus:          cfg.Bus,
		inspector:    cfg.Inspector,
		groups:       cfg.Groups,
		th:           cfg.Thresholds,
		logger:       cfg.Logger.With("component", "master"),
	}, nil
}

// Run executes a cycle every CycleTimeout until ctx is cancelled. On exit it
// stops the event handler and kills in-flight workers.
func (m *Master) Run(ctx context.Context) error {
	if m.spawner == nil || m.terminator == nil || m.checker == nil {
		return fmt.Errorf("master: spawner, terminator and checker are required")
	}
	defer m.shutdown()

	m.logger.Info("starting vm master",
		"cycle_timeout", m.th.CycleTimeout,
		"groups", len(m.groups),
		"max_check_fails", m.th.MaxCheckFails,
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("vm master stopped")
			return nil
		case <-timer.C:
			start := time.Now()
			m.Cycle(ctx)
			m.logger.Debug("cycle completed", "duration", time.Since(start))
			timer.Reset(m.th.CycleTimeout)
		}
	}
}

func (m *Master) shutdown() {
	if m.eventHandler != nil {
		m.eventHandler.Stop()
	}
	m.spawner.Stop()
	m.terminator.Stop()
	m.checker.Stop()
}

// Cycle runs every step once. A failing step is logged and does not keep
// the following steps from running.
func (m *Master) Cycle(ctx context.Context) {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"dirty_vm_reaper", m.reapDirtyVMs},
		{"dead_builder_reaper", m.reapDeadBuilders},
		{"stale_health_checks", m.finalizeStaleChecks},
		{"health_sweep", m.sweepHealth},
		{"stuck_terminations", m.retryStuckTerminations},
		{"spawn_controller", m.spawnVMs},
		{"housekeeping", m.housekeeping},
	}

	for _, step := range steps {
		if ctx.Err() != nil {
			return
		}
		if err := step.fn(ctx); err != nil {
			m.logger.Error("cycle step failed", "step", step.name, "err", err)
		}
	}
}

// olderThan reports whether t is set and lies more than d in the past.
func (m *Master) olderThan(t time.Time, d time.Duration) bool {
	return !t.IsZero() && m.manager.Now().Sub(t) > d
}

// skippable filters out errors caused by a VM changing under our feet.
func skippable(err error) bool {
	return errors.Is(err, vmm.ErrWrongState) || errors.Is(err, vmm.ErrVMNotFound)
}

func (m *Master) reapDirtyVMs(ctx context.Context) error {
	vms, err := m.manager.GetVMsByStateList(ctx, vmm.StateReady)
	if err != nil {
		return err
	}

	var errs []error
	for _, vm := range vms {
		if !vm.Dirty() || !m.olderThan(vm.LastRelease, m.th.DirtyVMTerminatingTimeout) {
			continue
		}

		m.logger.Info("terminating dirty vm", "vm_name", vm.Name, "user", vm.BoundToUser, "last_release", vm.LastRelease)
		if err := m.manager.TerminateVM(ctx, vm.Name); err != nil && !skippable(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Master) reapDeadBuilders(ctx context.Context) error {
	vms, err := m.manager.GetVMsByStateList(ctx, vmm.StateInUse)
	if err != nil {
		return err
	}

	var errs []error
	for _, vm := range vms {
		pid := vm.Build.UsedByPID
		if pid == 0 {
			m.logger.Debug("vm in use without a builder pid, skipping", "vm_name", vm.Name)
			continue
		}
		if proc.OwnsVM(m.inspector, pid, vm.Name) {
			continue
		}

		m.logger.Warn("builder of vm is gone, releasing", "vm_name", vm.Name, "pid", pid, "build_id", vm.Build.BuildID)
		released, err := m.manager.ReleaseVMIfOwnedBy(ctx, vm.Name, pid)
		if err != nil {
			if !skippable(err) {
				errs = append(errs, err)
			}
			continue
		}
		if err := m.reschedule(released); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Master) reschedule(vm *vmm.VMDescriptor) error {
	if vm.Build.BuildID == 0 && vm.Build.TaskID == "" {
		return nil
	}

	data, err := json.Marshal(vmm.RescheduleRequest{
		BuildID: vm.Build.BuildID,
		TaskID:  vm.Build.TaskID,
		Chroot:  vm.Build.Chroot,
		VMName:  vm.Name,
	})
	if err != nil {
		return err
	}
	if err := m.bus.Publish(m.manager.Subjects().Reschedule(), data); err != nil {
		return fmt.Errorf("publish reschedule of task %s: %w", vm.Build.TaskID, err)
	}

	m.logger.Info("build rescheduled", "task_id", vm.Build.TaskID, "build_id", vm.Build.BuildID, "chroot", vm.Build.Chroot)
	return nil
}

func (m *Master) finalizeStaleChecks(ctx context.Context) error {
	vms, err := m.manager.GetVMsByStateList(ctx, vmm.StateCheckHealth)
	if err != nil {
		return err
	}

	var errs []error
	for _, vm := range vms {
		if !m.olderThan(vm.LastHealthCheck, m.th.HealthCheckMaxTime) {
			continue
		}
		if err := m.manager.MarkVMCheckFailed(ctx, vm.Name); err != nil && !skippable(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Master) sweepHealth(ctx context.Context) error {
	vms, err := m.manager.GetVMsByStateList(ctx, vmm.HealthSweepStates...)
	if err != nil {
		return err
	}

	var errs []error
	for _, vm := range vms {
		if !vm.LastHealthCheck.IsZero() && !m.olderThan(vm.LastHealthCheck, m.th.HealthCheckPeriod) {
			continue
		}
		if err := m.manager.StartVMCheck(ctx, vm.Name); err != nil && !skippable(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Master) retryStuckTerminations(ctx context.Context) error {
	vms, err := m.manager.GetVMsByStateList(ctx, vmm.StateTerminating)
	if err != nil {
		return err
	}

	var errs []error
	for _, vm := range vms {
		if !m.olderThan(vm.TerminatingSince, m.th.TerminatingTimeout) {
			continue
		}
		if err := m.manager.RetryTermination(ctx, vm.Name); err != nil && !skippable(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Master) spawnVMs(ctx context.Context) error {
	var errs []error
	for _, group := range m.groups {
		if err := m.spawnVMForGroup(ctx, group); err != nil {
			errs = append(errs, fmt.Errorf("group %s: %w", group.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Master) spawnVMForGroup(ctx context.Context, group config.GroupConfig) error {
	logger := m.logger.With("group", group.ID)

	vms, err := m.manager.GetAllVMInGroup(ctx, group.ID)
	if err != nil {
		return err
	}
	active := lo.CountBy(vms, func(vm *vmm.VMDescriptor) bool { return vm.State.In(vmm.ActiveStates...) })
	inFlight := m.spawner.ChildrenNumber(group.ID)

	if active+inFlight >= group.MaxVMTotal {
		logger.Debug("group is full", "active", active, "in_flight", inFlight, "max_vm_total", group.MaxVMTotal)
		return nil
	}

	info, err := m.manager.GetPoolInfo(ctx, group.ID)
	if err != nil {
		return err
	}
	if !info.LastVMSpawnStart.IsZero() && m.manager.Now().Sub(info.LastVMSpawnStart) < m.th.VMSpawnMinInterval {
		logger.Debug("last spawn started too recently", "last_spawn_start", info.LastVMSpawnStart)
		return nil
	}
	if inFlight >= group.MaxSpawnProcesses {
		logger.Debug("too many spawns in flight", "in_flight", inFlight, "max_spawn_processes", group.MaxSpawnProcesses)
		return nil
	}
	if len(vms) >= group.MaxVMTotal {
		logger.Debug("too many vms in group", "total", len(vms), "max_vm_total", group.MaxVMTotal)
		return nil
	}

	if err := m.manager.SetLastSpawnStart(ctx, group.ID, m.manager.Now()); err != nil {
		return err
	}
	logger.Info("starting vm spawn", "active", active, "in_flight", inFlight)
	return m.spawner.StartSpawn(ctx, group.ID)
}

func (m *Master) housekeeping(context.Context) error {
	spawns := m.spawner.Recycle()
	terminations := m.terminator.Recycle()
	checks := m.checker.Recycle()
	if spawns+terminations+checks > 0 {
		m.logger.Debug("recycled finished tasks", "spawns", spawns, "terminations", terminations, "checks", checks)
	}
	m.logger.Debug("tasks in flight", "terminations", m.terminator.Running(), "checks", m.checker.Running())
	return nil
}
