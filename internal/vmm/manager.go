package vmm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"
)

// Config wires a Manager to its collaborators.
type Config struct {
	Store    Store
	Bus      Publisher
	Subjects Subjects

	// Checker is only needed by processes that start health checks.
	Checker Checker

	Logger *slog.Logger
	Now    func() time.Time
}

// Manager is the synchronous API over the VM pool. It keeps no state of its
// own; every call works against a fresh read of the Store.
type Manager struct {
	store    Store
	bus      Publisher
	subjects Subjects
	checker  Checker
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("vmm: store is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("vmm: bus is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Manager{
		store:    cfg.Store,
		bus:      cfg.Bus,
		subjects: cfg.Subjects,
		checker:  cfg.Checker,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// SetChecker attaches the health checker used by StartVMCheck.
func (m *Manager) SetChecker(c Checker) {
	m.checker = c
}

// Subjects returns the pub/sub channel names the manager publishes on.
func (m *Manager) Subjects() Subjects {
	return m.subjects
}

// Now returns the manager's notion of the current time.
func (m *Manager) Now() time.Time {
	return m.now()
}

func wrongState(vm *VMDescriptor, want ...State) error {
	return fmt.Errorf("%w: %s is %s, want one of %v", ErrWrongState, vm.Name, vm.State, want)
}

// AddVMToPool registers a freshly spawned VM in state got_ip.
func (m *Manager) AddVMToPool(ctx context.Context, ip, name string, group int) (*VMDescriptor, error) {
	if name == "" {
		return nil, fmt.Errorf("add vm to pool: empty vm name")
	}
	if ip == "" {
		return nil, fmt.Errorf("add vm %s to pool: empty ip", name)
	}

	vm := &VMDescriptor{
		Name:      name,
		IP:        ip,
		Group:     group,
		State:     StateGotIP,
		CreatedAt: m.now(),
	}
	if err := m.store.InsertVM(ctx, vm); err != nil {
		return nil, fmt.Errorf("add vm %s to pool: %w", name, err)
	}

	m.logger.Info("vm added to pool", "vm_name", name, "vm_ip", ip, "group", group)
	return vm, nil
}

// StartVMCheck moves the VM into check_health and hands it to the Checker.
// VMs in use are probed without a state change.
func (m *Manager) StartVMCheck(ctx context.Context, name string) error {
	if m.checker == nil {
		return fmt.Errorf("start vm check %s: no checker configured", name)
	}

	vm, err := m.store.UpdateVM(ctx, name, func(vm *VMDescriptor) error {
		switch vm.State {
		case StateGotIP, StateReady, StateCheckHealthFailed:
			vm.State = StateCheckHealth
		case StateInUse:
		default:
			return wrongState(vm, StateGotIP, StateReady, StateCheckHealthFailed, StateInUse)
		}
		vm.LastHealthCheck = m.now()
		return nil
	})
	if err != nil {
		return fmt.Errorf("start vm check %s: %w", name, err)
	}

	m.logger.Debug("starting vm health check", "vm_name", vm.Name, "vm_ip", vm.IP, "state", vm.State)
	m.checker.RunCheckHealth(ctx, vm.Name, vm.IP, vm.Group)
	return nil
}

// AcquireVM hands a ready VM of the group to username. VMs the user used
// before are preferred over unbound ones; VMs still bound to other users are
// never handed out.
func (m *Manager) AcquireVM(ctx context.Context, group int, username string, build BuildContext) (*VMDescriptor, error) {
	if username == "" {
		return nil, fmt.Errorf("acquire vm: empty username")
	}

	vms, err := m.store.ListVMs(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("acquire vm in group %d: %w", group, err)
	}

	ready := lo.Filter(vms, func(vm *VMDescriptor, _ int) bool { return vm.State == StateReady })
	dirtied := lo.Filter(ready, func(vm *VMDescriptor, _ int) bool { return vm.BoundToUser == username })
	clean := lo.Filter(ready, func(vm *VMDescriptor, _ int) bool { return vm.BoundToUser == "" })

	for _, candidate := range append(dirtied, clean...) {
		vm, err := m.store.UpdateVM(ctx, candidate.Name, func(vm *VMDescriptor) error {
			if vm.State != StateReady {
				return wrongState(vm, StateReady)
			}
			if vm.BoundToUser != "" && vm.BoundToUser != username {
				return fmt.Errorf("%w: %s is bound to another user", ErrWrongState, vm.Name)
			}
			vm.State = StateInUse
			vm.BoundToUser = username
			vm.InUseSince = m.now()
			vm.Build = build
			return nil
		})
		if errors.Is(err, ErrWrongState) || errors.Is(err, ErrVMNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("acquire vm %s: %w", candidate.Name, err)
		}

		m.logger.Info("vm acquired", "vm_name", vm.Name, "group", group, "user", username, "build_id", build.BuildID)
		return vm, nil
	}

	return nil, ErrNoVMAvailable
}

// ReleaseVM returns an in-use VM to the pool. The VM stays bound to its last
// user so the same user can pick it up again.
func (m *Manager) ReleaseVM(ctx context.Context, name string) (*VMDescriptor, error) {
	vm, _, err := m.release(ctx, name, nil)
	return vm, err
}

// ReleaseVMIfOwnedBy releases the VM only while it is still used by the
// builder with the given pid. It returns the descriptor as it was before the
// release, with the build context of the build that lost its VM. A VM that
// was released and acquired by another builder meanwhile yields ErrWrongState.
func (m *Manager) ReleaseVMIfOwnedBy(ctx context.Context, name string, pid int) (*VMDescriptor, error) {
	_, prev, err := m.release(ctx, name, func(vm *VMDescriptor) error {
		if vm.Build.UsedByPID != pid {
			return fmt.Errorf("%w: %s is used by pid %d, not %d", ErrWrongState, vm.Name, vm.Build.UsedByPID, pid)
		}
		return nil
	})
	return prev, err
}

func (m *Manager) release(ctx context.Context, name string, guard func(vm *VMDescriptor) error) (*VMDescriptor, *VMDescriptor, error) {
	var prev VMDescriptor
	vm, err := m.store.UpdateVM(ctx, name, func(vm *VMDescriptor) error {
		if vm.State != StateInUse {
			return wrongState(vm, StateInUse)
		}
		if guard != nil {
			if err := guard(vm); err != nil {
				return err
			}
		}
		prev = *vm
		vm.State = StateReady
		vm.LastRelease = m.now()
		vm.InUseSince = time.Time{}
		vm.Build = BuildContext{}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("release vm %s: %w", name, err)
	}

	m.logger.Info("vm released", "vm_name", vm.Name, "user", vm.BoundToUser)
	return vm, &prev, nil
}

// TerminateVM moves the VM to terminating and asks for its deprovisioning.
// Calling it again on a terminating VM does nothing.
func (m *Manager) TerminateVM(ctx context.Context, name string) error {
	transitioned := false
	vm, err := m.store.UpdateVM(ctx, name, func(vm *VMDescriptor) error {
		if vm.State == StateTerminating {
			return nil
		}
		vm.State = StateTerminating
		vm.TerminatingSince = m.now()
		transitioned = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("terminate vm %s: %w", name, err)
	}
	if !transitioned {
		m.logger.Debug("vm already terminating", "vm_name", name)
		return nil
	}

	m.logger.Info("vm terminating", "vm_name", vm.Name, "vm_ip", vm.IP, "group", vm.Group)
	return m.publishTermination(vm)
}

// RetryTermination re-issues the termination request of a VM that has been
// terminating for too long.
func (m *Manager) RetryTermination(ctx context.Context, name string) error {
	vm, err := m.store.UpdateVM(ctx, name, func(vm *VMDescriptor) error {
		if vm.State != StateTerminating {
			return wrongState(vm, StateTerminating)
		}
		vm.TerminatingSince = m.now()
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry termination of %s: %w", name, err)
	}

	m.logger.Warn("re-requesting vm termination", "vm_name", vm.Name, "vm_ip", vm.IP)
	return m.publishTermination(vm)
}

func (m *Manager) publishTermination(vm *VMDescriptor) error {
	event, err := Event{
		Topic:  TopicVMTerminationRequest,
		VMName: vm.Name,
		VMIP:   vm.IP,
		Group:  vm.Group,
	}.Marshal()
	if err != nil {
		return err
	}
	if err := m.bus.Publish(m.subjects.Events(), event); err != nil {
		return fmt.Errorf("publish termination request for %s: %w", vm.Name, err)
	}

	notice, err := json.Marshal(TerminationNotice{VMName: vm.Name, VMIP: vm.IP, Group: vm.Group})
	if err != nil {
		return err
	}
	if err := m.bus.Publish(m.subjects.Termination(vm.Name), notice); err != nil {
		return fmt.Errorf("publish termination notice for %s: %w", vm.Name, err)
	}
	return nil
}

// RemoveVMFromPool deletes a terminating VM once its deprovisioning is done.
func (m *Manager) RemoveVMFromPool(ctx context.Context, name string) error {
	err := m.store.DeleteVM(ctx, name, func(vm *VMDescriptor) error {
		if vm.State != StateTerminating {
			return wrongState(vm, StateTerminating)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove vm %s from pool: %w", name, err)
	}

	m.logger.Info("vm removed from pool", "vm_name", name)
	return nil
}

// MarkVMCheckFailed gives up on a health check that never reported back.
func (m *Manager) MarkVMCheckFailed(ctx context.Context, name string) error {
	_, err := m.store.UpdateVM(ctx, name, func(vm *VMDescriptor) error {
		if vm.State != StateCheckHealth {
			return wrongState(vm, StateCheckHealth)
		}
		vm.State = StateCheckHealthFailed
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark vm check failed %s: %w", name, err)
	}

	m.logger.Warn("vm health check timed out", "vm_name", name)
	return nil
}

// RecordCheckSuccess clears the failure counter and makes a checked VM ready.
func (m *Manager) RecordCheckSuccess(ctx context.Context, name string) (*VMDescriptor, error) {
	vm, err := m.store.UpdateVM(ctx, name, func(vm *VMDescriptor) error {
		now := m.now()
		switch vm.State {
		case StateCheckHealth, StateCheckHealthFailed:
			vm.State = StateReady
			vm.LastReady = now
		case StateInUse:
		default:
			return wrongState(vm, StateCheckHealth, StateCheckHealthFailed, StateInUse)
		}
		vm.CheckFails = 0
		vm.LastHealthCheck = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record check success for %s: %w", name, err)
	}
	return vm, nil
}

// RecordCheckFailure increments the failure counter and returns its new value.
func (m *Manager) RecordCheckFailure(ctx context.Context, name string) (int, error) {
	vm, err := m.store.UpdateVM(ctx, name, func(vm *VMDescriptor) error {
		if !vm.State.In(StateCheckHealth, StateCheckHealthFailed, StateInUse, StateReady) {
			return wrongState(vm, StateCheckHealth, StateCheckHealthFailed, StateInUse, StateReady)
		}
		vm.CheckFails++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("record check failure for %s: %w", name, err)
	}
	return vm.CheckFails, nil
}

// GetAllVMInGroup returns a snapshot of the group's VMs.
func (m *Manager) GetAllVMInGroup(ctx context.Context, group int) ([]*VMDescriptor, error) {
	return m.store.ListVMs(ctx, group)
}

// GetVMByName returns ErrVMNotFound for unknown names.
func (m *Manager) GetVMByName(ctx context.Context, name string) (*VMDescriptor, error) {
	return m.store.GetVM(ctx, name)
}

// GetVMByGroupAndStateList returns the group's VMs whose state is in states.
func (m *Manager) GetVMByGroupAndStateList(ctx context.Context, group int, states ...State) ([]*VMDescriptor, error) {
	vms, err := m.store.ListVMs(ctx, group)
	if err != nil {
		return nil, err
	}
	return lo.Filter(vms, func(vm *VMDescriptor, _ int) bool { return vm.State.In(states...) }), nil
}

// GetGroups returns every group known to the store.
func (m *Manager) GetGroups(ctx context.Context) ([]int, error) {
	return m.store.ListGroups(ctx)
}

// GetVMsByStateList returns VMs of all groups whose state is in states.
func (m *Manager) GetVMsByStateList(ctx context.Context, states ...State) ([]*VMDescriptor, error) {
	groups, err := m.store.ListGroups(ctx)
	if err != nil {
		return nil, err
	}

	var result []*VMDescriptor
	for _, group := range groups {
		vms, err := m.GetVMByGroupAndStateList(ctx, group, states...)
		if err != nil {
			return nil, fmt.Errorf("list vms of group %d: %w", group, err)
		}
		result = append(result, vms...)
	}
	return result, nil
}

func (m *Manager) GetPoolInfo(ctx context.Context, group int) (PoolInfo, error) {
	return m.store.GetPoolInfo(ctx, group)
}

func (m *Manager) SetLastSpawnStart(ctx context.Context, group int, at time.Time) error {
	return m.store.SetLastSpawnStart(ctx, group, at)
}
