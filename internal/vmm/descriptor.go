package vmm

import (
	"fmt"
	"time"
)

// VMDescriptor is the stored record of one build VM.
//
// Time fields use the zero value for "never"; BoundToUser is empty when the VM
// is not bound to anybody.
type VMDescriptor struct {
	Name  string
	IP    string
	Group int
	State State

	BoundToUser      string
	InUseSince       time.Time
	LastRelease      time.Time
	LastHealthCheck  time.Time
	LastReady        time.Time
	CheckFails       int
	TerminatingSince time.Time
	CreatedAt        time.Time

	Build BuildContext
}

// BuildContext describes the build a VM is serving while in use.
type BuildContext struct {
	BuildID   int64
	TaskID    string
	Chroot    string
	UsedByPID int
}

// IsZero reports whether no build context is recorded.
func (b BuildContext) IsZero() bool {
	return b == BuildContext{}
}

// Dirty reports whether the VM is ready but still bound to its last user.
func (vm *VMDescriptor) Dirty() bool {
	return vm.State == StateReady && vm.BoundToUser != ""
}

// EverReady reports whether the VM passed a health check at least once.
func (vm *VMDescriptor) EverReady() bool {
	return !vm.LastReady.IsZero()
}

func (vm *VMDescriptor) String() string {
	return fmt.Sprintf("VM(name=%s ip=%s group=%d state=%s user=%q fails=%d)",
		vm.Name, vm.IP, vm.Group, vm.State, vm.BoundToUser, vm.CheckFails)
}

// PoolInfo holds per-group pool metadata.
type PoolInfo struct {
	Group            int
	LastVMSpawnStart time.Time
}
