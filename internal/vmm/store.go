package vmm

import (
	"context"
	"time"
)

// Store is the shared state backing the VM pool.
//
// Implementations must make UpdateVM and DeleteVM atomic with respect to every
// other caller, including callers in other processes: the guard passed in is
// evaluated and the result written while the record is exclusively locked.
type Store interface {
	// InsertVM registers vm.Group, adds vm.Name to the group pool and stores
	// the descriptor in one step. It returns ErrVMExists when the name is taken.
	InsertVM(ctx context.Context, vm *VMDescriptor) error

	// GetVM returns ErrVMNotFound when there is no such VM.
	GetVM(ctx context.Context, name string) (*VMDescriptor, error)

	// ListVMs returns every VM of the group ordered by name.
	ListVMs(ctx context.Context, group int) ([]*VMDescriptor, error)

	// ListGroups returns every group that ever had a VM registered.
	ListGroups(ctx context.Context) ([]int, error)

	// UpdateVM loads the descriptor, applies fn and stores the result. When fn
	// returns an error nothing is written and the error is returned as is.
	// Name and Group are immutable and changes to them are ignored.
	UpdateVM(ctx context.Context, name string, fn func(vm *VMDescriptor) error) (*VMDescriptor, error)

	// DeleteVM removes the descriptor and its pool membership if guard
	// returns nil for the current record.
	DeleteVM(ctx context.Context, name string, guard func(vm *VMDescriptor) error) error

	GetPoolInfo(ctx context.Context, group int) (PoolInfo, error)
	SetLastSpawnStart(ctx context.Context, group int, at time.Time) error

	Ping(ctx context.Context) error
}

// Publisher delivers notifications to other processes.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Checker probes a VM asynchronously and reports the outcome as a
// health_check event.
type Checker interface {
	RunCheckHealth(ctx context.Context, name, ip string, group int)
}
