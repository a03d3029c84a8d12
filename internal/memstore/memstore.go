// Package memstore keeps the VM pool in process memory. It serves tests and
// single-process setups where the daemon and its clients share one Store.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/evilkost/copr/internal/vmm"
)

type Store struct {
	mu sync.Mutex

	vms    map[string]*vmm.VMDescriptor
	pools  map[int]map[string]struct{}
	groups map[int]struct{}
	info   map[int]vmm.PoolInfo
}

var _ vmm.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		vms:    make(map[string]*vmm.VMDescriptor),
		pools:  make(map[int]map[string]struct{}),
		groups: make(map[int]struct{}),
		info:   make(map[int]vmm.PoolInfo),
	}
}

func clone(vm *vmm.VMDescriptor) *vmm.VMDescriptor {
	c := *vm
	return &c
}

func (s *Store) InsertVM(ctx context.Context, vm *vmm.VMDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vms[vm.Name]; ok {
		return vmm.ErrVMExists
	}

	s.groups[vm.Group] = struct{}{}
	if s.pools[vm.Group] == nil {
		s.pools[vm.Group] = make(map[string]struct{})
	}
	s.pools[vm.Group][vm.Name] = struct{}{}
	s.vms[vm.Name] = clone(vm)
	return nil
}

func (s *Store) GetVM(ctx context.Context, name string) (*vmm.VMDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vm, ok := s.vms[name]
	if !ok {
		return nil, vmm.ErrVMNotFound
	}
	return clone(vm), nil
}

func (s *Store) ListVMs(ctx context.Context, group int) ([]*vmm.VMDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := lo.Keys(s.pools[group])
	slices.Sort(names)

	result := make([]*vmm.VMDescriptor, 0, len(names))
	for _, name := range names {
		if vm, ok := s.vms[name]; ok {
			result = append(result, clone(vm))
		}
	}
	return result, nil
}

func (s *Store) ListGroups(ctx context.Context) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups := lo.Keys(s.groups)
	slices.Sort(groups)
	return groups, nil
}

func (s *Store) UpdateVM(ctx context.Context, name string, fn func(vm *vmm.VMDescriptor) error) (*vmm.VMDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.vms[name]
	if !ok {
		return nil, vmm.ErrVMNotFound
	}

	updated := clone(current)
	if err := fn(updated); err != nil {
		return nil, err
	}
	updated.Name = current.Name
	updated.Group = current.Group
	if !updated.State.Valid() {
		return nil, fmt.Errorf("invalid state %q for vm %s", updated.State, name)
	}

	s.vms[name] = updated
	return clone(updated), nil
}

func (s *Store) DeleteVM(ctx context.Context, name string, guard func(vm *vmm.VMDescriptor) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.vms[name]
	if !ok {
		return vmm.ErrVMNotFound
	}
	if err := guard(clone(current)); err != nil {
		return err
	}

	delete(s.vms, name)
	delete(s.pools[current.Group], name)
	return nil
}

func (s *Store) GetPoolInfo(ctx context.Context, group int) (vmm.PoolInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.info[group]
	if !ok {
		return vmm.PoolInfo{Group: group}, nil
	}
	return info, nil
}

func (s *Store) SetLastSpawnStart(ctx context.Context, group int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.info[group] = vmm.PoolInfo{Group: group, LastVMSpawnStart: at}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}
