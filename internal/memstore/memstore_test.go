package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evilkost/copr/internal/vmm"
)

func TestUpdateKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.InsertVM(ctx, &vmm.VMDescriptor{Name: "a1", IP: "10.0.0.1", Group: 2, State: vmm.StateGotIP}))

	vm, err := s.UpdateVM(ctx, "a1", func(vm *vmm.VMDescriptor) error {
		vm.Name = "other"
		vm.Group = 5
		vm.State = vmm.StateReady
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "a1", vm.Name)
	assert.Equal(t, 2, vm.Group)
	assert.Equal(t, vmm.StateReady, vm.State)

	vms, err := s.ListVMs(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, vms, 1)
}

func TestUpdateGuardFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.InsertVM(ctx, &vmm.VMDescriptor{Name: "a1", State: vmm.StateGotIP}))

	boom := errors.New("boom")
	_, err := s.UpdateVM(ctx, "a1", func(vm *vmm.VMDescriptor) error {
		vm.State = vmm.StateReady
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.UpdateVM(ctx, "a1", func(vm *vmm.VMDescriptor) error {
		vm.State = "terminated"
		return nil
	})
	assert.Error(t, err)

	vm, err := s.GetVM(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, vmm.StateGotIP, vm.State)
}

func TestReturnedDescriptorsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.InsertVM(ctx, &vmm.VMDescriptor{Name: "a1", State: vmm.StateGotIP}))

	vm, err := s.GetVM(ctx, "a1")
	require.NoError(t, err)
	vm.State = vmm.StateTerminating

	again, err := s.GetVM(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, vmm.StateGotIP, again.State)
}

func TestDeleteRemovesPoolMembership(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.InsertVM(ctx, &vmm.VMDescriptor{Name: "a1", Group: 1, State: vmm.StateTerminating}))
	require.ErrorIs(t, s.InsertVM(ctx, &vmm.VMDescriptor{Name: "a1", Group: 3}), vmm.ErrVMExists)

	require.NoError(t, s.DeleteVM(ctx, "a1", func(*vmm.VMDescriptor) error { return nil }))
	assert.ErrorIs(t, s.DeleteVM(ctx, "a1", func(*vmm.VMDescriptor) error { return nil }), vmm.ErrVMNotFound)

	vms, err := s.ListVMs(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, vms)

	groups, err := s.ListGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, groups, "groups are remembered")
}
