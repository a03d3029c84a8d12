package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evilkost/copr/internal/shared/config"
	"github.com/evilkost/copr/internal/vmm"
)

func TestPrintVMs(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	vms := []*vmm.VMDescriptor{
		{Name: "builder_1", IP: "10.0.0.1", State: vmm.StateReady, CreatedAt: now.Add(-90 * time.Second)},
		{Name: "builder_2", IP: "10.0.0.2", State: vmm.StateInUse, BoundToUser: "alice"},
	}

	var buf bytes.Buffer
	printVMs(&buf, vms, now)

	out := buf.String()
	assert.Contains(t, out, "builder_1")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "in_use")
	assert.Contains(t, out, "alice")
}

func TestPrintVMHidesEmptyBuild(t *testing.T) {
	var buf bytes.Buffer
	printVM(&buf, &vmm.VMDescriptor{Name: "builder_1", State: vmm.StateReady})
	assert.NotContains(t, buf.String(), "build_id")

	buf.Reset()
	printVM(&buf, &vmm.VMDescriptor{Name: "builder_1", State: vmm.StateInUse, Build: vmm.BuildContext{BuildID: 42, UsedByPID: 1234}})
	assert.Contains(t, buf.String(), "build_id")
	assert.Contains(t, buf.String(), "1234")
}

func TestParseStates(t *testing.T) {
	assert.Equal(t, []vmm.State{vmm.StateReady, vmm.StateInUse}, parseStates([]string{"ready", "in_use"}))
}

func TestResolveGroup(t *testing.T) {
	groups := []config.GroupConfig{
		{ID: 0, Name: "x86_64", Archs: []string{"x86_64", "i386"}},
		{ID: 3, Name: "ppc64le", Archs: []string{"ppc64le"}},
	}
	load := func() ([]config.GroupConfig, error) { return groups, nil }

	group, err := resolveGroup("", 5, func() ([]config.GroupConfig, error) {
		t.Fatal("groups file read without --arch")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, group)

	group, err = resolveGroup("ppc64le", 0, load)
	require.NoError(t, err)
	assert.Equal(t, 3, group)

	_, err = resolveGroup("s390x", 0, load)
	assert.Error(t, err)

	_, err = resolveGroup("x86_64", 0, func() ([]config.GroupConfig, error) { return nil, errors.New("no such file") })
	assert.Error(t, err)
}
