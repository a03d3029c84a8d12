package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const groupsYAML = `
groups:
  - id: 0
    name: x86_64
    archs: [x86_64, i386]
    max_vm_total: 8
    spawn_playbook: /srv/copr/provision/builderpb_nova.yml
    terminate_playbook: /srv/copr/provision/terminatepb_nova.yml
  - id: 1
    name: ppc64le
    archs: [ppc64le]
    max_vm_total: 2
    max_spawn_processes: 1
    spawn_playbook: /srv/copr/provision/builderpb_ppc64le.yml
    terminate_playbook: /srv/copr/provision/terminatepb_ppc64le.yml
`

func TestParseGroups(t *testing.T) {
	groups, err := ParseGroups([]byte(groupsYAML))
	require.NoError(t, err)
	require.Len(t, groups, 2)

	assert.Equal(t, 2, groups[0].MaxSpawnProcesses, "default spawn parallelism")
	assert.Equal(t, 1, groups[1].MaxSpawnProcesses)

	g, ok := GroupForArch(groups, "i386")
	require.True(t, ok)
	assert.Equal(t, 0, g.ID)

	g, ok = GroupForArch(groups, "ppc64le")
	require.True(t, ok)
	assert.Equal(t, 1, g.ID)

	_, ok = GroupForArch(groups, "s390x")
	assert.False(t, ok)
}

func TestParseGroupsRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"empty":        `groups: []`,
		"duplicate id": "groups:\n  - {id: 1, max_vm_total: 1, spawn_playbook: a, terminate_playbook: b}\n  - {id: 1, max_vm_total: 1, spawn_playbook: a, terminate_playbook: b}\n",
		"no capacity":  "groups:\n  - {id: 1, spawn_playbook: a, terminate_playbook: b}\n",
		"no playbooks": "groups:\n  - {id: 1, max_vm_total: 3}\n",
		"not yaml":     "groups: [",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseGroups([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoadVMMasterConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groups.yaml")
	require.NoError(t, os.WriteFile(path, []byte(groupsYAML), 0o644))

	t.Setenv("VMMASTER_STORE", "memory")
	t.Setenv("VMMASTER_GROUPS_FILE", path)
	t.Setenv("VMMASTER_MAX_CHECK_FAILS", "4")
	t.Setenv("VMMASTER_NATS_URLS", "nats://a:4222,nats://b:4222")

	cfg, err := LoadVMMasterConfig()
	require.NoError(t, err)

	assert.Equal(t, "vmmaster", cfg.ServiceName)
	assert.Equal(t, 4, cfg.Thresholds.MaxCheckFails)
	assert.Equal(t, 10*time.Second, cfg.Thresholds.CycleTimeout)
	assert.Equal(t, 120*time.Second, cfg.Thresholds.DirtyVMTerminatingTimeout)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "copr.backend", cfg.NATS.SubjectPrefix)
	assert.Len(t, cfg.Groups, 2)
	assert.Less(t, cfg.PlaybookTimeout, cfg.Thresholds.TerminatingTimeout)
	assert.Equal(t, 65536, cfg.NATS.PendingMsgs)
}

func TestLoadVMMasterConfigRejectsShortTerminatingTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groups.yaml")
	require.NoError(t, os.WriteFile(path, []byte(groupsYAML), 0o644))

	t.Setenv("VMMASTER_STORE", "memory")
	t.Setenv("VMMASTER_GROUPS_FILE", path)
	t.Setenv("VMMASTER_TERMINATING_TIMEOUT", "10m")
	t.Setenv("VMMASTER_PLAYBOOK_TIMEOUT", "20m")

	_, err := LoadVMMasterConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminating timeout")

	t.Setenv("VMMASTER_PLAYBOOK_TIMEOUT", "10m")
	_, err = LoadVMMasterConfig()
	assert.Error(t, err, "equal timeouts still overlap")

	t.Setenv("VMMASTER_PLAYBOOK_TIMEOUT", "5m")
	_, err = LoadVMMasterConfig()
	assert.NoError(t, err)
}

func TestLoadVMMasterConfigNeedsDatabase(t *testing.T) {
	t.Setenv("VMMASTER_STORE", "postgres")
	t.Setenv("VMMASTER_DATABASE_URL", "")

	_, err := LoadVMMasterConfig()
	assert.Error(t, err)
}

func TestThresholdsValidate(t *testing.T) {
	assert.Error(t, Thresholds{}.Validate())
	assert.NoError(t, Thresholds{CycleTimeout: time.Second, HealthCheckPeriod: time.Second, HealthCheckMaxTime: time.Second}.Validate())
	assert.Error(t, Thresholds{CycleTimeout: time.Second, HealthCheckPeriod: time.Second, HealthCheckMaxTime: time.Second, MaxCheckFails: -1}.Validate())
}
