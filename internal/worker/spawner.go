package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"regexp"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/evilkost/copr/internal/shared/config"
	"github.com/evilkost/copr/internal/vmm"
)

var (
	spawnIPRe   = regexp.MustCompile(`IP=([^{}"\s]+)`)
	spawnNameRe = regexp.MustCompile(`vm_name=([^{}"\s]+)`)
)

// SpawnResult is what a spawn playbook reported about the new VM.
type SpawnResult struct {
	IP   string
	Name string
}

// ParseSpawnOutput extracts the address and the name of a spawned VM. The
// name is optional, the address must be a valid IP.
func ParseSpawnOutput(output string) (SpawnResult, error) {
	match := spawnIPRe.FindStringSubmatch(output)
	if match == nil {
		return SpawnResult{}, fmt.Errorf("no IP in spawn output")
	}
	addr, err := netip.ParseAddr(match[1])
	if err != nil {
		return SpawnResult{}, fmt.Errorf("invalid IP %q in spawn output: %w", match[1], err)
	}

	result := SpawnResult{IP: addr.String()}
	if match := spawnNameRe.FindStringSubmatch(output); match != nil {
		result.Name = match[1]
	}
	return result, nil
}

type SpawnerConfig struct {
	Groups   []config.GroupConfig
	Runner   Runner
	Bus      vmm.Publisher
	Subjects vmm.Subjects
	Logger   *slog.Logger
}

// Spawner provisions new VMs through the spawn playbook of their group.
type Spawner struct {
	groups   map[int]config.GroupConfig
	trackers map[int]*Tracker
	runner   Runner
	bus      vmm.Publisher
	subjects vmm.Subjects
	logger   *slog.Logger
	newName  func(group config.GroupConfig) string
}

func NewSpawner(cfg SpawnerConfig) (*Spawner, error) {
	if cfg.Runner == nil || cfg.Bus == nil {
		return nil, fmt.Errorf("spawner: runner and bus are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Spawner{
		groups:   lo.KeyBy(cfg.Groups, func(g config.GroupConfig) int { return g.ID }),
		trackers: make(map[int]*Tracker, len(cfg.Groups)),
		runner:   cfg.Runner,
		bus:      cfg.Bus,
		subjects: cfg.Subjects,
		logger:   cfg.Logger.With("component", "spawner"),
		newName: func(group config.GroupConfig) string {
			return fmt.Sprintf("%s_%s", group.Name, uuid.NewString())
		},
	}
	for id := range s.groups {
		s.trackers[id] = NewTracker(s.logger)
	}
	return s, nil
}

// StartSpawn launches a spawn task for the group and returns immediately.
func (s *Spawner) StartSpawn(ctx context.Context, group int) error {
	g, ok := s.groups[group]
	if !ok {
		return fmt.Errorf("spawn: unknown group %d", group)
	}

	name := fmt.Sprintf("spawn/%s", g.Name)
	if !s.trackers[group].Go(ctx, name, func(ctx context.Context) { s.spawn(ctx, g) }) {
		return fmt.Errorf("spawn: group %s is shutting down", g.Name)
	}
	return nil
}

func (s *Spawner) spawn(ctx context.Context, g config.GroupConfig) {
	logger := s.logger.With("group", g.ID)
	logger.Info("spawning vm", "playbook", g.SpawnPlaybook)

	output, err := s.runner.Run(ctx, g.SpawnPlaybook, nil)
	if err != nil {
		logger.Error("vm spawn failed", "err", err)
		return
	}

	result, err := ParseSpawnOutput(output)
	if err != nil {
		logger.Error("vm spawn returned no usable address", "err", err, "output", output)
		return
	}
	if result.Name == "" {
		result.Name = s.newName(g)
	}

	event, err := vmm.Event{
		Topic:  vmm.TopicVMSpawned,
		VMName: result.Name,
		VMIP:   result.IP,
		Group:  g.ID,
	}.Marshal()
	if err != nil {
		logger.Error("failed to encode spawn event", "err", err)
		return
	}
	if err := s.bus.Publish(s.subjects.Events(), event); err != nil {
		logger.Error("failed to publish spawn event", "vm_name", result.Name, "err", err)
		return
	}

	notice, _ := json.Marshal(vmm.SpawnNotice{VMIP: result.IP, VMName: result.Name, Group: g.ID})
	if err := s.bus.Publish(s.subjects.Spawner(), notice); err != nil {
		logger.Warn("failed to publish spawn notice", "vm_name", result.Name, "err", err)
	}

	logger.Info("vm spawned", "vm_name", result.Name, "vm_ip", result.IP)
}

// ChildrenNumber returns the number of spawns in flight for the group.
func (s *Spawner) ChildrenNumber(group int) int {
	t, ok := s.trackers[group]
	if !ok {
		return 0
	}
	return t.Running()
}

// Recycle forgets finished spawn tasks.
func (s *Spawner) Recycle() int {
	n := 0
	for _, t := range s.trackers {
		n += t.Recycle()
	}
	return n
}

// Stop kills in-flight spawns.
func (s *Spawner) Stop() {
	for _, t := range s.trackers {
		t.Stop()
	}
}
