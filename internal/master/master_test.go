package master_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/evilkost/copr/internal/master"
	"github.com/evilkost/copr/internal/shared/config"
	"github.com/evilkost/copr/internal/testsuite"
	"github.com/evilkost/copr/internal/vmm"
)

type fakeSpawner struct {
	mu       sync.Mutex
	starts   []int
	inFlight map[int]int
	stopped  bool
}

func (f *fakeSpawner) StartSpawn(_ context.Context, group int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, group)
	f.inFlight[group]++
	return nil
}

func (f *fakeSpawner) ChildrenNumber(group int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight[group]
}

// finish completes every in-flight spawn of the group.
func (f *fakeSpawner) finish(group int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight[group] = 0
}

func (f *fakeSpawner) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeSpawner) Recycle() int { return 0 }

func (f *fakeSpawner) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

type stoppable struct {
	mu      sync.Mutex
	stopped bool
}

func (s *stoppable) Recycle() int { return 0 }

func (s *stoppable) Running() int { return 0 }

func (s *stoppable) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *stoppable) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type checker struct {
	*testsuite.Checker
	stoppable
}

type fakeInspector struct {
	alive  map[int]bool
	titles map[int]string
	// onAlive runs before the liveness answer, simulating activity between
	// the reaper's scan and its release.
	onAlive func(pid int)
}

func (f *fakeInspector) Alive(pid int) bool {
	if f.onAlive != nil {
		f.onAlive(pid)
	}
	return f.alive[pid]
}

func (f *fakeInspector) Title(pid int) (string, error) {
	if t, ok := f.titles[pid]; ok {
		return t, nil
	}
	return "", errors.New("no such process")
}

var thresholds = config.Thresholds{
	CycleTimeout:              10 * time.Millisecond,
	HealthCheckPeriod:         120 * time.Second,
	HealthCheckMaxTime:        300 * time.Second,
	VMSpawnMinInterval:        30 * time.Second,
	DirtyVMTerminatingTimeout: 120 * time.Second,
	TerminatingTimeout:        600 * time.Second,
	MaxCheckFails:             2,
}

var group0 = config.GroupConfig{
	ID:                0,
	Name:              "x86_64",
	MaxVMTotal:        2,
	MaxSpawnProcesses: 2,
	SpawnPlaybook:     "spawn.yml",
	TerminatePlaybook: "terminate.yml",
}

type Suite struct {
	testsuite.Suite
	spawner      *fakeSpawner
	terminator   *stoppable
	checker      *checker
	eventHandler *stoppable
	inspector    *fakeInspector
	master       *master.Master
}

func TestMaster(t *testing.T) {
	suite.Run(t, new(Suite))
}

func (s *Suite) SetupTest() {
	s.Suite.SetupTest()
	s.spawner = &fakeSpawner{inFlight: map[int]int{}}
	s.terminator = &stoppable{}
	s.checker = &checker{Checker: s.Checker}
	s.eventHandler = &stoppable{}
	s.inspector = &fakeInspector{alive: map[int]bool{}, titles: map[int]string{}}
	s.master = s.newMaster(thresholds, group0)
}

func (s *Suite) newMaster(th config.Thresholds, groups ...config.GroupConfig) *master.Master {
	m, err := master.New(master.Config{
		Manager:      s.Manager,
		Spawner:      s.spawner,
		Terminator:   s.terminator,
		Checker:      s.checker,
		EventHandler: s.eventHandler,
		Bus:          s.Bus,
		Inspector:    s.inspector,
		Groups:       groups,
		Thresholds:   th,
		Logger:       s.Logger,
	})
	s.Require().NoError(err)
	return m
}

func (s *Suite) builder(pid int, vmName string) {
	s.inspector.alive[pid] = true
	s.inspector.titles[pid] = "/usr/bin/copr-rpmbuild --build-id 5 vm_name=" + vmName
}

func (s *Suite) Test_A1Scenario() {
	vm := s.AddVM("a1", "10.0.0.1", 0)
	s.Equal(vmm.StateGotIP, vm.State)

	s.Require().NoError(s.Manager.StartVMCheck(s.Context(), "a1"))
	s.Equal(vmm.StateCheckHealth, s.VM("a1").State)

	vm, err := s.Manager.RecordCheckSuccess(s.Context(), "a1")
	s.Require().NoError(err)
	s.Equal(vmm.StateReady, vm.State)
	s.Equal(0, vm.CheckFails)

	s.builder(100, "a1")
	vm, err = s.Manager.AcquireVM(s.Context(), 0, "bob", vmm.BuildContext{BuildID: 5, UsedByPID: 100})
	s.Require().NoError(err)
	s.Equal("a1", vm.Name)
	s.Equal(vmm.StateInUse, vm.State)
	s.Equal("bob", vm.BoundToUser)

	vm, err = s.Manager.ReleaseVM(s.Context(), "a1")
	s.Require().NoError(err)
	s.Equal(vmm.StateReady, vm.State)
	s.False(vm.LastRelease.IsZero())

	s.master.Cycle(s.Context())
	s.Equal(vmm.StateReady, s.VM("a1").State, "dirty vm reclaimed too early")

	s.Clock.Advance(thresholds.DirtyVMTerminatingTimeout + time.Second)
	s.master.Cycle(s.Context())

	s.Equal(vmm.StateTerminating, s.VM("a1").State)
	s.Len(s.Bus.Events(s.Subjects, vmm.TopicVMTerminationRequest), 1)
}

func (s *Suite) Test_SpawnControllerCapAndInterval() {
	s.AddReadyVM("b1", "10.0.0.1", 0)
	s.AddReadyVM("b2", "10.0.0.2", 0)

	s.master.Cycle(s.Context())
	s.Equal(0, s.spawner.Starts(), "spawned although the group is full")

	s.Require().NoError(s.Manager.TerminateVM(s.Context(), "b2"))
	s.Require().NoError(s.Manager.RemoveVMFromPool(s.Context(), "b2"))

	s.master.Cycle(s.Context())
	s.Equal(1, s.spawner.Starts())
	info, err := s.Manager.GetPoolInfo(s.Context(), 0)
	s.Require().NoError(err)
	s.Equal(s.Clock.Now(), info.LastVMSpawnStart)

	// active + in flight reaches the cap
	s.master.Cycle(s.Context())
	s.Equal(1, s.spawner.Starts())

	// the spawn failed, but the last one started too recently
	s.spawner.finish(0)
	s.Clock.Advance(thresholds.VMSpawnMinInterval / 2)
	s.master.Cycle(s.Context())
	s.Equal(1, s.spawner.Starts())

	s.Clock.Advance(thresholds.VMSpawnMinInterval)
	s.master.Cycle(s.Context())
	s.Equal(2, s.spawner.Starts())
}

func (s *Suite) Test_SpawnControllerCountsInactiveVMs() {
	s.AddReadyVM("b1", "10.0.0.1", 0)
	s.AddReadyVM("b2", "10.0.0.2", 0)
	s.Require().NoError(s.Manager.TerminateVM(s.Context(), "b2"))

	s.master.Cycle(s.Context())
	s.Equal(0, s.spawner.Starts(), "terminating vms still occupy the group")
}

func (s *Suite) Test_SpawnControllerLimitsParallelSpawns() {
	group := group0
	group.MaxVMTotal = 10
	group.MaxSpawnProcesses = 1
	m := s.newMaster(thresholds, group)

	m.Cycle(s.Context())
	s.Clock.Advance(time.Minute)
	m.Cycle(s.Context())
	s.Equal(1, s.spawner.Starts())

	s.spawner.finish(0)
	m.Cycle(s.Context())
	s.Equal(2, s.spawner.Starts())
}

func (s *Suite) Test_DeadBuilderIsReleasedAndRescheduled() {
	s.AddReadyVM("a1", "10.0.0.1", 0)
	build := vmm.BuildContext{BuildID: 5, TaskID: "5-fedora-40-x86_64", Chroot: "fedora-40-x86_64", UsedByPID: 100}
	_, err := s.Manager.AcquireVM(s.Context(), 0, "bob", build)
	s.Require().NoError(err)

	s.master.Cycle(s.Context())

	vm := s.VM("a1")
	s.Equal(vmm.StateReady, vm.State)
	s.Equal("bob", vm.BoundToUser)
	s.True(vm.Build.IsZero())

	msgs := s.Bus.Messages(s.Subjects.Reschedule())
	s.Require().Len(msgs, 1)
	var req vmm.RescheduleRequest
	s.Require().NoError(json.Unmarshal(msgs[0].Data, &req))
	s.Equal(vmm.RescheduleRequest{BuildID: 5, TaskID: "5-fedora-40-x86_64", Chroot: "fedora-40-x86_64", VMName: "a1"}, req)
}

func (s *Suite) Test_ForeignProcessDoesNotKeepVM() {
	s.AddReadyVM("a1", "10.0.0.1", 0)
	s.inspector.alive[100] = true
	s.inspector.titles[100] = "/usr/bin/vim vm_name=a2"
	_, err := s.Manager.AcquireVM(s.Context(), 0, "bob", vmm.BuildContext{UsedByPID: 100})
	s.Require().NoError(err)

	s.master.Cycle(s.Context())
	s.Equal(vmm.StateReady, s.VM("a1").State)
	s.Empty(s.Bus.Messages(s.Subjects.Reschedule()), "nothing to reschedule without a build")
}

func (s *Suite) Test_VMWithoutBuilderPidIsKept() {
	s.AddReadyVM("a1", "10.0.0.1", 0)
	_, err := s.Manager.AcquireVM(s.Context(), 0, "bob", vmm.BuildContext{BuildID: 3})
	s.Require().NoError(err)

	s.master.Cycle(s.Context())
	s.Equal(vmm.StateInUse, s.VM("a1").State)
	s.Empty(s.Bus.Messages(s.Subjects.Reschedule()))
}

func (s *Suite) Test_ReacquiredVMIsNotReleased() {
	s.AddReadyVM("a1", "10.0.0.1", 0)
	_, err := s.Manager.AcquireVM(s.Context(), 0, "bob", vmm.BuildContext{BuildID: 5, UsedByPID: 100})
	s.Require().NoError(err)

	s.inspector.onAlive = func(pid int) {
		if pid != 100 {
			return
		}
		s.inspector.onAlive = nil
		_, err := s.Manager.ReleaseVM(s.Context(), "a1")
		s.Require().NoError(err)
		s.builder(200, "a1")
		_, err = s.Manager.AcquireVM(s.Context(), 0, "bob", vmm.BuildContext{BuildID: 7, UsedByPID: 200})
		s.Require().NoError(err)
	}

	s.master.Cycle(s.Context())

	vm := s.VM("a1")
	s.Equal(vmm.StateInUse, vm.State, "live builder 200 lost its vm")
	s.Equal(200, vm.Build.UsedByPID)
	s.Equal(int64(7), vm.Build.BuildID)
	s.Empty(s.Bus.Messages(s.Subjects.Reschedule()))
}

func (s *Suite) Test_LiveBuilderKeepsVM() {
	s.AddReadyVM("a1", "10.0.0.1", 0)
	s.builder(100, "a1")
	_, err := s.Manager.AcquireVM(s.Context(), 0, "bob", vmm.BuildContext{BuildID: 5, UsedByPID: 100})
	s.Require().NoError(err)

	s.master.Cycle(s.Context())
	s.Equal(vmm.StateInUse, s.VM("a1").State)
	s.Empty(s.Bus.Messages(s.Subjects.Reschedule()))
}

func (s *Suite) Test_StaleHealthCheckIsMarkedFailed() {
	th := thresholds
	th.HealthCheckMaxTime = time.Minute
	th.HealthCheckPeriod = time.Hour
	m := s.newMaster(th)

	s.AddReadyVM("a1", "10.0.0.1", 0)
	s.Clock.Advance(2 * time.Hour)
	s.Require().NoError(s.Manager.StartVMCheck(s.Context(), "a1"))

	m.Cycle(s.Context())
	s.Equal(vmm.StateCheckHealth, s.VM("a1").State, "check still within its time budget")

	s.Clock.Advance(th.HealthCheckMaxTime + time.Second)
	m.Cycle(s.Context())
	s.Equal(vmm.StateCheckHealthFailed, s.VM("a1").State)
}

func (s *Suite) Test_HealthSweep() {
	s.AddVM("fresh", "10.0.0.1", 0)
	s.AddReadyVM("ready", "10.0.0.2", 0)
	s.AddReadyVM("busy", "10.0.0.3", 0)
	s.builder(100, "busy")
	_, err := s.Manager.AcquireVM(s.Context(), 0, "bob", vmm.BuildContext{UsedByPID: 100})
	s.Require().NoError(err)
	s.Require().Equal(vmm.StateInUse, s.VM("busy").State)

	probed := len(s.Checker.Probed())
	s.master.Cycle(s.Context())

	s.Equal(vmm.StateCheckHealth, s.VM("fresh").State, "never checked vms are probed right away")
	s.Equal(vmm.StateReady, s.VM("ready").State)
	s.Equal(probed+1, len(s.Checker.Probed()))

	s.Clock.Advance(thresholds.HealthCheckPeriod + time.Second)
	s.master.Cycle(s.Context())

	s.Equal(vmm.StateCheckHealth, s.VM("ready").State)
	s.Equal(vmm.StateInUse, s.VM("busy").State, "in use vms are probed in place")
	s.Equal(s.Clock.Now(), s.VM("busy").LastHealthCheck)
}

func (s *Suite) Test_StuckTerminationIsRetried() {
	s.AddReadyVM("a1", "10.0.0.1", 0)
	s.Require().NoError(s.Manager.TerminateVM(s.Context(), "a1"))

	s.master.Cycle(s.Context())
	s.Len(s.Bus.Events(s.Subjects, vmm.TopicVMTerminationRequest), 1)

	s.Clock.Advance(thresholds.TerminatingTimeout + time.Second)
	s.master.Cycle(s.Context())
	s.Len(s.Bus.Events(s.Subjects, vmm.TopicVMTerminationRequest), 2)
	s.Equal(s.Clock.Now(), s.VM("a1").TerminatingSince)

	s.master.Cycle(s.Context())
	s.Len(s.Bus.Events(s.Subjects, vmm.TopicVMTerminationRequest), 2)
}

func (s *Suite) Test_FailingStepDoesNotStopCycle() {
	s.AddReadyVM("dirty", "10.0.0.1", 0)
	s.builder(100, "dirty")
	_, err := s.Manager.AcquireVM(s.Context(), 0, "bob", vmm.BuildContext{UsedByPID: 100})
	s.Require().NoError(err)
	_, err = s.Manager.ReleaseVM(s.Context(), "dirty")
	s.Require().NoError(err)
	s.AddVM("fresh", "10.0.0.2", 0)

	s.Clock.Advance(thresholds.DirtyVMTerminatingTimeout + time.Second)
	s.Bus.Err = errors.New("nats: connection closed")
	s.master.Cycle(s.Context())

	s.Equal(vmm.StateCheckHealth, s.VM("fresh").State)
}

func (s *Suite) Test_RunRequiresWorkers() {
	m, err := master.New(master.Config{Manager: s.Manager, Bus: s.Bus, Thresholds: thresholds})
	s.Require().NoError(err)
	s.Error(m.Run(s.Context()))
}

func (s *Suite) Test_RunStopsEverythingOnCancel() {
	s.AddVM("a1", "10.0.0.1", 0)

	ctx, cancel := context.WithCancel(s.Context())
	done := make(chan error, 1)
	go func() { done <- s.master.Run(ctx) }()

	s.WaitUntil(func() bool { return s.spawner.Starts() > 0 })
	cancel()

	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(2 * time.Second):
		s.FailNow("Run did not return after cancel")
	}
	s.True(s.eventHandler.Stopped())
	s.True(s.terminator.Stopped())
	s.True(s.checker.Stopped())
}

func (s *Suite) Test_NewValidatesConfig() {
	_, err := master.New(master.Config{Bus: s.Bus, Thresholds: thresholds})
	s.Error(err)

	_, err = master.New(master.Config{Manager: s.Manager, Bus: s.Bus})
	s.Error(err, "zero thresholds")
}
