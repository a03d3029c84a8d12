package vmm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Topic routes lifecycle events to their handler.
type Topic string

const (
	TopicHealthCheck          Topic = "health_check"
	TopicVMSpawned            Topic = "vm_spawned"
	TopicVMTerminationRequest Topic = "vm_termination_request"
	TopicVMTerminated         Topic = "vm_terminated"
)

// ResultOK marks a successful health check or termination.
const ResultOK = "OK"

// Event is the JSON payload published on the lifecycle subject.
type Event struct {
	Topic  Topic  `json:"topic"`
	VMName string `json:"vm_name,omitempty"`
	VMIP   string `json:"vm_ip,omitempty"`
	Group  int    `json:"group"`
	Result string `json:"result,omitempty"`
	Msg    string `json:"msg,omitempty"`
}

// OK reports whether the event carries a successful result.
func (e Event) OK() bool {
	return e.Result == ResultOK
}

// Marshal encodes the event for publishing.
func (e Event) Marshal() ([]byte, error) {
	if e.Topic == "" {
		return nil, fmt.Errorf("event without topic")
	}
	return json.Marshal(e)
}

// SpawnNotice is published on the spawner subject after a VM came up.
type SpawnNotice struct {
	VMIP   string `json:"vm_ip"`
	VMName string `json:"vm_name"`
	Group  int    `json:"group"`
}

// TerminationNotice tells the holder of a VM that it is going away.
type TerminationNotice struct {
	VMName string `json:"vm_name"`
	VMIP   string `json:"vm_ip"`
	Group  int    `json:"group"`
}

// RescheduleRequest asks the job source to retry a build whose builder died.
type RescheduleRequest struct {
	BuildID int64  `json:"build_id"`
	TaskID  string `json:"task_id"`
	Chroot  string `json:"chroot"`
	VMName  string `json:"vm_name"`
}

// Subjects names the pub/sub channels used by the pool.
type Subjects struct {
	Prefix string
}

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "copr.backend"

func (s Subjects) prefix() string {
	if s.Prefix == "" {
		return DefaultSubjectPrefix
	}
	return s.Prefix
}

// Events is the topic-routed lifecycle channel.
func (s Subjects) Events() string {
	return s.prefix() + ".vm.events"
}

// Termination is the per-VM termination notice channel.
func (s Subjects) Termination(vmName string) string {
	return s.prefix() + ".vm.termination." + subjectToken(vmName)
}

// Spawner carries spawn notices.
func (s Subjects) Spawner() string {
	return s.prefix() + ".vm.spawner"
}

// Reschedule carries build reschedule requests.
func (s Subjects) Reschedule() string {
	return s.prefix() + ".task.reschedule"
}

// subjectToken makes a VM name usable as a single subject token.
func subjectToken(s string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}
