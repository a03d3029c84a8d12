// Package eventhandler applies the outcome of spawn, check and terminate
// tasks to the VM pool.
package eventhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/evilkost/copr/internal/vmm"
	"github.com/evilkost/copr/internal/zlog"
)

// Source delivers the messages published on a subject.
type Source interface {
	Listen(subject string) (<-chan *nats.Msg, func() error, error)
}

// Terminator deprovisions a VM in the background.
type Terminator interface {
	Terminate(ctx context.Context, ip, name string, group int) error
}

type Config struct {
	Manager    *vmm.Manager
	Terminator Terminator
	Source     Source

	// MaxCheckFails is the number of failed checks a VM that was ready
	// before survives.
	MaxCheckFails int

	Logger *slog.Logger
}

// Handler consumes the lifecycle subject.
type Handler struct {
	manager       *vmm.Manager
	terminator    Terminator
	source        Source
	maxCheckFails int
	registry      *Registry
	logger        *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

func New(cfg Config) (*Handler, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("event handler: manager is required")
	}
	if cfg.Terminator == nil {
		return nil, fmt.Errorf("event handler: terminator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	h := &Handler{
		manager:       cfg.Manager,
		terminator:    cfg.Terminator,
		source:        cfg.Source,
		maxCheckFails: cfg.MaxCheckFails,
		logger:        cfg.Logger.With("component", "event_handler"),
		stop:          make(chan struct{}),
	}

	h.registry = NewRegistry(h.logger)
	h.registry.MustRegister(vmm.TopicHealthCheck, h.onHealthCheck)
	h.registry.MustRegister(vmm.TopicVMSpawned, h.onVMSpawned)
	h.registry.MustRegister(vmm.TopicVMTerminationRequest, h.onTerminationRequest)
	h.registry.MustRegister(vmm.TopicVMTerminated, h.onVMTerminated)

	return h, nil
}

// Run consumes lifecycle events until ctx is cancelled or Stop is called.
func (h *Handler) Run(ctx context.Context) error {
	if h.source == nil {
		return fmt.Errorf("event handler: no message source configured")
	}

	subject := h.manager.Subjects().Events()
	msgs, unsubscribe, err := h.source.Listen(subject)
	if err != nil {
		return err
	}
	defer func() {
		if err := unsubscribe(); err != nil {
			h.logger.Warn("failed to unsubscribe", "subject", subject, "err", err)
		}
	}()

	h.logger.Info("event handler started", "subject", subject, "topics", h.registry.Topics())
	ctx = zlog.With(ctx, h.logger)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("event handler stopped")
			return nil
		case <-h.stop:
			h.logger.Info("event handler stopped")
			return nil
		case msg := <-msgs:
			if err := h.Dispatch(ctx, msg.Data); err != nil {
				h.logger.Error("failed to handle event", "err", err, "payload", string(msg.Data))
			}
		}
	}
}

// Stop makes Run return. It is safe to call more than once.
func (h *Handler) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Dispatch decodes one message and routes it by topic.
func (h *Handler) Dispatch(ctx context.Context, data []byte) error {
	var event vmm.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("malformed event: %w", err)
	}
	if event.Topic == "" {
		return fmt.Errorf("event without topic")
	}

	if err := h.registry.HandleEvent(ctx, event); err != nil {
		return fmt.Errorf("%s event for %q: %w", event.Topic, event.VMName, err)
	}
	return nil
}

func (h *Handler) onHealthCheck(ctx context.Context, e vmm.Event) error {
	logger := zlog.From(ctx).With("vm_name", e.VMName, "vm_ip", e.VMIP)

	vm, err := h.manager.GetVMByName(ctx, e.VMName)
	if errors.Is(err, vmm.ErrVMNotFound) {
		logger.Debug("health check result for unknown vm")
		return nil
	}
	if err != nil {
		return err
	}

	if e.OK() {
		_, err := h.manager.RecordCheckSuccess(ctx, vm.Name)
		if errors.Is(err, vmm.ErrWrongState) || errors.Is(err, vmm.ErrVMNotFound) {
			logger.Debug("ignoring health check success", "err", err)
			return nil
		}
		return err
	}

	logger.Warn("vm health check failed", "result", e.Result, "state", vm.State)
	if !vm.EverReady() {
		logger.Info("vm never became ready, terminating")
		return h.manager.TerminateVM(ctx, vm.Name)
	}

	fails, err := h.manager.RecordCheckFailure(ctx, vm.Name)
	if errors.Is(err, vmm.ErrWrongState) || errors.Is(err, vmm.ErrVMNotFound) {
		logger.Debug("ignoring health check failure", "err", err)
		return nil
	}
	if err != nil {
		return err
	}

	if fails > h.maxCheckFails {
		logger.Info("vm failed too many health checks, terminating", "check_fails", fails)
		return h.manager.TerminateVM(ctx, vm.Name)
	}
	return nil
}

func (h *Handler) onVMSpawned(ctx context.Context, e vmm.Event) error {
	_, err := h.manager.AddVMToPool(ctx, e.VMIP, e.VMName, e.Group)
	return err
}

func (h *Handler) onTerminationRequest(ctx context.Context, e vmm.Event) error {
	return h.terminator.Terminate(ctx, e.VMIP, e.VMName, e.Group)
}

func (h *Handler) onVMTerminated(ctx context.Context, e vmm.Event) error {
	logger := zlog.From(ctx).With("vm_name", e.VMName, "vm_ip", e.VMIP)

	if !e.OK() {
		logger.Warn("vm termination failed, will retry later", "result", e.Result)
		return nil
	}

	err := h.manager.RemoveVMFromPool(ctx, e.VMName)
	if errors.Is(err, vmm.ErrVMNotFound) {
		logger.Debug("terminated vm already removed")
		return nil
	}
	return err
}
