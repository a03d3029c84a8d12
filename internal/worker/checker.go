package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/evilkost/copr/internal/shared/config"
	"github.com/evilkost/copr/internal/vmm"
)

// Prober tells whether a VM is able to run builds.
type Prober interface {
	Probe(ctx context.Context, ip string) error
}

// SSHProber logs into the VM and runs a trivial command.
type SSHProber struct {
	config *ssh.ClientConfig
	port   int
}

var _ Prober = (*SSHProber)(nil)

func NewSSHProber(cfg config.SSHConfig) (*SSHProber, error) {
	privateKey := cfg.PrivateKey
	if privateKey == "" {
		data, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		privateKey = string(data)
	}
	// Handle private key with escaped newlines (from env files)
	if strings.Contains(privateKey, `\n`) {
		privateKey = strings.ReplaceAll(privateKey, `\n`, "\n")
	}

	signer, err := ssh.ParsePrivateKey([]byte(privateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}

	return &SSHProber{
		config: &ssh.ClientConfig{
			User: cfg.User,
			Auth: []ssh.AuthMethod{
				ssh.PublicKeys(signer),
			},
			// builders are recycled constantly, their host keys are never known
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         cfg.Timeout,
		},
		port: port,
	}, nil
}

func (p *SSHProber) Probe(ctx context.Context, ip string) error {
	addr := net.JoinHostPort(ip, strconv.Itoa(p.port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()

	// unblock the handshake and the session when ctx expires
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, p.config)
	if err != nil {
		return fmt.Errorf("failed to establish ssh connection: %w", err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	out, err := session.Output("echo hello")
	if err != nil {
		return fmt.Errorf("failed to run probe command: %w", err)
	}
	if strings.TrimSpace(string(out)) != "hello" {
		return fmt.Errorf("unexpected probe output %q", out)
	}
	return nil
}

type CheckerConfig struct {
	Prober   Prober
	Bus      vmm.Publisher
	Subjects vmm.Subjects
	// MaxTime bounds a single probe.
	MaxTime time.Duration
	Logger  *slog.Logger
}

// Checker probes VMs in detached tasks and publishes health_check events.
type Checker struct {
	prober   Prober
	bus      vmm.Publisher
	subjects vmm.Subjects
	maxTime  time.Duration
	tracker  *Tracker
	logger   *slog.Logger
}

var _ vmm.Checker = (*Checker)(nil)

func NewChecker(cfg CheckerConfig) (*Checker, error) {
	if cfg.Prober == nil || cfg.Bus == nil {
		return nil, fmt.Errorf("checker: prober and bus are required")
	}
	if cfg.MaxTime <= 0 {
		cfg.MaxTime = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	logger := cfg.Logger.With("component", "checker")
	return &Checker{
		prober:   cfg.Prober,
		bus:      cfg.Bus,
		subjects: cfg.Subjects,
		maxTime:  cfg.MaxTime,
		tracker:  NewTracker(logger),
		logger:   logger,
	}, nil
}

func (c *Checker) RunCheckHealth(ctx context.Context, name, ip string, group int) {
	c.tracker.Go(ctx, "check/"+name, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, c.maxTime)
		defer cancel()

		event := vmm.Event{
			Topic:  vmm.TopicHealthCheck,
			VMName: name,
			VMIP:   ip,
			Group:  group,
			Result: vmm.ResultOK,
		}
		if err := c.prober.Probe(ctx, ip); err != nil {
			c.logger.Warn("vm health check failed", "vm_name", name, "vm_ip", ip, "err", err)
			event.Result = err.Error()
			event.Msg = fmt.Sprintf("health check of %s failed", ip)
		}

		data, err := event.Marshal()
		if err != nil {
			c.logger.Error("failed to encode health check event", "err", err)
			return
		}
		if err := c.bus.Publish(c.subjects.Events(), data); err != nil {
			c.logger.Error("failed to publish health check result", "vm_name", name, "err", err)
		}
	})
}

// Recycle forgets finished checks.
func (c *Checker) Recycle() int {
	return c.tracker.Recycle()
}

// Running returns the number of checks in flight.
func (c *Checker) Running() int {
	return c.tracker.Running()
}

// Stop kills in-flight checks.
func (c *Checker) Stop() {
	c.tracker.Stop()
}
