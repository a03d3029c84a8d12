package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// BaseConfig contains common configuration for all services
type BaseConfig struct {
	ServiceName string `env:"SERVICE_NAME"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"` // development, staging, production
}

// NATSConfig contains configuration for NATS messaging
type NATSConfig struct {
	URLs          []string      `env:"NATS_URLS" envSeparator:"," envDefault:"nats://localhost:4222"` // NATS server URLs
	MaxReconnects int           `env:"NATS_MAX_RECONNECTS" envDefault:"-1"`                            // Maximum number of reconnect attempts (-1 for unlimited)
	ReconnectWait time.Duration `env:"NATS_RECONNECT_WAIT" envDefault:"2s"`                            // Time to wait between reconnect attempts
	Timeout       time.Duration `env:"NATS_TIMEOUT" envDefault:"5s"`                                   // Connection timeout
	SubjectPrefix string        `env:"NATS_SUBJECT_PREFIX" envDefault:"copr.backend"`                  // Prefix of every pool subject
	PendingMsgs   int           `env:"NATS_PENDING_MSGS" envDefault:"65536"`                           // Per subscription backlog before messages are dropped
	PendingBytes  int           `env:"NATS_PENDING_BYTES" envDefault:"67108864"`                       // Same limit in bytes
}

// Thresholds drive the lifecycle control loop and the event handler.
type Thresholds struct {
	CycleTimeout              time.Duration `env:"CYCLE_TIMEOUT" envDefault:"10s"`                 // Pause between two control loop cycles
	HealthCheckPeriod         time.Duration `env:"HEALTH_CHECK_PERIOD" envDefault:"120s"`          // Re-check VMs older than this
	HealthCheckMaxTime        time.Duration `env:"HEALTH_CHECK_MAX_TIME" envDefault:"300s"`        // Give up on checks running longer than this
	VMSpawnMinInterval        time.Duration `env:"VM_SPAWN_MIN_INTERVAL" envDefault:"30s"`         // Minimal pause between spawns in one group
	DirtyVMTerminatingTimeout time.Duration `env:"DIRTY_VM_TERMINATING_TIMEOUT" envDefault:"120s"` // Reclaim user bound VMs idle for longer
	TerminatingTimeout        time.Duration `env:"TERMINATING_TIMEOUT" envDefault:"600s"`          // Re-request termination after this
	MaxCheckFails             int           `env:"MAX_CHECK_FAILS" envDefault:"2"`                 // Terminate once failures exceed this
}

// SSHConfig is used by the health checker to reach VMs
type SSHConfig struct {
	User           string        `env:"SSH_USER" envDefault:"root"`
	Port           int           `env:"SSH_PORT" envDefault:"22"`
	PrivateKeyFile string        `env:"SSH_PRIVATE_KEY_FILE" envDefault:"/home/copr/.ssh/id_rsa"`
	PrivateKey     string        `env:"SSH_PRIVATE_KEY"` // takes precedence over the file, "\n" escapes allowed
	Timeout        time.Duration `env:"SSH_TIMEOUT" envDefault:"30s"`
}

// VMMasterConfig contains configuration for the vmmaster daemon
type VMMasterConfig struct {
	BaseConfig `envPrefix:"VMMASTER_"`

	StoreDriver string `env:"VMMASTER_STORE" envDefault:"postgres"` // postgres | memory
	DatabaseURL string `env:"VMMASTER_DATABASE_URL"`
	GroupsFile  string `env:"VMMASTER_GROUPS_FILE" envDefault:"/etc/copr/vm-groups.yaml"`
	HealthAddr  string `env:"VMMASTER_HEALTH_ADDR" envDefault:":8081"`

	// Playbook runner used by the spawner and terminator
	PlaybookBinary  string        `env:"VMMASTER_PLAYBOOK_BINARY" envDefault:"ansible-playbook"`
	PlaybookTimeout time.Duration `env:"VMMASTER_PLAYBOOK_TIMEOUT" envDefault:"9m"` // must stay below the terminating timeout

	NATS       NATSConfig `envPrefix:"VMMASTER_"`
	Thresholds Thresholds `envPrefix:"VMMASTER_"`
	SSH        SSHConfig  `envPrefix:"VMMASTER_"`

	Groups []GroupConfig `env:"-"`
}

// VMCtlConfig contains configuration for the vmctl client
type VMCtlConfig struct {
	LogLevel    string     `env:"VMCTL_LOG_LEVEL" envDefault:"warn"`
	DatabaseURL string     `env:"VMCTL_DATABASE_URL,required"`
	GroupsFile  string     `env:"VMCTL_GROUPS_FILE" envDefault:"/etc/copr/vm-groups.yaml"` // read only to map --arch to a group
	NATS        NATSConfig `envPrefix:"VMCTL_"`
}

// LoadVMMasterConfig loads the daemon configuration and its group file
func LoadVMMasterConfig() (*VMMasterConfig, error) {
	config, err := env.ParseAs[VMMasterConfig]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse VMMaster config: %w", err)
	}

	// Set service name if not provided
	if config.ServiceName == "" {
		config.ServiceName = "vmmaster"
	}

	if config.StoreDriver != "postgres" && config.StoreDriver != "memory" {
		return nil, fmt.Errorf("unknown store driver %q", config.StoreDriver)
	}
	if config.StoreDriver == "postgres" && config.DatabaseURL == "" {
		return nil, fmt.Errorf("VMMASTER_DATABASE_URL is required for the postgres store")
	}
	if err := config.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if config.PlaybookTimeout <= 0 {
		return nil, fmt.Errorf("playbook timeout must be positive, got %s", config.PlaybookTimeout)
	}
	// A termination is only re-requested once the first playbook is dead
	if config.Thresholds.TerminatingTimeout <= config.PlaybookTimeout {
		return nil, fmt.Errorf("terminating timeout %s must be longer than the playbook timeout %s",
			config.Thresholds.TerminatingTimeout, config.PlaybookTimeout)
	}

	groups, err := LoadGroups(config.GroupsFile)
	if err != nil {
		return nil, err
	}
	config.Groups = groups

	return &config, nil
}

// LoadVMCtlConfig loads configuration for the vmctl client
func LoadVMCtlConfig() (*VMCtlConfig, error) {
	config, err := env.ParseAs[VMCtlConfig]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse VMCtl config: %w", err)
	}
	return &config, nil
}

// Validate rejects thresholds the control loop cannot work with
func (t Thresholds) Validate() error {
	if t.CycleTimeout <= 0 {
		return fmt.Errorf("cycle timeout must be positive, got %s", t.CycleTimeout)
	}
	if t.HealthCheckPeriod <= 0 || t.HealthCheckMaxTime <= 0 {
		return fmt.Errorf("health check period and max time must be positive")
	}
	if t.MaxCheckFails < 0 {
		return fmt.Errorf("max check fails must not be negative, got %d", t.MaxCheckFails)
	}
	return nil
}
