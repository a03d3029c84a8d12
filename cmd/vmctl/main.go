package main

import (
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"

	"github.com/evilkost/copr/internal/database"
	"github.com/evilkost/copr/internal/shared/config"
	"github.com/evilkost/copr/internal/shared/nats"
	"github.com/evilkost/copr/internal/vmm"
	"github.com/evilkost/copr/internal/zlog"
)

// session holds the connections shared by every subcommand.
type session struct {
	cfg     *config.VMCtlConfig
	db      *database.DB
	bus     *nats.Client
	manager *vmm.Manager
}

var current *session

var rootCmd = &cobra.Command{
	Use:   "vmctl",
	Short: "Inspect and use the build VM pool",
	Long: `vmctl talks to the VM pool state shared with vmmaster.

Build workers use it to acquire a VM for a build and to release it
afterwards. Operators use it to list the pool, register VMs by hand and
request termination of broken machines.

Configuration is read from the environment (or a .env file):
  VMCTL_DATABASE_URL        PostgreSQL connection string (required)
  VMCTL_NATS_URLS           NATS servers (default nats://localhost:4222)
  VMCTL_NATS_SUBJECT_PREFIX Subject prefix shared with vmmaster
  VMCTL_GROUPS_FILE         Group definitions, used by "acquire --arch"`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadVMCtlConfig()
		if err != nil {
			return err
		}

		logger := zlog.New(zlog.Config{Level: cfg.LogLevel, Service: "vmctl"})
		slog.SetDefault(logger)

		db, err := database.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		bus, err := nats.NewClient(&cfg.NATS, "vmctl")
		if err != nil {
			db.Close()
			return err
		}

		manager, err := vmm.NewManager(vmm.Config{
			Store:    db,
			Bus:      bus,
			Subjects: vmm.Subjects{Prefix: cfg.NATS.SubjectPrefix},
			Logger:   logger,
		})
		if err != nil {
			bus.Close()
			db.Close()
			return err
		}

		current = &session{cfg: cfg, db: db, bus: bus, manager: manager}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if current == nil {
			return
		}
		if err := current.bus.Close(); err != nil {
			slog.Warn("failed to close nats connection", "err", err)
		}
		current.db.Close()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(acquireCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(terminateCmd)
	rootCmd.AddCommand(removeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
