package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rodaine/table"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/evilkost/copr/internal/shared/config"
	"github.com/evilkost/copr/internal/vmm"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List VMs, optionally filtered by group and state",
	RunE: func(cmd *cobra.Command, args []string) error {
		group, _ := cmd.Flags().GetInt("group")
		states, _ := cmd.Flags().GetStringSlice("state")

		var groups []int
		if group >= 0 {
			groups = []int{group}
		} else {
			var err error
			groups, err = current.manager.GetGroups(cmd.Context())
			if err != nil {
				return err
			}
		}

		var vms []*vmm.VMDescriptor
		for _, g := range groups {
			var (
				found []*vmm.VMDescriptor
				err   error
			)
			if len(states) > 0 {
				found, err = current.manager.GetVMByGroupAndStateList(cmd.Context(), g, parseStates(states)...)
			} else {
				found, err = current.manager.GetAllVMInGroup(cmd.Context(), g)
			}
			if err != nil {
				return err
			}
			vms = append(vms, found...)
		}

		printVMs(cmd.OutOrStdout(), vms, current.manager.Now())
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <vm-name>",
	Short: "Show every field of one VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vm, err := current.manager.GetVMByName(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printVM(cmd.OutOrStdout(), vm)
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add <vm-name> <ip>",
	Short: "Register an already running VM in a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		group, _ := cmd.Flags().GetInt("group")
		vm, err := current.manager.AddVMToPool(cmd.Context(), args[1], args[0], group)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s) to group %d\n", vm.Name, vm.IP, vm.Group)
		return nil
	},
}

var acquireCmd = &cobra.Command{
	Use:   "acquire",
	Short: "Take a ready VM of a group for a build",
	Long: `Takes a ready VM of the group and binds it to the user. A VM the user
released earlier is preferred. Prints "<name> <ip>" on success and fails
when no VM is ready.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		arch, _ := cmd.Flags().GetString("arch")
		group, _ := cmd.Flags().GetInt("group")
		group, err := resolveGroup(arch, group, func() ([]config.GroupConfig, error) {
			return config.LoadGroups(current.cfg.GroupsFile)
		})
		if err != nil {
			return err
		}
		user, _ := cmd.Flags().GetString("user")
		buildID, _ := cmd.Flags().GetInt64("build-id")
		taskID, _ := cmd.Flags().GetString("task-id")
		chroot, _ := cmd.Flags().GetString("chroot")
		pid, _ := cmd.Flags().GetInt("pid")

		vm, err := current.manager.AcquireVM(cmd.Context(), group, user, vmm.BuildContext{
			BuildID:   buildID,
			TaskID:    taskID,
			Chroot:    chroot,
			UsedByPID: pid,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", vm.Name, vm.IP)
		return nil
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release <vm-name>",
	Short: "Return a VM after the build finished",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vm, err := current.manager.ReleaseVM(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "released %s, state %s\n", vm.Name, vm.State)
		return nil
	},
}

var terminateCmd = &cobra.Command{
	Use:   "terminate <vm-name>",
	Short: "Request termination of a VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := current.manager.TerminateVM(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "termination of %s requested\n", args[0])
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <vm-name>",
	Short: "Drop a terminating VM from the pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := current.manager.RemoveVMFromPool(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
		return nil
	},
}

func init() {
	listCmd.Flags().IntP("group", "g", -1, "group id, all groups when negative")
	listCmd.Flags().StringSliceP("state", "s", nil, "only VMs in these states")

	addCmd.Flags().IntP("group", "g", 0, "group id")

	acquireCmd.Flags().IntP("group", "g", 0, "group id")
	acquireCmd.Flags().StringP("arch", "a", "", "pick the group building this architecture")
	acquireCmd.MarkFlagsMutuallyExclusive("group", "arch")
	acquireCmd.Flags().StringP("user", "u", "", "user the VM is bound to")
	acquireCmd.Flags().Int64("build-id", 0, "build id")
	acquireCmd.Flags().String("task-id", "", "task id")
	acquireCmd.Flags().String("chroot", "", "chroot being built")
	acquireCmd.Flags().Int("pid", os.Getppid(), "pid of the builder process using the VM")
	_ = acquireCmd.MarkFlagRequired("user")
}

// resolveGroup maps --arch to a group id when it is given.
func resolveGroup(arch string, group int, load func() ([]config.GroupConfig, error)) (int, error) {
	if arch == "" {
		return group, nil
	}
	groups, err := load()
	if err != nil {
		return 0, err
	}
	g, ok := config.GroupForArch(groups, arch)
	if !ok {
		return 0, fmt.Errorf("no group builds %s", arch)
	}
	return g.ID, nil
}

func parseStates(raw []string) []vmm.State {
	return lo.Map(raw, func(s string, _ int) vmm.State { return vmm.State(s) })
}

func printVMs(w io.Writer, vms []*vmm.VMDescriptor, now time.Time) {
	tbl := table.New("Name", "IP", "Group", "State", "User", "Fails", "Age").WithWriter(w)
	for _, vm := range vms {
		tbl.AddRow(vm.Name, vm.IP, vm.Group, vm.State, vm.BoundToUser, vm.CheckFails, age(vm.CreatedAt, now))
	}
	tbl.Print()
}

func printVM(w io.Writer, vm *vmm.VMDescriptor) {
	tbl := table.New("Field", "Value").WithWriter(w)
	tbl.AddRow("name", vm.Name)
	tbl.AddRow("ip", vm.IP)
	tbl.AddRow("group", vm.Group)
	tbl.AddRow("state", vm.State)
	tbl.AddRow("bound_to_user", vm.BoundToUser)
	tbl.AddRow("check_fails", vm.CheckFails)
	tbl.AddRow("created_at", timestamp(vm.CreatedAt))
	tbl.AddRow("last_health_check", timestamp(vm.LastHealthCheck))
	tbl.AddRow("last_ready", timestamp(vm.LastReady))
	tbl.AddRow("in_use_since", timestamp(vm.InUseSince))
	tbl.AddRow("last_release", timestamp(vm.LastRelease))
	tbl.AddRow("terminating_since", timestamp(vm.TerminatingSince))
	if !vm.Build.IsZero() {
		tbl.AddRow("build_id", vm.Build.BuildID)
		tbl.AddRow("task_id", vm.Build.TaskID)
		tbl.AddRow("chroot", vm.Build.Chroot)
		tbl.AddRow("used_by_pid", strconv.Itoa(vm.Build.UsedByPID))
	}
	tbl.Print()
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func age(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Truncate(time.Second).String()
}
