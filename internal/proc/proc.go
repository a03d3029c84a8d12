// Package proc answers questions about local processes.
package proc

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Inspector looks up processes by pid.
type Inspector interface {
	// Alive reports whether a process with the given pid exists.
	Alive(pid int) bool
	// Title returns the command line of the process, arguments separated by
	// single spaces.
	Title(pid int) (string, error)
}

// Local inspects processes of the current host through /proc.
type Local struct {
	// Root defaults to /proc.
	Root string
}

var _ Inspector = Local{}

// Alive uses kill(pid, 0); no signal is sent.
func (Local) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func (l Local) Title(pid int) (string, error) {
	if pid <= 0 {
		return "", fmt.Errorf("invalid pid %d", pid)
	}

	root := l.Root
	if root == "" {
		root = "/proc"
	}
	data, err := os.ReadFile(filepath.Join(root, strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return "", fmt.Errorf("read title of pid %d: %w", pid, err)
	}

	args := bytes.Split(bytes.TrimRight(data, "\x00"), []byte{0})
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, string(arg))
	}
	return strings.Join(parts, " "), nil
}

// BuilderMarker is the fragment every builder process carries in its title.
func BuilderMarker(vmName string) string {
	return "vm_name=" + vmName
}

// OwnsVM reports whether pid is a live builder working on vmName.
func OwnsVM(in Inspector, pid int, vmName string) bool {
	if !in.Alive(pid) {
		return false
	}
	title, err := in.Title(pid)
	if err != nil {
		return false
	}
	return strings.Contains(title, BuilderMarker(vmName))
}
