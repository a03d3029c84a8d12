package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// Runner runs a provisioning playbook and returns its combined output.
type Runner interface {
	Run(ctx context.Context, playbook string, extraVars map[string]any) (string, error)
}

// PlaybookRunner runs ansible-playbook over ssh.
type PlaybookRunner struct {
	Binary  string
	Timeout time.Duration
	Logger  *slog.Logger
}

var _ Runner = (*PlaybookRunner)(nil)

func (r *PlaybookRunner) Run(ctx context.Context, playbook string, extraVars map[string]any) (string, error) {
	binary := r.Binary
	if binary == "" {
		binary = "ansible-playbook"
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	args := []string{"-c", "ssh", playbook}
	if len(extraVars) > 0 {
		vars, err := json.Marshal(extraVars)
		if err != nil {
			return "", fmt.Errorf("failed to encode extra vars: %w", err)
		}
		args = append(args, "--extra-vars", string(vars))
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	start := time.Now()
	logger.Debug("running playbook", "binary", binary, "args", args)
	out, err := exec.CommandContext(ctx, binary, args...).CombinedOutput()
	if err != nil {
		logger.Error("playbook failed", "playbook", playbook, "err", err, "output", string(out))
		return string(out), fmt.Errorf("playbook %s: %w", playbook, err)
	}

	logger.Debug("playbook finished", "playbook", playbook, "took", time.Since(start))
	return string(out), nil
}
