package action

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"bgtask/internal/task/registry"
	logx "bgtask/pkg/logx"
)

const maxLoggedOutput = 2048

func execFunc(spec Spec, log logx.Logger) registry.WorkFunc {
	argv := append([]string(nil), spec.Command...)
	env := append([]string(nil), spec.Env...)
	return func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = spec.Dir
		if len(env) > 0 {
			cmd.Env = append(os.Environ(), env...)
		}
		out, err := cmd.CombinedOutput()
		text := truncate(strings.TrimSpace(string(out)), maxLoggedOutput)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%s: %w", argv[0], ctx.Err())
			}
			log.Debug("exec output", logx.String("output", text))
			return fmt.Errorf("%s: %w", argv[0], err)
		}
		if text != "" {
			log.Debug("exec output", logx.String("output", text))
		}
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
