//go:build linux

package action

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"

	"bgtask/internal/task/registry"
	logx "bgtask/pkg/logx"
)

// systemdFunc queues a unit job over the system bus and waits for its
// result. Any job result other than "done" is a failure.
func systemdFunc(unit, op string, log logx.Logger) registry.WorkFunc {
	return func(ctx context.Context) error {
		conn, err := dbus.NewSystemConnectionContext(ctx)
		if err != nil {
			return fmt.Errorf("connect systemd: %w", err)
		}
		defer conn.Close()

		result := make(chan string, 1)
		switch op {
		case OpStart:
			_, err = conn.StartUnitContext(ctx, unit, "replace", result)
		case OpStop:
			_, err = conn.StopUnitContext(ctx, unit, "replace", result)
		default:
			_, err = conn.RestartUnitContext(ctx, unit, "replace", result)
		}
		if err != nil {
			return fmt.Errorf("%s %s: %w", op, unit, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s %s: %w", op, unit, ctx.Err())
		case res := <-result:
			if res != "done" {
				return fmt.Errorf("%s %s: job %s", op, unit, res)
			}
		}
		log.Debug("systemd job done", logx.String("unit", unit), logx.String("op", op))
		return nil
	}
}
