//go:build !linux

package action

import (
	"context"
	"errors"

	"bgtask/internal/task/registry"
	logx "bgtask/pkg/logx"
)

var errNoSystemd = errors.New("systemd actions are only supported on linux")

func systemdFunc(unit, op string, log logx.Logger) registry.WorkFunc {
	return func(context.Context) error { return errNoSystemd }
}
