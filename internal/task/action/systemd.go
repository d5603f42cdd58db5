package action

import (
	"fmt"
	"strings"
)

const (
	OpStart   = "start"
	OpStop    = "stop"
	OpRestart = "restart"
)

// unitOperation normalizes the unit name (".service" is implied) and the
// operation (default restart).
func unitOperation(spec Spec) (string, string, error) {
	unit := strings.TrimSpace(spec.Unit)
	if unit == "" {
		return "", "", fmt.Errorf("%w: systemd requires a unit", ErrInvalidAction)
	}
	if !strings.Contains(unit, ".") {
		unit += ".service"
	}
	op := strings.ToLower(strings.TrimSpace(spec.Operation))
	switch op {
	case "":
		op = OpRestart
	case OpStart, OpStop, OpRestart:
	default:
		return "", "", fmt.Errorf("%w: unknown systemd operation %q", ErrInvalidAction, spec.Operation)
	}
	return unit, op, nil
}
