// Package action builds work functions for tasks declared in the daemon
// config. Library users bind their own registry.WorkFunc instead.
package action

import (
	"errors"
	"fmt"
	"strings"

	"bgtask/internal/task/registry"
	logx "bgtask/pkg/logx"
)

var ErrInvalidAction = errors.New("invalid action")

const (
	TypeExec    = "exec"
	TypeHTTP    = "http"
	TypeSystemd = "systemd"
)

// Spec describes one configured action.
type Spec struct {
	Type string

	// exec
	Command []string
	Dir     string
	Env     []string

	// http
	Method  string
	URL     string
	Headers map[string]string
	Body    string

	// systemd
	Unit      string
	Operation string
}

// Build returns the work function for spec. Output and status of each run
// are logged under the task identifier.
func Build(id string, spec Spec, log logx.Logger) (registry.WorkFunc, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("task", id))
	switch strings.ToLower(strings.TrimSpace(spec.Type)) {
	case TypeExec:
		if len(spec.Command) == 0 || strings.TrimSpace(spec.Command[0]) == "" {
			return nil, fmt.Errorf("%w: exec requires a command", ErrInvalidAction)
		}
		return execFunc(spec, log), nil
	case TypeHTTP:
		if strings.TrimSpace(spec.URL) == "" {
			return nil, fmt.Errorf("%w: http requires a url", ErrInvalidAction)
		}
		return httpFunc(spec, newHTTPClient(), log), nil
	case TypeSystemd:
		unit, op, err := unitOperation(spec)
		if err != nil {
			return nil, err
		}
		return systemdFunc(unit, op, log), nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidAction, spec.Type)
	}
}
