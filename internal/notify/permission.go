package notify

import (
	"context"
	"strings"
)

// Options are the notification capabilities asked for at startup.
type Options struct {
	Alert bool
	Sound bool
	Badge bool
}

// Grant is the answer to a permission request. A zero Grant means denied.
type Grant struct {
	Granted bool
	Alert   bool
	Sound   bool
	Badge   bool
	Reason  string
}

func (g Grant) String() string {
	if !g.Granted {
		if g.Reason != "" {
			return "denied: " + g.Reason
		}
		return "denied"
	}
	var parts []string
	if g.Alert {
		parts = append(parts, "alert")
	}
	if g.Sound {
		parts = append(parts, "sound")
	}
	if g.Badge {
		parts = append(parts, "badge")
	}
	return "granted: " + strings.Join(parts, ",")
}

// Permission asks the notification backend whether it may deliver messages.
type Permission interface {
	Request(ctx context.Context, opts Options) (Grant, error)
}

// Denied is the Permission used when no backend is configured.
type Denied struct{ Reason string }

func (d Denied) Request(context.Context, Options) (Grant, error) {
	return Grant{Reason: d.Reason}, nil
}
