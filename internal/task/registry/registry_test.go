package registry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegisterAndLookup(t *testing.T) {
	t.Parallel()
	r := New()
	def := Definition{ID: "refresh", Kind: Recurring, MinimumInterval: 5 * time.Minute}
	if err := r.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := r.Lookup("refresh")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != def {
		t.Fatalf("Lookup = %+v, want %+v", got, def)
	}
	if got.EffectiveBudget() != DefaultBudget {
		t.Fatalf("EffectiveBudget = %v", got.EffectiveBudget())
	}
}

func TestRegisterDuplicate(t *testing.T) {
	t.Parallel()
	r := New()
	def := Definition{ID: "sync", Kind: OneShot}
	if err := r.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(def); !errors.Is(err, ErrDuplicateIdentifier) {
		t.Fatalf("second Register err = %v, want ErrDuplicateIdentifier", err)
	}
}

func TestLookupUnknown(t *testing.T) {
	t.Parallel()
	if _, err := New().Lookup("ghost"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("Lookup err = %v, want ErrUnknownTask", err)
	}
}

func TestRegisterInvalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		def  Definition
	}{
		{name: "empty id", def: Definition{Kind: OneShot}},
		{name: "padded id", def: Definition{ID: " x ", Kind: OneShot}},
		{name: "recurring without interval", def: Definition{ID: "r", Kind: Recurring}},
		{name: "negative budget", def: Definition{ID: "b", Kind: OneShot, Budget: -time.Second}},
		{name: "unknown kind", def: Definition{ID: "k", Kind: Kind(9)}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := New().Register(tt.def); !errors.Is(err, ErrInvalidDefinition) {
				t.Fatalf("Register err = %v, want ErrInvalidDefinition", err)
			}
		})
	}
}

func TestHandleRequiresRegistration(t *testing.T) {
	t.Parallel()
	r := New()
	fn := func(ctx context.Context) error { return nil }
	if err := r.Handle("ghost", fn); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("Handle err = %v", err)
	}
	_ = r.Register(Definition{ID: "a", Kind: OneShot})
	if err := r.Handle("a", fn); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, ok := r.Work("a"); !ok {
		t.Fatal("expected work func bound")
	}
	if err := r.Handle("a", nil); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("Handle(nil) err = %v", err)
	}
}

func TestListSorted(t *testing.T) {
	t.Parallel()
	r := New()
	for _, id := range []string{"c", "a", "b"} {
		_ = r.Register(Definition{ID: id, Kind: OneShot})
	}
	got := r.List()
	if len(got) != 3 || got[0].ID != "a" || got[2].ID != "c" {
		t.Fatalf("List = %+v", got)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	b := Backoff{Base: time.Second, Max: 5 * time.Second}
	want := []time.Duration{0, time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for failures, w := range want {
		if got := b.Delay(failures); got != w {
			t.Fatalf("Delay(%d) = %v, want %v", failures, got, w)
		}
	}
	if (Backoff{}).Delay(3) != 0 {
		t.Fatal("zero backoff should not delay")
	}
}

func TestBackoffDelayNeverOverflows(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		b    Backoff
		want time.Duration
	}{
		{"large factor no max", Backoff{Base: time.Minute, Factor: 100}, DefaultBackoffMax},
		{"default factor no max", Backoff{Base: time.Second}, DefaultBackoffMax},
		{"large factor with max", Backoff{Base: time.Minute, Max: time.Hour, Factor: 1e9}, time.Hour},
		{"base above max", Backoff{Base: 2 * time.Hour, Max: time.Hour}, time.Hour},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			for _, failures := range []int{6, 8, 64, 10000} {
				got := tc.b.Delay(failures)
				if got < 0 {
					t.Fatalf("Delay(%d) = %v, negative", failures, got)
				}
				if got != tc.want {
					t.Fatalf("Delay(%d) = %v, want %v", failures, got, tc.want)
				}
			}
		})
	}
}

func TestParseKindAndOverlap(t *testing.T) {
	t.Parallel()
	if k, err := ParseKind("recurring"); err != nil || k != Recurring {
		t.Fatalf("ParseKind = %v, %v", k, err)
	}
	for _, bad := range []string{"sometimes", "refresh"} {
		if _, err := ParseKind(bad); err == nil {
			t.Fatalf("ParseKind(%q): expected error", bad)
		}
	}
	if p, err := ParseOverlap("coalesce"); err != nil || p != OverlapCoalesce {
		t.Fatalf("ParseOverlap = %v, %v", p, err)
	}
}
