package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

func TestNewAutosaverValidatesSchedule(t *testing.T) {
	tests := []struct {
		name     string
		schedule string
		wantKind errs.Kind
	}{
		{name: "every", schedule: "@every 30s"},
		{name: "cron with seconds", schedule: "*/10 * * * * *"},
		{name: "standard cron", schedule: "*/5 * * * *"},
		{name: "empty", schedule: "  ", wantKind: errs.InvalidArgument},
		{name: "garbage", schedule: "every now and then", wantKind: errs.ConfigParse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAutosaver(NewManager(nil), tt.schedule, nil)
			if tt.wantKind == errs.Unknown {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errs.Is(err, tt.wantKind) {
				t.Fatalf("expected %v, got %v", tt.wantKind, err)
			}
		})
	}
}

func TestAutosaverSavesDirtySessions(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store)
	s := m.Create("auto")
	if _, err := s.Tree().Append(models.NewUser("hi")); err != nil {
		t.Fatalf("append: %v", err)
	}

	a, err := NewAutosaver(m, "@every 1s", nil)
	if err != nil {
		t.Fatalf("new autosaver: %v", err)
	}
	a.Start()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := store.Get(context.Background(), s.ID); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session was not autosaved")
		}
		time.Sleep(50 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestAutosaverStopFlushes(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store)
	s := m.Create("flush")

	a, err := NewAutosaver(m, "@every 1h", nil)
	if err != nil {
		t.Fatalf("new autosaver: %v", err)
	}
	a.Start()
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := store.Get(context.Background(), s.ID); err != nil {
		t.Fatalf("session not flushed on stop: %v", err)
	}
}
