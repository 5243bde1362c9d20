package sessions

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/nexus-core/internal/errs"
)

var scheduleParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Autosaver periodically saves dirty sessions on a cron schedule such as
// "@every 30s" or "*/5 * * * *".
type Autosaver struct {
	manager *Manager
	cron    *cron.Cron
	timeout time.Duration
	logger  *slog.Logger
}

// NewAutosaver validates schedule and registers the save job. Call Start to run it.
func NewAutosaver(manager *Manager, schedule string, logger *slog.Logger) (*Autosaver, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, errs.New(errs.InvalidArgument, "autosave schedule is required")
	}
	sched, err := scheduleParser.Parse(schedule)
	if err != nil {
		return nil, errs.Wrapf(errs.ConfigParse, err, "invalid autosave schedule %q", schedule)
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Autosaver{
		manager: manager,
		cron:    cron.New(cron.WithParser(scheduleParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout: 30 * time.Second,
		logger:  logger.With("component", "autosave"),
	}
	a.cron.Schedule(sched, cron.FuncJob(a.run))
	return a, nil
}

// Start begins running the schedule in the background.
func (a *Autosaver) Start() {
	a.cron.Start()
}

// Stop halts the schedule, waits for a running save, then saves once more.
func (a *Autosaver) Stop(ctx context.Context) error {
	done := a.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return errs.FromContext(ctx, "autosave.stop")
	}
	_, err := a.manager.SaveDirty(ctx)
	return err
}

func (a *Autosaver) run() {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	n, err := a.manager.SaveDirty(ctx)
	if err != nil {
		a.logger.Warn("autosave failed", "error", err, "saved", n)
		return
	}
	if n > 0 {
		a.logger.Debug("autosaved sessions", "count", n)
	}
}
