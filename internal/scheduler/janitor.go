package scheduler

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/robfig/cron/v3"

	"github.com/amps-project/amps/internal/config"
	"github.com/amps-project/amps/internal/observability"
)

// DirOwner reports the media directories currently owned by running
// streams. The transcoder manager provides it.
type DirOwner interface {
	LiveDirs() []string
}

// DirOwnerFunc adapts a function to DirOwner.
type DirOwnerFunc func() []string

func (f DirOwnerFunc) LiveDirs() []string { return f() }

// Janitor sweeps orphaned stream directories out of the media root on a
// cron cadence. Orphans accumulate when the process dies without
// winding records down.
type Janitor struct {
	root   string
	live   DirOwner
	logger *slog.Logger
	cron   *cron.Cron
}

// NewJanitor builds the sweeper for the given media root.
func NewJanitor(cfg config.MaintenanceConfig, tc *config.TranscoderConfig, live DirOwner, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Janitor{
		root:   tc.MediaPath(),
		live:   live,
		logger: observability.WithComponent(logger, "janitor"),
		cron:   cron.New(),
	}
	if _, err := j.cron.AddFunc(cfg.SweepCron, j.Sweep); err != nil {
		return nil, err
	}
	if cfg.SweepOnStart {
		j.Sweep()
	}
	return j, nil
}

// Start begins the cron schedule.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("media sweep scheduled", slog.String("root", j.root))
}

// Stop halts the schedule, waiting for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep removes every directory under the media root that no live
// stream owns.
func (j *Janitor) Sweep() {
	entries, err := os.ReadDir(j.root)
	if err != nil {
		if !os.IsNotExist(err) {
			j.logger.Warn("reading media root", slog.Any("error", err))
		}
		return
	}

	owned := make(map[string]bool)
	for _, dir := range j.live.LiveDirs() {
		owned[filepath.Clean(dir)] = true
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		full := filepath.Join(j.root, e.Name())
		if owned[filepath.Clean(full)] {
			continue
		}
		if err := os.RemoveAll(full); err != nil {
			j.logger.Warn("removing orphaned stream directory",
				slog.String("dir", full), slog.Any("error", err))
			continue
		}
		removed++
	}
	if removed > 0 {
		j.logger.Info("swept orphaned stream directories",
			slog.Int("removed", removed), slog.String("root", j.root))
	}
}
