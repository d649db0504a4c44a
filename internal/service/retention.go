package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Camelia/internal/model"
)

// Sweep evicts jobs which finished more than the retention TTL ago and
// removes their staging trees and results.
func (r *JobRunner) Sweep(ctx context.Context) error {
	if r.cfg.Retention == nil {
		return nil
	}
	cutoff := time.Now().UTC().Add(-r.cfg.Retention.TTL)
	evicted := r.reg.Evict(cutoff)
	if len(evicted) == 0 {
		return nil
	}
	slog.InfoContext(ctx, "evicting finished jobs", "count", len(evicted))

	var g errgroup.Group
	g.SetLimit(4)
	errs := make([]error, len(evicted))
	for i, id := range evicted {
		g.Go(func() error {
			area, err := r.root.Area(id)
			if err != nil {
				errs[i] = err
				return nil
			}
			errs[i] = area.Remove()
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func newScheduler(ctx context.Context, cfg model.Schedule, task func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		_, err := model.ParseCron(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parsing retention.sweep.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
	case cfg.Duration != "":
		d, err := model.ParseCueDuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing retention.sweep.duration: %w", err)
		}
		if d <= 0 {
			return nil, errors.New("retention.sweep.duration must be positive")
		}
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
		job = gocron.DurationJob(d)
	default:
		return nil, errors.New("both cron and duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
	)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("initializing gocron job: %w", err), s.Shutdown())
	}
	return s, nil
}
