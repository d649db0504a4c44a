package service

import (
	"fmt"
	"time"

	"github.com/CZERTAINLY/Camelia/internal/model"
	"github.com/CZERTAINLY/Camelia/internal/pipeline"
)

type Config struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
	// FallbackDir is scanned for results when synthesis left nothing in its
	// output directory. Empty disables the fallback pass.
	FallbackDir string
	Retention   *Retention
	Pipeline    *pipeline.Pipeline
}

type Retention struct {
	TTL   time.Duration
	Sweep model.Schedule
}

// ConfigFromModel parses durations and stage templates of a loaded
// configuration.
func ConfigFromModel(cfg model.Config) (Config, error) {
	p, err := pipeline.New(cfg)
	if err != nil {
		return Config{}, err
	}
	jobTimeout, err := model.OptionalDuration(cfg.Service.JobTimeout)
	if err != nil {
		return Config{}, fmt.Errorf("service.job_timeout: %w", err)
	}
	ret := Config{
		Workers:     max(cfg.Service.Workers, 1),
		QueueSize:   max(cfg.Service.QueueSize, 0),
		JobTimeout:  jobTimeout,
		FallbackDir: cfg.Synthesis.FallbackDir,
		Pipeline:    p,
	}
	if cfg.Retention != nil {
		ttl, err := model.ParseCueDuration(cfg.Retention.TTL)
		if err != nil {
			return Config{}, fmt.Errorf("retention.ttl: %w", err)
		}
		ret.Retention = &Retention{
			TTL:   ttl,
			Sweep: cfg.Retention.Sweep,
		}
	}
	return ret, nil
}
