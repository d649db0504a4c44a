// Package pipeline runs the external detection and synthesis programs and
// forwards their output line by line.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/Camelia/internal/log"
	"github.com/CZERTAINLY/Camelia/internal/model"
	"github.com/CZERTAINLY/Camelia/internal/staging"
)

const (
	StageDetection = "detection"
	StageSynthesis = "synthesis"
)

var (
	ErrStageFailed = errors.New("stage failed")
	ErrTimeout     = errors.New("stage timed out")
)

// ExitError reports a stage which exited with a non-zero code.
type ExitError struct {
	Stage string
	Code  int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Stage, e.Code)
}

func (e *ExitError) Unwrap() error {
	return ErrStageFailed
}

type Pipeline struct {
	Detection Stage
	Synthesis Stage
	// Grace is the time between SIGTERM and SIGKILL on cancellation.
	Grace time.Duration
}

func New(cfg model.Config) (*Pipeline, error) {
	detection, err := NewStage(StageDetection, cfg.Detection)
	if err != nil {
		return nil, err
	}
	synthesis, err := NewStage(StageSynthesis, cfg.Synthesis)
	if err != nil {
		return nil, err
	}
	grace, err := model.OptionalDuration(cfg.Service.CancelGrace)
	if err != nil {
		return nil, fmt.Errorf("service.cancel_grace: %w", err)
	}
	return &Pipeline{
		Detection: detection,
		Synthesis: synthesis,
		Grace:     grace,
	}, nil
}

// Run executes detection and then synthesis. It stops at the first stage
// which does not succeed.
func (p *Pipeline) Run(ctx context.Context, d staging.Dirs, sink LineFunc) error {
	for _, s := range []Stage{p.Detection, p.Synthesis} {
		if err := p.RunStage(ctx, s, d, sink); err != nil {
			return err
		}
	}
	return nil
}

// RunStage executes a single stage and reports its start and exit code to
// sink. Errors wrap ErrStageFailed, ErrTimeout or the cause of ctx.
func (p *Pipeline) RunStage(ctx context.Context, s Stage, d staging.Dirs, sink LineFunc) error {
	if sink == nil {
		sink = func(context.Context, string) {}
	}
	ctx = log.ContextAttrs(ctx, slog.String("stage", s.Name))

	cmd, err := s.Command(d)
	if err != nil {
		return err
	}
	cmd.Grace = p.Grace

	slog.DebugContext(ctx, "starting stage", "path", cmd.Path, "args", cmd.Args, "dir", cmd.Dir)
	sink(ctx, "starting "+s.Name)
	runner := NewRunner()
	if err := runner.Start(ctx, cmd, sink); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", s.Name, context.Cause(ctx))
		}
		return fmt.Errorf("starting %s: %w", s.Name, err)
	}
	res := runner.Wait()
	code := res.ExitCode()
	slog.DebugContext(ctx, "stage finished", "exit_code", code, "duration", res.Stopped.Sub(res.Started).String())

	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", s.Name, context.Cause(ctx))
	case code != 0 && errors.Is(res.CtxErr, context.DeadlineExceeded):
		sink(ctx, fmt.Sprintf("%s timed out after %s", s.Name, s.Timeout))
		return fmt.Errorf("%s: %w", s.Name, ErrTimeout)
	}

	sink(ctx, fmt.Sprintf("%s exited with code %d", s.Name, code))
	if code != 0 {
		return &ExitError{Stage: s.Name, Code: code}
	}
	if res.Err != nil {
		return fmt.Errorf("%s: %w", s.Name, res.Err)
	}
	return nil
}
