package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/CZERTAINLY/Camelia/internal/log"
	"github.com/CZERTAINLY/Camelia/internal/model"
	"github.com/CZERTAINLY/Camelia/internal/registry"
	"github.com/CZERTAINLY/Camelia/internal/staging"
)

var (
	ErrQueueFull      = errors.New("job queue is full")
	ErrStopped        = errors.New("job runner is not running")
	ErrNotCancellable = errors.New("job is not cancellable")
	ErrNotCompleted   = errors.New("job is not completed")
	ErrNoResults      = errors.New("no results produced")
	ErrCancelled      = errors.New("job cancelled")
	ErrJobTimeout     = errors.New("job timed out")
	ErrShutdown       = errors.New("service shutting down")
)

type submission struct {
	id        string
	variant   model.Variant
	uploadDir string
	files     []string
}

// JobRunner runs submitted jobs on a bounded pool of workers.
type JobRunner struct {
	cfg   Config
	reg   *registry.Registry
	root  *staging.Root
	queue chan submission
	slots *semaphore.Weighted
	wg    sync.WaitGroup

	mx      sync.Mutex
	active  map[string]context.CancelCauseFunc
	running bool

	naming sync.Mutex
}

func NewJobRunner(cfg Config, reg *registry.Registry, root *staging.Root) *JobRunner {
	return &JobRunner{
		cfg:     cfg,
		reg:     reg,
		root:    root,
		queue:   make(chan submission, cfg.QueueSize),
		slots:   semaphore.NewWeighted(int64(max(cfg.Workers, 1))),
		active:  make(map[string]context.CancelCauseFunc),
		running: true,
	}
}

// NewUploadDir returns a fresh directory for files of a future Submit.
func (r *JobRunner) NewUploadDir() (string, error) {
	return r.root.NewUploadDir()
}

// Submit registers a job in state queued and puts it to the admission
// queue. files must be inside uploadDir, which is owned by the job from now
// on and removed once the job has staged its inputs.
func (r *JobRunner) Submit(ctx context.Context, variant model.Variant, uploadDir string, files []string) (string, error) {
	if len(files) == 0 {
		return "", model.ErrNoFiles
	}
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = filepath.Base(f)
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	if !r.running {
		return "", ErrStopped
	}

	id := model.NewJobID()
	logs, err := r.reg.Create(id, variant, names)
	if err != nil {
		return "", err
	}
	logs.Pushf("job %s queued with %d files", id, len(files))
	select {
	case r.queue <- submission{id: id, variant: variant, uploadDir: uploadDir, files: files}:
	default:
		r.reg.Remove(id)
		return "", ErrQueueFull
	}
	slog.InfoContext(log.JobAttrs(ctx, id, string(variant)), "job queued", "files", len(files))
	return id, nil
}

// Do runs the dispatcher until ctx is done. Running jobs are cancelled with
// ctx and waited for, queued jobs are cancelled. Submit is rejected with
// ErrStopped once Do returned.
func (r *JobRunner) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a job runner", "workers", r.cfg.Workers, "queue_size", r.cfg.QueueSize)

	if r.cfg.Retention != nil {
		scheduler, err := newScheduler(ctx, r.cfg.Retention.Sweep, func() {
			if err := r.Sweep(ctx); err != nil {
				slog.ErrorContext(ctx, "retention sweep failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("retention: %w", err)
		}
		scheduler.Start()
		defer func() {
			err := scheduler.Shutdown()
			if err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	defer func() {
		r.rejectQueued(ctx)
	}()

	defer func() {
		r.wg.Wait()
	}()

	for {
		// a free worker first, so the queue alone bounds waiting jobs
		if err := r.slots.Acquire(ctx, 1); err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			r.slots.Release(1)
			return nil
		case sub := <-r.queue:
			if ctx.Err() != nil {
				r.slots.Release(1)
				r.reject(ctx, sub)
				return nil
			}
			r.wg.Go(func() {
				defer r.slots.Release(1)
				r.run(ctx, sub)
			})
		}
	}
}

func (r *JobRunner) rejectQueued(ctx context.Context) {
	r.mx.Lock()
	r.running = false
	r.mx.Unlock()
	for {
		select {
		case sub := <-r.queue:
			r.reject(ctx, sub)
		default:
			return
		}
	}
}

func (r *JobRunner) reject(ctx context.Context, sub submission) {
	defer removeUploads(ctx, sub.uploadDir)
	_, _ = r.reg.Transition(sub.id, model.StatusQueued, model.StatusCancelled, ErrShutdown.Error())
}

func (r *JobRunner) run(ctx context.Context, sub submission) {
	ctx = log.JobAttrs(ctx, sub.id, string(sub.variant))
	defer removeUploads(ctx, sub.uploadDir)

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if r.cfg.JobTimeout > 0 {
		var cancelTimeout context.CancelFunc
		jobCtx, cancelTimeout = context.WithTimeoutCause(jobCtx, r.cfg.JobTimeout, ErrJobTimeout)
		defer cancelTimeout()
	}

	r.track(sub.id, cancel)
	defer r.untrack(sub.id)

	if status, err := r.reg.Transition(sub.id, model.StatusQueued, model.StatusProcessing); err != nil {
		slog.InfoContext(ctx, "job not started", "status", status)
		return
	}
	slog.InfoContext(ctx, "job started")

	// lines produced once the job left processing are dropped
	emit := func(ctx context.Context, line string) {
		if !r.reg.Emit(sub.id, model.StatusProcessing, line) {
			return
		}
		slog.DebugContext(ctx, line)
	}

	area, err := r.root.Area(sub.id)
	if err != nil {
		r.finish(ctx, sub.id, nil, nil, err)
		return
	}
	results, err := r.process(jobCtx, area, sub, emit)
	r.finish(ctx, sub.id, area, results, err)
}

func (r *JobRunner) process(ctx context.Context, area *staging.Area, sub submission, emit func(context.Context, string)) ([]model.Artifact, error) {
	if err := area.Prepare(sub.variant); err != nil {
		return nil, fmt.Errorf("preparing staging: %w", err)
	}
	names, err := area.Stage(ctx, sub.variant, sub.files, func(name string) {
		emit(ctx, "staged "+name)
	})
	if err != nil {
		return nil, fmt.Errorf("staging inputs: %w", err)
	}

	d := area.Dirs(sub.variant)
	if err := r.cfg.Pipeline.Run(ctx, d, emit); err != nil {
		return nil, err
	}

	results, err := area.Collect(ctx, d.Output, nil)
	if err != nil {
		return nil, fmt.Errorf("collecting results: %w", err)
	}
	if len(results) == 0 && r.cfg.FallbackDir != "" {
		emit(ctx, "fallback collection triggered")
		stems := make(map[string]struct{}, len(names))
		for _, n := range names {
			stems[stem(n)] = struct{}{}
		}
		results, err = area.Collect(ctx, r.cfg.FallbackDir, func(name string) bool {
			_, ok := stems[stem(name)]
			return ok
		})
		if err != nil {
			return nil, fmt.Errorf("collecting fallback results: %w", err)
		}
	}
	for _, a := range results {
		emit(ctx, "collected "+a.Filename)
	}
	if len(results) == 0 {
		return nil, ErrNoResults
	}
	return results, nil
}

// finish is the single place which records the final state of a job. The
// final log line is written together with the status, so a log stream which
// observed the terminal status has it queued already.
func (r *JobRunner) finish(ctx context.Context, id string, area *staging.Area, results []model.Artifact, err error) {
	if err == nil {
		line := fmt.Sprintf("job completed with %d results", len(results))
		_, err = r.reg.Complete(id, results, line)
		if err == nil {
			slog.InfoContext(ctx, "job completed", "results", len(results))
			return
		}
	}

	if job, gerr := r.reg.Get(id); gerr == nil && job.Status == model.StatusCancelled {
		slog.InfoContext(ctx, "job cancelled")
		if area != nil {
			if err := area.Remove(); err != nil {
				slog.WarnContext(ctx, "removing staging of a cancelled job", "error", err)
			}
		}
		return
	}

	reason := err.Error()
	if _, ferr := r.reg.Fail(id, reason, "job failed: "+reason); ferr != nil {
		slog.ErrorContext(ctx, "recording job failure", "error", ferr)
		return
	}
	slog.ErrorContext(ctx, "job failed", "error", err)
}

// Cancel moves a processing job to cancelled and terminates its running
// stage. Jobs in any other state are not cancellable, the returned status
// is the current one.
func (r *JobRunner) Cancel(ctx context.Context, id string) (model.Status, error) {
	status, err := r.reg.Transition(id, model.StatusProcessing, model.StatusCancelled, "cancellation requested")
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return "", err
	case err != nil:
		return status, fmt.Errorf("%s is %s: %w", id, status, ErrNotCancellable)
	}

	slog.InfoContext(log.ContextAttrs(ctx, slog.String("job_id", id)), "cancellation requested")

	r.mx.Lock()
	cancel := r.active[id]
	r.mx.Unlock()
	if cancel != nil {
		cancel(ErrCancelled)
	}
	return status, nil
}

func (r *JobRunner) track(id string, cancel context.CancelCauseFunc) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.active[id] = cancel
}

func (r *JobRunner) untrack(id string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	delete(r.active, id)
}

// Result returns the path of a collected result of a known job.
func (r *JobRunner) Result(id, filename string) (string, error) {
	area, err := r.area(id)
	if err != nil {
		return "", err
	}
	return area.Result(filename)
}

// Original returns the staged original of filename in a known job.
func (r *JobRunner) Original(id, filename string) (string, error) {
	area, err := r.area(id)
	if err != nil {
		return "", err
	}
	return area.Original(filename)
}

// FindOriginal looks for filename in staged originals of all known jobs,
// newest job first.
func (r *JobRunner) FindOriginal(filename string) (string, error) {
	if _, err := staging.SafeName(filename); err != nil {
		return "", err
	}
	for _, job := range r.reg.List() {
		p, err := r.Original(job.ID, filename)
		if err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s: %w", filename, os.ErrNotExist)
}

func (r *JobRunner) area(id string) (*staging.Area, error) {
	if _, err := r.reg.Get(id); err != nil {
		return nil, err
	}
	return r.root.Area(id)
}

func removeUploads(ctx context.Context, dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		slog.WarnContext(ctx, "removing uploads", "dir", dir, "error", err)
	}
}

func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}
