// Package registry is the process wide table of jobs: status, results and
// the log channel of every job known to the service. It is the single source
// of truth for status and results queries.
package registry

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/CZERTAINLY/Camelia/internal/logchan"
	"github.com/CZERTAINLY/Camelia/internal/model"
)

var (
	ErrNotFound       = errors.New("job not found")
	ErrExists         = errors.New("job already exists")
	ErrStatusMismatch = errors.New("unexpected job status")
	ErrResultsSet     = errors.New("job results already set")
)

type entry struct {
	job        model.Job
	logs       *logchan.Channel
	resultsSet bool
}

type Registry struct {
	mx   sync.RWMutex
	jobs map[string]*entry
	now  func() time.Time
}

func New() *Registry {
	return &Registry{
		jobs: make(map[string]*entry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. This method exists for unit testing only.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Create registers a new job in state queued with a fresh log channel.
func (r *Registry) Create(id string, variant model.Variant, inputs []string) (*logchan.Channel, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.jobs[id]; ok {
		return nil, fmt.Errorf("%s: %w", id, ErrExists)
	}
	e := &entry{
		job: model.Job{
			ID:      id,
			Variant: variant,
			Status:  model.StatusQueued,
			Inputs:  slices.Clone(inputs),
			Created: r.now(),
		},
		logs: logchan.New(),
	}
	r.jobs[id] = e
	return e.logs, nil
}

// Remove forgets a job which was never started.
func (r *Registry) Remove(id string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if e, ok := r.jobs[id]; ok {
		e.logs.Close()
		delete(r.jobs, id)
	}
}

// SetStatus overwrites the status without any check of the transition.
func (r *Registry) SetStatus(id string, status model.Status) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	e, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	r.setStatus(e, status)
	return nil
}

// Transition changes the status from one state to another atomically. If the
// job is not in state from, nothing changes and the current status is
// returned along with ErrStatusMismatch. lines are pushed to the job log
// before the new status becomes visible.
func (r *Registry) Transition(id string, from, to model.Status, lines ...string) (model.Status, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	e, ok := r.jobs[id]
	if !ok {
		return "", fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if e.job.Status != from {
		return e.job.Status, fmt.Errorf("%s is %s, not %s: %w", id, e.job.Status, from, ErrStatusMismatch)
	}
	pushAll(e, lines)
	r.setStatus(e, to)
	return to, nil
}

// Emit pushes line to the job log only while the job is in state status. A
// line which loses the race with a status change is dropped, so nothing is
// queued after the line that came with the change.
func (r *Registry) Emit(id string, status model.Status, line string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	e, ok := r.jobs[id]
	if !ok || e.job.Status != status {
		return false
	}
	e.logs.Push(line)
	return true
}

// Complete stores results and moves a processing job to completed in one
// step, so no reader observes a completed job without results.
func (r *Registry) Complete(id string, results []model.Artifact, lines ...string) (model.Status, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	e, ok := r.jobs[id]
	if !ok {
		return "", fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if e.job.Status != model.StatusProcessing {
		return e.job.Status, fmt.Errorf("%s is %s, not %s: %w", id, e.job.Status, model.StatusProcessing, ErrStatusMismatch)
	}
	if err := r.setResults(e, results); err != nil {
		return e.job.Status, err
	}
	pushAll(e, lines)
	r.setStatus(e, model.StatusCompleted)
	return model.StatusCompleted, nil
}

// Fail moves a processing job to error and records the reason.
func (r *Registry) Fail(id string, reason string, lines ...string) (model.Status, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	e, ok := r.jobs[id]
	if !ok {
		return "", fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if e.job.Status != model.StatusProcessing {
		return e.job.Status, fmt.Errorf("%s is %s, not %s: %w", id, e.job.Status, model.StatusProcessing, ErrStatusMismatch)
	}
	e.job.Error = reason
	pushAll(e, lines)
	r.setStatus(e, model.StatusError)
	return model.StatusError, nil
}

// SetResults stores the final artifact list. It can be called only once
// per job.
func (r *Registry) SetResults(id string, results []model.Artifact) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	e, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return r.setResults(e, results)
}

// AppendResult adds an artifact produced after the job completed.
func (r *Registry) AppendResult(id string, a model.Artifact) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	e, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	e.job.Results = append(e.job.Results, a)
	return nil
}

// Get returns a snapshot of a job.
func (r *Registry) Get(id string) (model.Job, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	e, ok := r.jobs[id]
	if !ok {
		return model.Job{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return snapshot(e.job), nil
}

// Logs returns the log channel of a job.
func (r *Registry) Logs(id string) (*logchan.Channel, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	e, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return e.logs, nil
}

// List returns snapshots of all jobs, newest first.
func (r *Registry) List() []model.Job {
	r.mx.RLock()
	ret := make([]model.Job, 0, len(r.jobs))
	for _, e := range r.jobs {
		ret = append(ret, snapshot(e.job))
	}
	r.mx.RUnlock()

	slices.SortFunc(ret, func(a, b model.Job) int {
		if c := b.Created.Compare(a.Created); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return ret
}

// Evict removes jobs which reached a terminal state before cutoff and
// closes their log channels. It returns ids of the evicted jobs.
func (r *Registry) Evict(cutoff time.Time) []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	var evicted []string
	for id, e := range r.jobs {
		if !e.job.Status.Terminal() || !e.job.Finished.Before(cutoff) {
			continue
		}
		e.logs.Close()
		delete(r.jobs, id)
		evicted = append(evicted, id)
	}
	slices.Sort(evicted)
	return evicted
}

func (r *Registry) setStatus(e *entry, status model.Status) {
	e.job.Status = status
	switch {
	case status == model.StatusProcessing && e.job.Started.IsZero():
		e.job.Started = r.now()
	case status.Terminal() && e.job.Finished.IsZero():
		e.job.Finished = r.now()
	}
}

func (r *Registry) setResults(e *entry, results []model.Artifact) error {
	if e.resultsSet {
		return fmt.Errorf("%s: %w", e.job.ID, ErrResultsSet)
	}
	e.resultsSet = true
	e.job.Results = slices.Clone(results)
	return nil
}

func pushAll(e *entry, lines []string) {
	for _, l := range lines {
		e.logs.Push(l)
	}
}

func snapshot(j model.Job) model.Job {
	j.Inputs = slices.Clone(j.Inputs)
	j.Results = slices.Clone(j.Results)
	if j.Results == nil {
		j.Results = []model.Artifact{}
	}
	return j
}
