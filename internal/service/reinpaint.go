package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/Camelia/internal/log"
	"github.com/CZERTAINLY/Camelia/internal/model"
	"github.com/CZERTAINLY/Camelia/internal/staging"
)

// Reinpaint runs the synthesis stage once more for a single image of a
// completed job, with a mask provided by the user. The new artifact is
// stored next to the job's results as <stem>_reinpaint_<n><ext> and
// appended to them.
func (r *JobRunner) Reinpaint(ctx context.Context, id, filename string, mask io.Reader) (model.Artifact, error) {
	job, err := r.reg.Get(id)
	if err != nil {
		return model.Artifact{}, err
	}
	if job.Status != model.StatusCompleted {
		return model.Artifact{}, fmt.Errorf("%s is %s: %w", id, job.Status, ErrNotCompleted)
	}
	name, err := staging.SafeName(filename)
	if err != nil {
		return model.Artifact{}, err
	}
	ctx = log.ContextAttrs(log.JobAttrs(ctx, id, string(job.Variant)), slog.String("file", name))
	if r.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, r.cfg.JobTimeout, ErrJobTimeout)
		defer cancel()
	}

	area, err := r.root.Area(id)
	if err != nil {
		return model.Artifact{}, err
	}
	orig, err := r.reinpaintSource(area, job, name)
	if err != nil {
		return model.Artifact{}, err
	}

	d, err := area.Scratch("reinpaint", job.Variant)
	if err != nil {
		return model.Artifact{}, fmt.Errorf("creating scratch directories: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(d.Root); err != nil {
			slog.WarnContext(ctx, "removing reinpaint scratch", "error", err)
		}
	}()

	// the stage pairs images and masks by file name
	staged := stem(name) + filepath.Ext(orig)
	if err := staging.CopyFile(orig, filepath.Join(d.Images, staged)); err != nil {
		return model.Artifact{}, fmt.Errorf("staging original: %w", err)
	}
	if err := writeFile(filepath.Join(d.Masks, staged), mask); err != nil {
		return model.Artifact{}, fmt.Errorf("staging mask: %w", err)
	}

	var sink func(context.Context, string)
	if logs, err := r.reg.Logs(id); err == nil {
		logs.Push("reinpaint started for " + name)
		sink = func(_ context.Context, line string) { logs.Push(line) }
	}
	p := r.cfg.Pipeline
	if err := p.RunStage(ctx, p.Synthesis, d, sink); err != nil {
		return model.Artifact{}, err
	}

	var out string
	for entry, err := range staging.Images(ctx, d.Output) {
		if err != nil {
			return model.Artifact{}, err
		}
		if stem(entry.Name()) == stem(name) {
			out = entry.Path()
			break
		}
	}
	if out == "" {
		return model.Artifact{}, ErrNoResults
	}

	r.naming.Lock()
	defer r.naming.Unlock()
	job, err = r.reg.Get(id)
	if err != nil {
		return model.Artifact{}, err
	}
	newName := reinpaintName(job.Results, name, filepath.Ext(out))
	a, err := area.Adopt(out, newName)
	if err != nil {
		return model.Artifact{}, err
	}
	if err := r.reg.AppendResult(id, a); err != nil {
		return model.Artifact{}, err
	}
	if logs, err := r.reg.Logs(id); err == nil {
		logs.Push("reinpaint produced " + a.Filename)
	}
	slog.InfoContext(ctx, "reinpaint finished", "result", a.Filename)
	return a, nil
}

// reinpaintSource finds the staged original of a result. Stages may change
// the extension, so inputs with the same stem are accepted too.
func (r *JobRunner) reinpaintSource(area *staging.Area, job model.Job, name string) (string, error) {
	base := name
	if i := strings.Index(stem(name), "_reinpaint_"); i >= 0 {
		base = stem(name)[:i] + filepath.Ext(name)
	}
	p, err := area.Original(base)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	for _, in := range job.Inputs {
		if stem(in) != stem(base) {
			continue
		}
		if p, err := area.Original(in); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("original of %s: %w", name, os.ErrNotExist)
}

// reinpaintName returns <stem>_reinpaint_<n><ext> with n one higher than
// any reinpaint of the same stem in results.
func reinpaintName(results []model.Artifact, name, ext string) string {
	s := stem(name)
	if i := strings.Index(s, "_reinpaint_"); i >= 0 {
		s = s[:i]
	}
	prefix := s + "_reinpaint_"
	n := 0
	for _, a := range results {
		rest, ok := strings.CutPrefix(stem(a.Filename), prefix)
		if !ok {
			continue
		}
		if i, err := strconv.Atoi(rest); err == nil && i > n {
			n = i
		}
	}
	return prefix + strconv.Itoa(n+1) + ext
}

func writeFile(path string, r io.Reader) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	_, err = io.Copy(f, r)
	return err
}
