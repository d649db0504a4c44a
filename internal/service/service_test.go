package service_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Camelia/internal/logchan"
	"github.com/CZERTAINLY/Camelia/internal/model"
	"github.com/CZERTAINLY/Camelia/internal/registry"
	"github.com/CZERTAINLY/Camelia/internal/service"
	"github.com/CZERTAINLY/Camelia/internal/staging"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fake stages: detection copies inputs into images/ and writes a mask for
// each, synthesis copies images/ into output/
const (
	detectScript = `for f in "$1"/*; do n=$(basename "$f"); cp "$f" "$2/images/$n"; cp "$f" "$2/masks/$n"; echo "segmented $n"; done`
	synthScript  = `for f in "$1"/*; do n=$(basename "$f"); cat "$f" "$3/$n" > "$2/$n" 2>/dev/null || cp "$f" "$2/$n"; echo "inpainted $n"; done`
	blockScript  = `touch "$1"; sleep 30`
)

type env struct {
	runner *service.JobRunner
	reg    *registry.Registry
	root   *staging.Root
	dir    string
}

func shell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}

func fakeConfig(t *testing.T) model.Config {
	t.Helper()
	sh := shell(t)
	cfg := model.DefaultConfig(t.Context())
	cfg.Detection = model.Stage{
		Path: sh,
		Args: []string{"-c", detectScript, "detect", "{{.Input}}", "{{.Root}}"},
	}
	cfg.Synthesis = model.Stage{
		Path: sh,
		Args: []string{"-c", synthScript, "synth", "{{.Images}}", "{{.Output}}", "{{.Masks}}"},
	}
	cfg.Service.CancelGrace = "1s"
	cfg.Retention = nil
	return cfg
}

func newEnv(t *testing.T, cfg model.Config) *env {
	t.Helper()
	dir := t.TempDir()
	root, err := staging.New(filepath.Join(dir, "temp"), filepath.Join(dir, "output"))
	require.NoError(t, err)
	svcCfg, err := service.ConfigFromModel(cfg)
	require.NoError(t, err)
	reg := registry.New()
	return &env{
		runner: service.NewJobRunner(svcCfg, reg, root),
		reg:    reg,
		root:   root,
		dir:    dir,
	}
}

// start runs the dispatcher until the test ends.
func (e *env) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Go(func() {
		err := e.runner.Do(ctx)
		require.NoError(t, err)
	})
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func (e *env) submit(t *testing.T, variant model.Variant, names ...string) string {
	t.Helper()
	dir, err := e.runner.NewUploadDir()
	require.NoError(t, err)
	files := make([]string, len(names))
	for i, n := range names {
		files[i] = filepath.Join(dir, n)
		require.NoError(t, os.WriteFile(files[i], []byte("image "+n), 0o644))
	}
	id, err := e.runner.Submit(t.Context(), variant, dir, files)
	require.NoError(t, err)
	return id
}

func (e *env) wait(t *testing.T, id string, status model.Status) model.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := e.reg.Get(id)
		require.NoError(t, err)
		return job.Status == status
	}, 10*time.Second, 10*time.Millisecond, "job %s did not reach %s", id, status)
	job, err := e.reg.Get(id)
	require.NoError(t, err)
	return job
}

func (e *env) logs(t *testing.T, id string) []string {
	t.Helper()
	ch, err := e.reg.Logs(id)
	require.NoError(t, err)
	return texts(ch.Drain())
}

func texts(lines []logchan.Line) []string {
	ret := make([]string, len(lines))
	for i, l := range lines {
		ret[i] = l.Text
	}
	return ret
}

func waitFile(t *testing.T, path string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 10*time.Second, 10*time.Millisecond, "%s not created", path)
}

func TestJobCompleted(t *testing.T) {
	t.Parallel()
	e := newEnv(t, fakeConfig(t))
	e.start(t)

	id := e.submit(t, model.VariantWhiteBars, "a.png", "b.png")
	job := e.wait(t, id, model.StatusCompleted)

	require.Equal(t, model.VariantWhiteBars, job.Variant)
	require.Equal(t, []string{"a.png", "b.png"}, job.Inputs)
	require.Empty(t, job.Error)
	require.NotZero(t, job.Started)
	require.NotZero(t, job.Finished)
	require.Len(t, job.Results, 2)
	require.Equal(t, "a.png", job.Results[0].Filename)
	require.Equal(t, "b.png", job.Results[1].Filename)

	p, err := e.runner.Result(id, "a.png")
	require.NoError(t, err)
	require.FileExists(t, p)
	orig, err := e.runner.Original(id, "b.png")
	require.NoError(t, err)
	b, err := os.ReadFile(orig)
	require.NoError(t, err)
	require.Equal(t, "image b.png", string(b))

	lines := e.logs(t, id)
	require.Contains(t, lines, "staged a.png")
	require.Contains(t, lines, "staged b.png")
	require.Contains(t, lines, "detection exited with code 0")
	require.Contains(t, lines, "synthesis exited with code 0")
	require.Contains(t, lines, "collected a.png")
	require.Equal(t, "job completed with 2 results", lines[len(lines)-1])
}

func TestLogOrder(t *testing.T) {
	t.Parallel()
	e := newEnv(t, fakeConfig(t))
	e.start(t)

	id := e.submit(t, model.VariantBlackBars, "only.png")
	e.wait(t, id, model.StatusCompleted)
	require.Equal(t, []string{
		"job " + id + " queued with 1 files",
		"staged only.png",
		"starting detection",
		"segmented only.png",
		"detection exited with code 0",
		"starting synthesis",
		"inpainted only.png",
		"synthesis exited with code 0",
		"collected only.png",
		"job completed with 1 results",
	}, e.logs(t, id))
}

func TestJobError(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	var testCases = []struct {
		scenario string
		given    func(*model.Config)
		then     string
	}{
		{
			scenario: "detection exit code",
			given: func(cfg *model.Config) {
				cfg.Detection.Args = []string{"-c", "echo no model 1>&2; exit 3"}
			},
			then: "detection exited with code 3",
		},
		{
			scenario: "synthesis exit code",
			given: func(cfg *model.Config) {
				cfg.Synthesis.Args = []string{"-c", "exit 1"}
			},
			then: "synthesis exited with code 1",
		},
		{
			scenario: "no results",
			given: func(cfg *model.Config) {
				cfg.Synthesis.Args = []string{"-c", "echo nothing to do"}
			},
			then: "no results produced",
		},
		{
			scenario: "watchdog",
			given: func(cfg *model.Config) {
				cfg.Detection.Args = []string{"-c", "sleep 30"}
				cfg.Service.JobTimeout = "1s"
			},
			then: "job timed out",
		},
		{
			scenario: "missing executable",
			given: func(cfg *model.Config) {
				cfg.Synthesis.Path = filepath.Join(filepath.Dir(sh), "does-not-exist")
			},
			then: "starting synthesis",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			cfg := fakeConfig(t)
			tc.given(&cfg)
			e := newEnv(t, cfg)
			e.start(t)

			id := e.submit(t, model.DefaultVariant, "a.png")
			job := e.wait(t, id, model.StatusError)
			require.Contains(t, job.Error, tc.then)
			require.Empty(t, job.Results)

			lines := e.logs(t, id)
			require.NotEmpty(t, lines)
			last := lines[len(lines)-1]
			require.True(t, strings.HasPrefix(last, "job failed: "), last)
			require.Contains(t, last, tc.then)
		})
	}
}

func TestFallback(t *testing.T) {
	t.Parallel()
	fallback := t.TempDir()
	// a file of another job must stay where it is
	require.NoError(t, os.WriteFile(filepath.Join(fallback, "other.png"), []byte("x"), 0o644))

	cfg := fakeConfig(t)
	cfg.Synthesis.Args = []string{"-c", `for f in "$1"/*; do cp "$f" "$2/"; done`, "synth", "{{.Images}}", fallback}
	cfg.Synthesis.FallbackDir = fallback
	e := newEnv(t, cfg)
	e.start(t)

	id := e.submit(t, model.DefaultVariant, "a.png")
	job := e.wait(t, id, model.StatusCompleted)
	require.Equal(t, []model.Artifact{{Filename: "a.png", Path: job.Results[0].Path}}, job.Results)
	require.Contains(t, e.logs(t, id), "fallback collection triggered")
	require.FileExists(t, filepath.Join(fallback, "other.png"))
	require.NoFileExists(t, filepath.Join(fallback, "a.png"))
}

func TestIsolatedResults(t *testing.T) {
	t.Parallel()
	cfg := fakeConfig(t)
	cfg.Service.Workers = 2
	e := newEnv(t, cfg)
	e.start(t)

	id1 := e.submit(t, model.VariantBlackBars, "one.png")
	id2 := e.submit(t, model.VariantWhiteBars, "two.png", "three.png")
	j1 := e.wait(t, id1, model.StatusCompleted)
	j2 := e.wait(t, id2, model.StatusCompleted)

	require.Equal(t, []string{"one.png"}, filenames(j1.Results))
	require.Equal(t, []string{"three.png", "two.png"}, filenames(j2.Results))
	_, err := e.runner.Result(id1, "two.png")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestCancel(t *testing.T) {
	t.Parallel()
	marker := filepath.Join(t.TempDir(), "started")
	cfg := fakeConfig(t)
	cfg.Detection.Args = []string{"-c", blockScript, "detect", marker}
	e := newEnv(t, cfg)
	e.start(t)

	id := e.submit(t, model.DefaultVariant, "a.png")
	waitFile(t, marker)

	area, err := e.root.Area(id)
	require.NoError(t, err)
	require.DirExists(t, area.Dir())

	status, err := e.runner.Cancel(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, status)

	// cancelled is a sink
	status, err = e.runner.Cancel(t.Context(), id)
	require.ErrorIs(t, err, service.ErrNotCancellable)
	require.Equal(t, model.StatusCancelled, status)

	require.Eventually(t, func() bool {
		_, err := os.Stat(area.Dir())
		return os.IsNotExist(err)
	}, 10*time.Second, 10*time.Millisecond)

	job, err := e.reg.Get(id)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, job.Status)
	require.Empty(t, job.Results)
	lines := e.logs(t, id)
	require.Equal(t, "cancellation requested", lines[len(lines)-1])
	require.NotContains(t, lines, "detection exited with code -1")
}

func TestCancelChattyStage(t *testing.T) {
	t.Parallel()
	marker := filepath.Join(t.TempDir(), "started")
	cfg := fakeConfig(t)
	cfg.Detection.Args = []string{"-c", `touch "$1"; while :; do echo tick; sleep 0.01; done`, "detect", marker}
	e := newEnv(t, cfg)
	e.start(t)

	id := e.submit(t, model.DefaultVariant, "a.png")
	waitFile(t, marker)
	area, err := e.root.Area(id)
	require.NoError(t, err)

	_, err = e.runner.Cancel(t.Context(), id)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := os.Stat(area.Dir())
		return os.IsNotExist(err)
	}, 10*time.Second, 10*time.Millisecond)

	// nothing is queued after the line which came with the status change
	lines := e.logs(t, id)
	require.Equal(t, len(lines)-1, slices.Index(lines, "cancellation requested"))
}

func TestCancelNotProcessing(t *testing.T) {
	t.Parallel()
	marker := filepath.Join(t.TempDir(), "started")
	cfg := fakeConfig(t)
	cfg.Detection.Args = []string{"-c", `[ -e "$2" ] && exit 0; touch "$2"; sleep 30`, "detect", "{{.Input}}", marker}
	cfg.Service.Workers = 1
	e := newEnv(t, cfg)
	e.start(t)

	first := e.submit(t, model.DefaultVariant, "a.png")
	waitFile(t, marker)
	second := e.submit(t, model.DefaultVariant, "b.png")

	status, err := e.runner.Cancel(t.Context(), second)
	require.ErrorIs(t, err, service.ErrNotCancellable)
	require.Equal(t, model.StatusQueued, status)

	_, err = e.runner.Cancel(t.Context(), "unknown")
	require.ErrorIs(t, err, registry.ErrNotFound)

	_, err = e.runner.Cancel(t.Context(), first)
	require.NoError(t, err)
	e.wait(t, first, model.StatusCancelled)

	// the second job gets the freed worker, its detection exits without
	// writing anything, so synthesis has no images to work on
	job := e.wait(t, second, model.StatusError)
	require.NotEmpty(t, job.Error)
	require.Empty(t, job.Results)
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	cfg := fakeConfig(t)
	cfg.Service.QueueSize = 1
	e := newEnv(t, cfg)

	// dispatcher is not running, so the queue never drains
	id := e.submit(t, model.DefaultVariant, "a.png")
	dir, err := e.runner.NewUploadDir()
	require.NoError(t, err)
	f := filepath.Join(dir, "b.png")
	require.NoError(t, os.WriteFile(f, []byte("b"), 0o644))
	_, err = e.runner.Submit(t.Context(), model.DefaultVariant, dir, []string{f})
	require.ErrorIs(t, err, service.ErrQueueFull)

	jobs := e.reg.List()
	require.Len(t, jobs, 1)
	require.Equal(t, id, jobs[0].ID)
	require.Equal(t, model.StatusQueued, jobs[0].Status)

	_, err = e.runner.Submit(t.Context(), model.DefaultVariant, dir, nil)
	require.ErrorIs(t, err, model.ErrNoFiles)
}

func TestQueueFullWorkersBusy(t *testing.T) {
	t.Parallel()
	marker := filepath.Join(t.TempDir(), "started")
	cfg := fakeConfig(t)
	cfg.Detection.Args = []string{"-c", blockScript, "detect", marker}
	cfg.Service.Workers = 1
	cfg.Service.QueueSize = 1
	e := newEnv(t, cfg)
	e.start(t)

	running := e.submit(t, model.DefaultVariant, "a.png")
	waitFile(t, marker)
	queued := e.submit(t, model.DefaultVariant, "b.png")

	// one running job plus queue_size waiting ones, never more
	dir, err := e.runner.NewUploadDir()
	require.NoError(t, err)
	f := filepath.Join(dir, "c.png")
	require.NoError(t, os.WriteFile(f, []byte("c"), 0o644))
	_, err = e.runner.Submit(t.Context(), model.DefaultVariant, dir, []string{f})
	require.ErrorIs(t, err, service.ErrQueueFull)

	job, err := e.reg.Get(queued)
	require.NoError(t, err)
	require.Equal(t, model.StatusQueued, job.Status)
	job, err = e.reg.Get(running)
	require.NoError(t, err)
	require.Equal(t, model.StatusProcessing, job.Status)
	_, err = e.runner.Cancel(t.Context(), running)
	require.NoError(t, err)
}

func TestShutdown(t *testing.T) {
	t.Parallel()
	marker := filepath.Join(t.TempDir(), "started")
	cfg := fakeConfig(t)
	cfg.Detection.Args = []string{"-c", blockScript, "detect", marker}
	e := newEnv(t, cfg)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- e.runner.Do(ctx)
	}()

	running := e.submit(t, model.DefaultVariant, "a.png")
	waitFile(t, marker)
	queued := e.submit(t, model.DefaultVariant, "b.png")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("job runner did not stop")
	}

	job, err := e.reg.Get(running)
	require.NoError(t, err)
	require.Equal(t, model.StatusError, job.Status)
	job, err = e.reg.Get(queued)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, job.Status)

	_, err = e.runner.Submit(t.Context(), model.DefaultVariant, t.TempDir(), []string{"c.png"})
	require.ErrorIs(t, err, service.ErrStopped)
}

func TestReinpaint(t *testing.T) {
	t.Parallel()
	e := newEnv(t, fakeConfig(t))
	e.start(t)

	id := e.submit(t, model.DefaultVariant, "a.png", "b.png")
	e.wait(t, id, model.StatusCompleted)

	a, err := e.runner.Reinpaint(t.Context(), id, "a.png", strings.NewReader("MASK"))
	require.NoError(t, err)
	require.Equal(t, "a_reinpaint_1.png", a.Filename)
	b, err := os.ReadFile(a.Path)
	require.NoError(t, err)
	// the fake synthesis concatenates image and mask
	require.Equal(t, "image a.pngMASK", string(b))

	a, err = e.runner.Reinpaint(t.Context(), id, "a_reinpaint_1.png", strings.NewReader("MASK"))
	require.NoError(t, err)
	require.Equal(t, "a_reinpaint_2.png", a.Filename)

	job, err := e.reg.Get(id)
	require.NoError(t, err)
	require.Equal(t, []string{"a.png", "b.png", "a_reinpaint_1.png", "a_reinpaint_2.png"}, filenames(job.Results))

	area, err := e.root.Area(id)
	require.NoError(t, err)
	entries, err := os.ReadDir(area.Dir())
	require.NoError(t, err)
	for _, d := range entries {
		require.False(t, strings.HasPrefix(d.Name(), "reinpaint-"), "scratch %s left behind", d.Name())
	}

	_, err = e.runner.Reinpaint(t.Context(), id, "../a.png", strings.NewReader("MASK"))
	require.ErrorIs(t, err, staging.ErrInvalidName)
	_, err = e.runner.Reinpaint(t.Context(), id, "missing.png", strings.NewReader("MASK"))
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = e.runner.Reinpaint(t.Context(), "unknown", "a.png", strings.NewReader("MASK"))
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestReinpaintNotCompleted(t *testing.T) {
	t.Parallel()
	cfg := fakeConfig(t)
	cfg.Detection.Args = []string{"-c", "exit 1"}
	e := newEnv(t, cfg)
	e.start(t)

	id := e.submit(t, model.DefaultVariant, "a.png")
	e.wait(t, id, model.StatusError)
	_, err := e.runner.Reinpaint(t.Context(), id, "a.png", strings.NewReader("MASK"))
	require.ErrorIs(t, err, service.ErrNotCompleted)
}

func TestFindOriginal(t *testing.T) {
	t.Parallel()
	e := newEnv(t, fakeConfig(t))
	e.start(t)

	id := e.submit(t, model.DefaultVariant, "x.png")
	e.wait(t, id, model.StatusCompleted)

	p, err := e.runner.FindOriginal("x.png")
	require.NoError(t, err)
	require.FileExists(t, p)
	_, err = e.runner.FindOriginal("y.png")
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = e.runner.FindOriginal("../x.png")
	require.ErrorIs(t, err, staging.ErrInvalidName)
}

func TestSweep(t *testing.T) {
	t.Parallel()
	cfg := fakeConfig(t)
	cfg.Retention = &model.Retention{TTL: "1h", Sweep: model.Schedule{Duration: "1h"}}
	e := newEnv(t, cfg)
	past := time.Now().UTC().Add(-2 * time.Hour)
	e.reg.WithClock(func() time.Time { return past })
	e.start(t)

	id := e.submit(t, model.DefaultVariant, "a.png")
	e.wait(t, id, model.StatusCompleted)
	area, err := e.root.Area(id)
	require.NoError(t, err)
	require.DirExists(t, area.Results())

	require.NoError(t, e.runner.Sweep(t.Context()))
	_, err = e.reg.Get(id)
	require.ErrorIs(t, err, registry.ErrNotFound)
	require.NoDirExists(t, area.Dir())
	require.NoDirExists(t, area.Results())
}

func TestConfigFromModel(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig(t.Context())
	cfg.Service.JobTimeout = "1h30m"
	svc, err := service.ConfigFromModel(cfg)
	require.NoError(t, err)
	require.Equal(t, 1, svc.Workers)
	require.Equal(t, 64, svc.QueueSize)
	require.Equal(t, 90*time.Minute, svc.JobTimeout)
	require.Equal(t, 24*time.Hour, svc.Retention.TTL)
	require.Equal(t, 10*time.Second, svc.Pipeline.Grace)

	cfg.Retention.TTL = "forever"
	_, err = service.ConfigFromModel(cfg)
	require.ErrorContains(t, err, "retention.ttl")
}

func filenames(as []model.Artifact) []string {
	ret := make([]string, len(as))
	for i, a := range as {
		ret[i] = a.Filename
	}
	return ret
}
