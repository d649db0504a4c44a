package pipeline_test

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Camelia/internal/pipeline"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type lines struct {
	mx    sync.Mutex
	lines []string
	first chan struct{}
	once  sync.Once
}

func newLines() *lines {
	return &lines{first: make(chan struct{})}
}

func (l *lines) add(_ context.Context, line string) {
	l.mx.Lock()
	l.lines = append(l.lines, line)
	l.mx.Unlock()
	l.once.Do(func() { close(l.first) })
}

func (l *lines) get() []string {
	l.mx.Lock()
	defer l.mx.Unlock()
	return append([]string(nil), l.lines...)
}

func shell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}

func TestRunner(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	runner := pipeline.NewRunner()
	t.Run("not yet started", func(t *testing.T) {
		res := runner.Result()
		require.ErrorIs(t, res.Err, pipeline.ErrNotStarted)
		require.Equal(t, -1, res.ExitCode())
	})

	out := newLines()
	cmd := pipeline.Command{
		Path: sh,
		Args: []string{"-c", `echo one; echo two 1>&2; printf 'three\rfour\r\n'; echo; echo "$FOO $PYTHONUNBUFFERED"; exit 3`},
		Env:  []string{"FOO=bar"},
	}
	t.Run("merged output", func(t *testing.T) {
		err := runner.Start(t.Context(), cmd, out.add)
		require.NoError(t, err)
		res := runner.Wait()
		require.Equal(t, sh, res.Path)
		require.NotZero(t, res.Started)
		require.NotZero(t, res.Stopped)
		require.Equal(t, 3, res.ExitCode())
		var exitErr *exec.ExitError
		require.ErrorAs(t, res.Err, &exitErr)
		require.NoError(t, res.CtxErr)
		require.Equal(t, []string{"one", "two", "three", "four", "bar 1"}, out.get())
	})
	t.Run("exec error", func(t *testing.T) {
		noCmd := pipeline.Command{
			Path: "does not exist",
		}
		err := runner.Start(t.Context(), noCmd, nil)
		var execErr *exec.Error
		require.ErrorAs(t, err, &execErr)
		require.Equal(t, noCmd.Path, execErr.Name)
		require.ErrorIs(t, runner.Result().Err, err)
	})
}

func TestRunnerInProgress(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	ctx, cancel := context.WithCancel(t.Context())
	runner := pipeline.NewRunner()
	cmd := pipeline.Command{Path: sh, Args: []string{"-c", "sleep 30"}}
	require.NoError(t, runner.Start(ctx, cmd, nil))
	require.ErrorIs(t, runner.Start(ctx, cmd, nil), pipeline.ErrInProgress)
	require.ErrorIs(t, runner.Result().Err, pipeline.ErrInProgress)

	cancel()
	select {
	case <-runner.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process survived cancellation")
	}
	res := runner.Result()
	require.ErrorIs(t, res.CtxErr, context.Canceled)
	require.NotEqual(t, 0, res.ExitCode())
}

func TestRunnerCancel(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	var testCases = []struct {
		scenario string
		script   string
	}{
		{
			scenario: "children in the process group",
			script:   "sleep 30 & echo ready; sleep 30; wait",
		},
		{
			scenario: "SIGTERM ignored",
			script:   `trap "" TERM; echo ready; sleep 30`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()
			out := newLines()
			runner := pipeline.NewRunner()
			err := runner.Start(ctx, pipeline.Command{
				Path:  sh,
				Args:  []string{"-c", tc.script},
				Grace: 200 * time.Millisecond,
			}, out.add)
			require.NoError(t, err)
			<-out.first

			started := time.Now()
			cancel()
			select {
			case <-runner.Done():
			case <-time.After(10 * time.Second):
				t.Fatal("process survived cancellation")
			}
			require.Less(t, time.Since(started), 10*time.Second)
			res := runner.Result()
			require.Equal(t, -1, res.ExitCode())
			require.ErrorIs(t, res.CtxErr, context.Canceled)
			require.Equal(t, []string{"ready"}, out.get())
		})
	}
}

func TestRunnerTimeout(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	runner := pipeline.NewRunner()
	err := runner.Start(t.Context(), pipeline.Command{
		Path:    sh,
		Args:    []string{"-c", "sleep 30"},
		Timeout: 100 * time.Millisecond,
		Grace:   100 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	res := runner.Wait()
	require.ErrorIs(t, res.CtxErr, context.DeadlineExceeded)
	require.GreaterOrEqual(t, res.Stopped.Sub(res.Started), 100*time.Millisecond)
}

func TestRunnerCRLF(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	// the last line of every run must arrive although the output ends
	// with a separator already buffered by the scanner
	for range 20 {
		out := newLines()
		runner := pipeline.NewRunner()
		err := runner.Start(t.Context(), pipeline.Command{
			Path: sh,
			Args: []string{"-c", `printf 'epoch 1\r\nepoch 2\r\n\r\nsaved result\r\n'`},
		}, out.add)
		require.NoError(t, err)
		res := runner.Wait()
		require.Equal(t, 0, res.ExitCode())
		require.Equal(t, []string{"epoch 1", "epoch 2", "saved result"}, out.get())
	}
}

func TestRunnerLineNotDelayed(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	out := newLines()
	runner := pipeline.NewRunner()
	err := runner.Start(ctx, pipeline.Command{
		Path:  sh,
		Args:  []string{"-c", `printf '\r\nready\r\n'; sleep 30`},
		Grace: 100 * time.Millisecond,
	}, out.add)
	require.NoError(t, err)

	select {
	case <-out.first:
	case <-time.After(5 * time.Second):
		t.Fatal("line not forwarded while the process runs")
	}
	require.Equal(t, []string{"ready"}, out.get())
	cancel()
	<-runner.Done()
}
