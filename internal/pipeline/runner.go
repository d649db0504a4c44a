package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"
)

var (
	ErrNotStarted = errors.New("process not started")
	ErrInProgress = errors.New("process in progress")
)

// DefaultGrace is the time a process gets between SIGTERM and SIGKILL when
// Command.Grace is zero.
const DefaultGrace = 10 * time.Second

const maxLine = 1024 * 1024

// LineFunc receives every line the process writes to stdout or stderr.
type LineFunc func(ctx context.Context, line string)

type Command struct {
	Path    string
	Args    []string
	Env     []string // KEY=VALUE, merged over the service environment
	Dir     string
	Timeout time.Duration
	Grace   time.Duration
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Err     error
	// CtxErr is the state of the process context when it exited, it tells
	// cancellation and timeout apart from a regular exit.
	CtxErr error
}

// ExitCode returns the exit code of the process or -1 if it did not exit
// normally.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Runner supervises a single external process. The process runs in its own
// process group so signals reach every child it spawns.
type Runner struct {
	mx     sync.RWMutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	result Result
	done   chan struct{}
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

// Start runs the process and returns without waiting for it. stdout and
// stderr are merged into one stream and every line is passed to lineFunc in
// the order of emission. Returns ErrInProgress if the runner already
// supervises a process.
func (r *Runner) Start(ctx context.Context, proto Command, lineFunc LineFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: slices.Clone(proto.Args),
	}

	if proto.Timeout > 0 {
		ctx, r.cancel = context.WithTimeout(ctx, proto.Timeout)
	} else {
		ctx, r.cancel = context.WithCancel(ctx)
	}
	grace := proto.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Dir = proto.Dir
	cmd.Env = environ(os.Environ(), proto.Env)
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process, syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	pr, pw, err := os.Pipe()
	if err != nil {
		r.cancel()
		r.result.Err = err
		return err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		r.cancel()
		_ = pw.Close()
		_ = pr.Close()
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return err
	}
	// the child owns the write end now
	_ = pw.Close()

	r.cmd = cmd
	r.done = make(chan struct{})
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		processLines(ctx, pr, lineFunc)
	}()
	go r.wait(ctx, cmd, pr, scanned)
	return nil
}

func (r *Runner) wait(ctx context.Context, cmd *exec.Cmd, pr *os.File, scanned <-chan struct{}) {
	err := cmd.Wait()
	ctxErr := ctx.Err()
	// children left behind keep the pipe open
	_ = signalGroup(cmd.Process, syscall.SIGKILL)
	<-scanned
	_ = pr.Close()
	r.cancel()
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.result.CtxErr = ctxErr
	r.cmd = nil
	close(r.done)
}

func processLines(ctx context.Context, r io.Reader, lineFunc LineFunc) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	scanner.Split(scanLines)
	for scanner.Scan() {
		if lineFunc != nil {
			lineFunc(ctx, scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		slog.ErrorContext(ctx, "processing output", "error", err)
		// keep draining so the process never blocks on a full pipe
		_, _ = io.Copy(io.Discard, r)
	}
}

// scanLines splits on \n, \r\n and a bare \r, which progress bars use to
// redraw a line. Empty lines are dropped. Separators in front of a line are
// skipped in the same call, a token is never withheld while data is
// buffered.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) && (data[start] == '\r' || data[start] == '\n') {
		start++
	}
	if start == len(data) {
		return start, nil, nil
	}
	if i := bytes.IndexAny(data[start:], "\r\n"); i >= 0 {
		return start + i + 1, data[start : start+i], nil
	}
	if atEOF {
		return len(data), data[start:], nil
	}
	return start, nil, nil
}

// Done is closed once the process has exited and all its output was
// forwarded. It returns nil if no process was started.
func (r *Runner) Done() <-chan struct{} {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.done
}

// Wait blocks until the process ends and returns its result.
func (r *Runner) Wait() Result {
	if done := r.Done(); done != nil {
		<-done
	}
	return r.Result()
}

// Result returns the last result, or one with ErrNotStarted/ErrInProgress.
func (r *Runner) Result() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.cmd != nil {
		ret := r.result
		ret.Err = ErrInProgress
		return ret
	}
	return r.result
}

// environ merges overrides into base. Later keys win; PYTHONUNBUFFERED is
// always set so stages flush every line.
func environ(base, overrides []string) []string {
	all := slices.Concat(base, overrides, []string{"PYTHONUNBUFFERED=1"})
	seen := make(map[string]int, len(all))
	ret := make([]string, 0, len(all))
	for _, kv := range all {
		key, _, _ := strings.Cut(kv, "=")
		if i, ok := seen[key]; ok {
			ret[i] = kv
			continue
		}
		seen[key] = len(ret)
		ret = append(ret, kv)
	}
	return ret
}
