// Package logchan implements the per-job queue of log lines between the
// goroutine running a job and the clients streaming its log.
//
// The queue is unbounded so a producer never blocks on a slow reader, and
// reads consume: with several readers every line goes to exactly one of them.
package logchan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrTimeout = errors.New("no log line within timeout")
	ErrClosed  = errors.New("log channel closed")
)

// Line is a single raw text record.
type Line struct {
	Time time.Time
	Text string
}

type Channel struct {
	mx     sync.Mutex
	lines  []Line
	notify chan struct{} // closed and replaced on every push
	closed bool
}

func New() *Channel {
	return &Channel{notify: make(chan struct{})}
}

// Push appends a line. Lines pushed after Close are dropped.
func (c *Channel) Push(text string) {
	c.push(Line{Time: time.Now().UTC(), Text: text})
}

func (c *Channel) Pushf(format string, args ...any) {
	c.Push(fmt.Sprintf(format, args...))
}

func (c *Channel) push(l Line) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.closed {
		return
	}
	c.lines = append(c.lines, l)
	close(c.notify)
	c.notify = make(chan struct{})
}

// Next removes and returns the oldest line, waiting at most timeout for one
// to arrive. Lines queued before Close are still returned after it.
func (c *Channel) Next(ctx context.Context, timeout time.Duration) (Line, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		c.mx.Lock()
		if len(c.lines) > 0 {
			l := c.pop()
			c.mx.Unlock()
			return l, nil
		}
		if c.closed {
			c.mx.Unlock()
			return Line{}, ErrClosed
		}
		wait := c.notify
		c.mx.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			return Line{}, ErrTimeout
		case <-ctx.Done():
			return Line{}, ctx.Err()
		}
	}
}

// Drain removes and returns every queued line.
func (c *Channel) Drain() []Line {
	c.mx.Lock()
	defer c.mx.Unlock()
	lines := c.lines
	c.lines = nil
	return lines
}

func (c *Channel) Len() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return len(c.lines)
}

// Close wakes up all waiting readers. It is safe to call more than once.
func (c *Channel) Close() {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.notify)
}

// must be called with c.mx held and len(c.lines) > 0
func (c *Channel) pop() Line {
	l := c.lines[0]
	c.lines[0] = Line{}
	c.lines = c.lines[1:]
	if len(c.lines) == 0 {
		c.lines = nil
	}
	return l
}
