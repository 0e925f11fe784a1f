package outbound

import (
	"context"
	"io"
	"sync"

	"github.com/tcpfs/tcpfs/common/errors"
	"github.com/tcpfs/tcpfs/proxy/tcpfs"
)

// Task is a transfer started on a Session.
type Task struct {
	id      string
	action  tcpfs.Action
	file    string
	channel string
	dest    io.Writer

	progress chan float64
	done     chan struct{}
	once     sync.Once

	result tcpfs.Result
	err    error
}

func newTask(req tcpfs.Request, dest io.Writer) *Task {
	return &Task{
		action:   req.Action,
		file:     req.File,
		channel:  req.Channel,
		dest:     dest,
		progress: make(chan float64, 1),
		done:     make(chan struct{}),
	}
}

func (t *Task) ID() string            { return t.id }
func (t *Task) Action() tcpfs.Action  { return t.action }
func (t *Task) File() string          { return t.file }
func (t *Task) Channel() string       { return t.channel }
func (t *Task) Done() <-chan struct{} { return t.done }

// Progress delivers completion fractions. Only the latest value is kept when the reader falls
// behind; a successful transfer always ends with 1. The channel is closed when the task ends.
func (t *Task) Progress() <-chan float64 { return t.progress }

// Wait blocks until the task ends or ctx is done. Leaving on ctx does not stop the transfer;
// closing the Session does.
func (t *Task) Wait(ctx context.Context) (tcpfs.Result, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return tcpfs.Result{}, ctx.Err()
	}
}

// Result returns the outcome once Done is closed.
func (t *Task) Result() (tcpfs.Result, error) {
	select {
	case <-t.done:
		return t.result, t.err
	default:
		return tcpfs.Result{}, errors.New("task ", t.id, " still running")
	}
}

// report is only called from the session read loop.
func (t *Task) report(fraction float64) {
	select {
	case t.progress <- fraction:
		return
	default:
	}
	select {
	case <-t.progress:
	default:
	}
	select {
	case t.progress <- fraction:
	default:
	}
}

func (t *Task) finish(res tcpfs.Result, err error) {
	t.once.Do(func() {
		if err == nil {
			t.report(1)
		}
		close(t.progress)
		if err == nil && t.dest != nil && res.Action == tcpfs.ActionDownload {
			// The destination may be slow; keep it off the read loop.
			go func() {
				if _, werr := t.dest.Write(res.Data); werr != nil {
					err = errors.New("failed to write ", res.File, " to destination").Base(werr)
				}
				t.result, t.err = res, err
				close(t.done)
			}()
			return
		}
		t.result, t.err = res, err
		close(t.done)
	})
}
