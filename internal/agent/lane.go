// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package agent

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	pserr "github.com/partscout/partscout/pkg/errors"
)

const laneQueueSize = 64

// workItem is a unit of work submitted to a Lane. finished, when set, runs
// exactly once after the item leaves the lane, whether it ran or not.
type workItem struct {
	fn       func(context.Context) error
	ctx      context.Context
	result   chan<- error
	finished func()
}

// Lane runs the turns of one session one at a time, in submission order, so
// that load, run and append of concurrent requests never interleave.
type Lane struct {
	sessionID string
	queue     chan workItem
	done      chan struct{}
	closing   chan struct{} // closed once the lane stops accepting work

	stopOnce sync.Once
}

// NewLane starts a Lane for sessionID and its background goroutine. Call
// Close when it is no longer needed.
func NewLane(sessionID string) *Lane {
	l := &Lane{
		sessionID: sessionID,
		queue:     make(chan workItem, laneQueueSize),
		done:      make(chan struct{}),
		closing:   make(chan struct{}),
	}
	go l.run()
	return l
}

// run processes work items until the lane is stopped, then drains what is
// already queued.
func (l *Lane) run() {
	defer close(l.done)
	for {
		select {
		case w := <-l.queue:
			l.executeWork(w)
		case <-l.closing:
			for {
				select {
				case w := <-l.queue:
					l.executeWork(w)
				default:
					return
				}
			}
		}
	}
}

// executeWork runs w with panic recovery. Work whose submitter has already
// gone away is skipped.
func (l *Lane) executeWork(w workItem) {
	if w.finished != nil {
		defer w.finished()
	}
	if err := w.ctx.Err(); err != nil {
		w.result <- err
		return
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("lane worker panic recovered",
					"session_id", l.sessionID,
					"panic", r,
					"stack", string(debug.Stack()))
				err = pserr.Errorf(pserr.CodeAgentLoopFailure, "worker panic: %v", r)
			}
		}()
		err = w.fn(w.ctx)
	}()

	w.result <- err
}

// Submit enqueues fn and blocks until it has run. If ctx ends first,
// ctx.Err() is returned and fn is skipped when it has not started yet.
// A stopped lane rejects work with CodeAgentLaneClosed.
func (l *Lane) Submit(ctx context.Context, fn func(context.Context) error) error {
	return l.submit(ctx, fn, nil)
}

func (l *Lane) submit(ctx context.Context, fn func(context.Context) error, finished func()) error {
	enqueued := false
	defer func() {
		if !enqueued && finished != nil {
			finished()
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	// Checked first so a stopped lane never races a free queue slot.
	select {
	case <-l.closing:
		return pserr.New(pserr.CodeAgentLaneClosed, "lane is closed", pserr.FieldSessionID(l.sessionID))
	default:
	}

	result := make(chan error, 1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.closing:
		return pserr.New(pserr.CodeAgentLaneClosed, "lane is closed", pserr.FieldSessionID(l.sessionID))
	case l.queue <- workItem{fn: fn, ctx: ctx, result: result, finished: finished}:
		enqueued = true
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-result:
		return err
	}
}

// stop makes the lane reject new work without waiting for it to drain. It is
// safe to call from the lane's own goroutine.
func (l *Lane) stop() {
	l.stopOnce.Do(func() { close(l.closing) })
}

// Close stops the lane and waits for already queued work to finish. It is
// idempotent and safe for concurrent calls.
func (l *Lane) Close() {
	l.stop()
	<-l.done
}

// pooledLane counts the Do calls that hold a lane.
type pooledLane struct {
	lane *Lane
	refs int
}

// LanePool hands out one Lane per session. A lane exists only while work for
// its session is queued or running.
type LanePool struct {
	mu     sync.Mutex
	lanes  map[string]*pooledLane
	closed bool
}

// NewLanePool returns an empty LanePool.
func NewLanePool() *LanePool {
	return &LanePool{lanes: make(map[string]*pooledLane)}
}

// Do runs fn on the lane of sessionID, creating the lane if needed. The lane
// is stopped and dropped once its last piece of work leaves it.
func (p *LanePool) Do(ctx context.Context, sessionID string, fn func(context.Context) error) error {
	pl, err := p.acquire(sessionID)
	if err != nil {
		return err
	}
	return pl.lane.submit(ctx, fn, func() { p.release(sessionID, pl) })
}

func (p *LanePool) acquire(sessionID string) (*pooledLane, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, pserr.New(pserr.CodeAgentLaneClosed, "lane pool is closed", pserr.FieldSessionID(sessionID))
	}
	pl, ok := p.lanes[sessionID]
	if !ok {
		pl = &pooledLane{lane: NewLane(sessionID)}
		p.lanes[sessionID] = pl
	}
	pl.refs++
	return pl, nil
}

// release drops one reference to pl. Runs on the lane goroutine, so the
// idle lane is only stopped, never waited on.
func (p *LanePool) release(sessionID string, pl *pooledLane) {
	p.mu.Lock()
	pl.refs--
	idle := pl.refs == 0 && p.lanes[sessionID] == pl
	if idle {
		delete(p.lanes, sessionID)
	}
	p.mu.Unlock()

	if idle {
		pl.lane.stop()
	}
}

// Forget closes and removes the lane of sessionID, if any. Work already
// queued on it still runs.
func (p *LanePool) Forget(sessionID string) {
	p.mu.Lock()
	pl, ok := p.lanes[sessionID]
	delete(p.lanes, sessionID)
	p.mu.Unlock()
	if ok {
		pl.lane.Close()
	}
}

// Len reports the number of live lanes.
func (p *LanePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lanes)
}

// Close shuts down every lane. Later Do calls fail.
func (p *LanePool) Close() {
	p.mu.Lock()
	lanes := p.lanes
	p.lanes = make(map[string]*pooledLane)
	p.closed = true
	p.mu.Unlock()

	for _, pl := range lanes {
		pl.lane.Close()
	}
}
