package chat

import (
	"context"
	"time"

	"github.com/hyperjump/shiori/internal/models"
)

type result struct {
	resp *Response
	err  error
}

// job is one queued turn. session is set when the turn starts a new session, and
// onDelta when the answer is streamed.
type job struct {
	ctx     context.Context
	req     Request
	session *models.Session
	onDelta func(string) error
	done    chan result
}

// actor owns one session. pending counts senders that have acquired the actor but
// whose job has not been picked up yet; it is guarded by Orchestrator.mu.
type actor struct {
	sessionID string
	jobs      chan *job
	pending   int
}

const actorQueue = 16

func (o *Orchestrator) acquire(sessionID string) (*actor, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	a, ok := o.actors[sessionID]
	if !ok {
		a = &actor{sessionID: sessionID, jobs: make(chan *job, actorQueue)}
		o.actors[sessionID] = a
		o.wg.Add(1)
		go o.loop(a)
	}
	a.pending++
	return a, nil
}

func (o *Orchestrator) release(a *actor) {
	o.mu.Lock()
	a.pending--
	o.mu.Unlock()
}

// loop processes the session's jobs one at a time and exits after the idle timeout
// once nobody is waiting to submit.
func (o *Orchestrator) loop(a *actor) {
	defer o.wg.Done()
	idle := time.NewTimer(o.idle)
	defer idle.Stop()
	for {
		select {
		case j := <-a.jobs:
			o.release(a)
			o.process(j)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(o.idle)
		case <-idle.C:
			if o.reap(a) {
				return
			}
			idle.Reset(o.idle)
		case <-o.ctx.Done():
			o.drain(a)
			return
		}
	}
}

func (o *Orchestrator) process(j *job) {
	if err := j.ctx.Err(); err != nil {
		j.done <- result{err: err}
		return
	}
	ctx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	stop := context.AfterFunc(o.ctx, cancel)
	defer stop()
	resp, err := o.answer(ctx, j)
	j.done <- result{resp: resp, err: err}
}

// reap removes the actor if it has no queued or arriving work.
func (o *Orchestrator) reap(a *actor) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if a.pending > 0 || len(a.jobs) > 0 {
		return false
	}
	delete(o.actors, a.sessionID)
	return true
}

func (o *Orchestrator) drain(a *actor) {
	for {
		select {
		case j := <-a.jobs:
			j.done <- result{err: ErrClosed}
		default:
			return
		}
	}
}

func (o *Orchestrator) activeSessions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.actors)
}
