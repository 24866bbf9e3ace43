package ike

import (
	"sync"
	"time"

	"github.com/oxhide/ikev2/platform"
	"github.com/oxhide/ikev2/protocol"
)

// RequestKind names the kind of local action a LocalRequest asks the
// session to take once it is idle.
type RequestKind string

const (
	ReqChildCreate RequestKind = "child-create"
	ReqChildRekey  RequestKind = "child-rekey"
	ReqChildDelete RequestKind = "child-delete"
	ReqIkeRekey    RequestKind = "ike-rekey"
	ReqInfo        RequestKind = "info"
)

// LocalRequest is one item on the Local Request Queue: something this
// side wants to originate (a fresh Child SA, a rekey, a delete, a
// liveness probe) once the session has no exchange outstanding.
type LocalRequest struct {
	ID      string
	Kind    RequestKind
	ChildID string // target Child SA for rekey/delete; empty for a fresh create

	TsI, TsR []*protocol.Selector // traffic selectors for a fresh create
}

// Scheduler is the session's Local Request Queue (mandatory per the
// IKE SA's rekey/create/delete model): a plain FIFO, dequeued only
// while the owning Session is idle, since CREATE_CHILD_SA and
// INFORMATIONAL exchanges are as strictly lock-step as IKE_SA_INIT/
// IKE_AUTH (RFC 7296 §2.3) - at most one local request is ever
// in flight.
type Scheduler struct {
	mu        sync.Mutex
	queue     []*LocalRequest
	cancelled map[string]bool

	clock platform.Clock
	exec  platform.Executor

	ready chan struct{}
}

func NewScheduler(clock platform.Clock, exec platform.Executor) *Scheduler {
	return &Scheduler{
		cancelled: make(map[string]bool),
		clock:     clock,
		exec:      exec,
		ready:     make(chan struct{}, 1),
	}
}

// Ready fires whenever the queue goes from empty to non-empty, so a
// Session blocked in its select can wake up and try a dequeue. It is
// not a reliable edge-count signal (a Session that misses the nudge
// because it was mid-exchange must re-check once it goes idle instead
// of relying on a repeat nudge), only a nudge.
func (s *Scheduler) Ready() <-chan struct{} { return s.ready }

func (s *Scheduler) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Enqueue appends req to the tail of the queue.
func (s *Scheduler) Enqueue(req *LocalRequest) {
	s.mu.Lock()
	s.queue = append(s.queue, req)
	s.mu.Unlock()
	s.signal()
}

// Dequeue pops the oldest not-cancelled request. Callers must only call
// this while the session is idle (state Mature, nothing outstanding) -
// the scheduler itself has no notion of the session's state.
func (s *Scheduler) Dequeue() (*LocalRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) > 0 {
		req := s.queue[0]
		s.queue = s.queue[1:]
		if s.cancelled[req.ID] {
			delete(s.cancelled, req.ID)
			continue
		}
		return req, true
	}
	return nil, false
}

// Cancel marks a not-yet-dispatched request, by ID, as void so Dequeue
// skips it. A no-op once the request has already been dequeued and
// dispatched.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[id] = true
}

// ScheduleRetry re-enqueues req after d elapses, off the session's own
// goroutine, on the Scheduler's Executor.
func (s *Scheduler) ScheduleRetry(req *LocalRequest, d time.Duration) {
	s.exec.Go(func() {
		<-s.clock.After(d)
		s.Enqueue(req)
	})
}
