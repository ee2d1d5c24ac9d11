package beacon

import (
	"context"
	"sync"
)

// Role is the arbitration role of a session handle.
type Role int

const (
	// RoleFollower buffers session requests until promoted.
	RoleFollower Role = iota
	// RoleLeader enqueues session requests directly.
	RoleLeader
)

// String returns the role name.
func (r Role) String() string {
	if r == RoleLeader {
		return "leader"
	}

	return "follower"
}

// Enqueuer accepts encoded requests. *Queue implements it.
type Enqueuer interface {
	Append(ctx context.Context, req string) error
}

// Arbiter lets only one of several concurrently open sessions emit session
// requests. Handles are kept in creation order; the head is the leader.
type Arbiter struct {
	queue  Enqueuer
	logger Logger

	mu      sync.Mutex
	handles []*SessionHandle
	seq     uint64
}

// SessionHandle is one open usage session.
type SessionHandle struct {
	arbiter *Arbiter
	id      uint64
	role    Role
	ended   bool
	pending []string
}

// NewArbiter constructs an Arbiter enqueuing into queue.
func NewArbiter(queue Enqueuer, logger Logger) *Arbiter {
	if logger == nil {
		logger = NopLogger{}
	}

	return &Arbiter{queue: queue, logger: logger}
}

// Open registers a new session. It leads when no other session is live.
func (a *Arbiter) Open() *SessionHandle {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.seq++
	h := &SessionHandle{arbiter: a, id: a.seq, role: RoleFollower}
	if len(a.handles) == 0 {
		h.role = RoleLeader
	}
	a.handles = append(a.handles, h)
	a.logger.Debug("beacon session opened", "session", h.id, "role", h.role.String())

	return h
}

// Live returns the number of registered handles, including ended followers
// still waiting to flush.
func (a *Arbiter) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.handles)
}

// Leader returns the current leader, nil when no session is open.
func (a *Arbiter) Leader() *SessionHandle {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.handles) == 0 {
		return nil
	}

	return a.handles[0]
}

// ID returns the handle sequence number.
func (h *SessionHandle) ID() uint64 {
	return h.id
}

// Role returns the current role.
func (h *SessionHandle) Role() Role {
	h.arbiter.mu.Lock()
	defer h.arbiter.mu.Unlock()

	return h.role
}

// Ended reports whether End was called.
func (h *SessionHandle) Ended() bool {
	h.arbiter.mu.Lock()
	defer h.arbiter.mu.Unlock()

	return h.ended
}

// Pending returns the number of buffered requests.
func (h *SessionHandle) Pending() int {
	h.arbiter.mu.Lock()
	defer h.arbiter.mu.Unlock()

	return len(h.pending)
}

// Record enqueues req when leading, otherwise buffers it.
func (h *SessionHandle) Record(ctx context.Context, req Request) error {
	a := h.arbiter
	a.mu.Lock()
	defer a.mu.Unlock()

	if h.ended {
		return ErrSessionEnded
	}

	return h.recordLocked(ctx, req.Encode())
}

// End closes the session. A leader hands leadership to the oldest surviving
// handle, which flushes its buffer. A follower keeps its place and flushes
// when it reaches the head.
func (h *SessionHandle) End(ctx context.Context) error {
	return h.EndWith(ctx, nil)
}

// EndWith records final (when non-nil) and closes the session in one step.
func (h *SessionHandle) EndWith(ctx context.Context, final *Request) error {
	a := h.arbiter
	a.mu.Lock()
	defer a.mu.Unlock()

	if h.ended {
		return ErrSessionEnded
	}
	if final != nil {
		if err := h.recordLocked(ctx, final.Encode()); err != nil {
			return err
		}
	}
	h.ended = true
	a.logger.Debug("beacon session ended", "session", h.id, "role", h.role.String())
	if h.role != RoleLeader {
		return nil
	}

	a.removeLocked(h)

	return a.promoteLocked(ctx)
}

func (h *SessionHandle) recordLocked(ctx context.Context, encoded string) error {
	if h.role == RoleLeader {
		return h.arbiter.queue.Append(ctx, encoded)
	}
	h.pending = append(h.pending, encoded)

	return nil
}

func (a *Arbiter) removeLocked(h *SessionHandle) {
	for i, candidate := range a.handles {
		if candidate == h {
			a.handles = append(a.handles[:i], a.handles[i+1:]...)

			return
		}
	}
}

// promoteLocked makes the oldest handle leader. Ended handles reaching the
// head flush their buffer and are removed, and promotion moves on.
func (a *Arbiter) promoteLocked(ctx context.Context) error {
	for len(a.handles) > 0 {
		head := a.handles[0]
		for len(head.pending) > 0 {
			if err := a.queue.Append(ctx, head.pending[0]); err != nil {
				head.role = RoleLeader

				return err
			}
			head.pending = head.pending[1:]
		}
		head.pending = nil
		if !head.ended {
			head.role = RoleLeader
			a.logger.Debug("beacon session promoted", "session", head.id)

			return nil
		}
		a.handles = a.handles[1:]
	}

	return nil
}
