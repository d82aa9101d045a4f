package escalation

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rendis/flowpilot/pkg/schema"
)

// QueueObserver is told about requests entering and leaving the queue.
type QueueObserver interface {
	ApprovalRequested(req ApprovalRequest)
	ApprovalResolved(req ApprovalRequest, decision ApprovalDecision)
}

// Queue is an in-process Approver: requests wait in a pending set until an
// operator resolves them (HTTP API, MCP tool) or the caller's context ends.
type Queue struct {
	mu       sync.Mutex
	pending  map[string]*pendingApproval
	observer QueueObserver
	now      func() time.Time
}

type pendingApproval struct {
	req      ApprovalRequest
	decision chan ApprovalDecision
}

// NewQueue creates an empty approval queue. observer may be nil.
func NewQueue(observer QueueObserver) *Queue {
	return &Queue{
		pending:  make(map[string]*pendingApproval),
		observer: observer,
		now:      time.Now,
	}
}

// RequestApproval enqueues req and blocks until it is resolved or ctx is done.
func (q *Queue) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	if req.ID == "" {
		return ApprovalDecision{}, schema.NewError(schema.ErrCodeValidation, "approval request id is empty")
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = q.now()
	}

	p := &pendingApproval{req: req, decision: make(chan ApprovalDecision, 1)}

	q.mu.Lock()
	if _, exists := q.pending[req.ID]; exists {
		q.mu.Unlock()
		return ApprovalDecision{}, schema.NewErrorf(schema.ErrCodeConflict, "approval %q already pending", req.ID)
	}
	q.pending[req.ID] = p
	q.mu.Unlock()

	if q.observer != nil {
		q.observer.ApprovalRequested(req)
	}

	select {
	case d := <-p.decision:
		return d, nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.pending, req.ID)
		q.mu.Unlock()
		// A resolve racing the cancellation wins.
		select {
		case d := <-p.decision:
			return d, nil
		default:
		}
		return ApprovalDecision{}, ctx.Err()
	}
}

// Resolve delivers a decision for a pending request. When the request names
// approvers, decision.Approver must be one of them.
func (q *Queue) Resolve(id string, decision ApprovalDecision) error {
	q.mu.Lock()
	p, ok := q.pending[id]
	if !ok {
		q.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "no pending approval %q", id)
	}
	if len(p.req.Approvers) > 0 && !slices.Contains(p.req.Approvers, decision.Approver) {
		q.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeValidation, "%q is not an approver for %q", decision.Approver, id).
			WithDetails(map[string]any{"approvers": p.req.Approvers})
	}
	delete(q.pending, id)
	q.mu.Unlock()

	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = q.now()
	}
	p.decision <- decision

	if q.observer != nil {
		q.observer.ApprovalResolved(p.req, decision)
	}
	return nil
}

// Pending lists waiting requests, oldest first.
func (q *Queue) Pending() []ApprovalRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]ApprovalRequest, 0, len(q.pending))
	for _, p := range q.pending {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get returns a pending request by id.
func (q *Queue) Get(id string) (ApprovalRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.pending[id]
	if !ok {
		return ApprovalRequest{}, false
	}
	return p.req, true
}

// AutoApprover answers every request immediately. Used in tests and for
// unattended deployments.
type AutoApprover struct {
	Approve  bool
	Approver string
	Comment  string
	Delay    time.Duration
}

func (a AutoApprover) RequestApproval(ctx context.Context, _ ApprovalRequest) (ApprovalDecision, error) {
	if a.Delay > 0 {
		t := time.NewTimer(a.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ApprovalDecision{}, ctx.Err()
		}
	}
	approver := a.Approver
	if approver == "" {
		approver = "auto"
	}
	return ApprovalDecision{
		Approved:  a.Approve,
		Approver:  approver,
		Comment:   a.Comment,
		DecidedAt: time.Now(),
	}, nil
}

var (
	_ Approver = (*Queue)(nil)
	_ Approver = AutoApprover{}
)
