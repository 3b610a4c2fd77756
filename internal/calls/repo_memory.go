package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository for tests and local runs.
type MemoryRepo struct {
	mu      sync.Mutex
	calls   map[string]Call
	order   []string
	blocked map[string]string
	clock   func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		calls:   map[string]Call{},
		blocked: map[string]string{},
		clock:   time.Now,
	}
}

func (r *MemoryRepo) Insert(ctx context.Context, c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(c)
}

func (r *MemoryRepo) insertLocked(c Call) error {
	if c.ID == "" || c.UserID == "" {
		return ErrInvalidArgument
	}
	if _, ok := r.calls[c.ID]; ok {
		return ErrInvalidArgument
	}
	if statusIn(c.Status, OpenStatuses) && r.hasOpenLocked(c.UserID, c.EID) {
		return ErrDuplicateOpenCall
	}
	now := r.clock().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	r.calls[c.ID] = c
	r.order = append(r.order, c.ID)
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) FindByConversationID(ctx context.Context, conversationID string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conversationID == "" {
		return Call{}, ErrNotFound
	}
	for _, c := range r.calls {
		if c.ProviderConversationID == conversationID {
			return c, nil
		}
	}
	return Call{}, ErrNotFound
}

func (r *MemoryRepo) ListByUser(ctx context.Context, userID string, limit int, statuses ...Status) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for i := len(r.order) - 1; i >= 0; i-- {
		c := r.calls[r.order[i]]
		if c.UserID != userID {
			continue
		}
		if len(statuses) > 0 && !statusIn(c.Status, statuses) {
			continue
		}
		out = append(out, c)
	}
	// newest first, insertion order breaks ties
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) ProjectedSeconds(ctx context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.projectedLocked(userID), nil
}

func (r *MemoryRepo) projectedLocked(userID string) int {
	sum := 0
	for _, c := range r.calls {
		if c.UserID == userID && c.Status.Active() {
			sum += c.ProjectedSeconds
		}
	}
	return sum
}

func (r *MemoryRepo) HasOpenCall(ctx context.Context, userID, eID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasOpenLocked(userID, eID), nil
}

func (r *MemoryRepo) hasOpenLocked(userID, eID string) bool {
	for _, c := range r.calls {
		if c.UserID == userID && c.EID == eID && statusIn(c.Status, OpenStatuses) {
			return true
		}
	}
	return false
}

func (r *MemoryRepo) Transition(ctx context.Context, req TransitionRequest) (Call, bool, error) {
	if err := req.Validate(); err != nil {
		return Call{}, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(req)
}

func (r *MemoryRepo) transitionLocked(req TransitionRequest) (Call, bool, error) {
	c, ok := r.calls[req.CallID]
	if !ok {
		return Call{}, false, ErrNotFound
	}
	if !statusIn(c.Status, req.From) {
		return c, false, nil
	}
	c.Status = req.To
	req.Patch.apply(&c)
	c.UpdatedAt = r.clock().UTC()
	r.calls[c.ID] = c
	return c, true, nil
}

func (r *MemoryRepo) Update(ctx context.Context, id string, p Patch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return ErrNotFound
	}
	p.apply(&c)
	c.UpdatedAt = r.clock().UTC()
	r.calls[id] = c
	return nil
}

func (r *MemoryRepo) IsBlocked(ctx context.Context, eID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blocked[eID]
	return ok, nil
}

func (r *MemoryRepo) Block(ctx context.Context, eID, reason string, at time.Time) error {
	if eID == "" {
		return ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked[eID] = reason
	return nil
}

// Atomically runs fn with the repository locked. The ledger's in-memory
// repository uses it so that the account version check, the call insert and
// the call transition of one mutation commit together.
func (r *MemoryRepo) Atomically(fn func(tx *MemoryTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(&MemoryTx{r: r})
}

// MemoryTx exposes the locked operations inside Atomically.
type MemoryTx struct{ r *MemoryRepo }

func (t *MemoryTx) Insert(c Call) error { return t.r.insertLocked(c) }

func (t *MemoryTx) Transition(req TransitionRequest) (Call, bool, error) {
	if err := req.Validate(); err != nil {
		return Call{}, false, err
	}
	return t.r.transitionLocked(req)
}

func (t *MemoryTx) ProjectedSeconds(userID string) int { return t.r.projectedLocked(userID) }
