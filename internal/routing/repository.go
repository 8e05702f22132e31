package routing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskhub/taskhub/internal/store"
)

// AuditEntry is one append-only routing decision record.
type AuditEntry struct {
	ID        string    `db:"id"`
	TraceID   string    `db:"trace_id"`
	Decision  string    `db:"routing_decision"`
	Input     string    `db:"input"`
	Output    string    `db:"output"`
	CreatedAt time.Time `db:"created_at"`
}

// Repository provides rule reads and audit appends.
type Repository interface {
	// ListRules returns all rules ordered by priority DESC.
	ListRules(ctx context.Context) ([]*Rule, error)
	// AppendAudit inserts one audit row. Audit rows are never updated.
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	Close() error
}

// SQLRepository implements Repository on the relational store.
type SQLRepository struct {
	store *store.Store
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository creates a routing repository backed by the store.
func NewSQLRepository(st *store.Store) *SQLRepository {
	return &SQLRepository{store: st}
}

// Close is a no-op; the store owns the connections.
func (r *SQLRepository) Close() error { return nil }

func (r *SQLRepository) ListRules(ctx context.Context) ([]*Rule, error) {
	db := r.store.Reader()
	var rules []*Rule
	err := db.SelectContext(ctx, &rules, `SELECT id, condition, target_worker, priority, created_at, updated_at
		FROM routing_rules ORDER BY priority DESC, id ASC`)
	return rules, err
}

func (r *SQLRepository) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	db := r.store.Writer()
	_, err := db.ExecContext(ctx, db.Rebind(`INSERT INTO routing_audit
		(id, trace_id, routing_decision, input, output, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		entry.ID, entry.TraceID, entry.Decision, entry.Input, entry.Output, entry.CreatedAt)
	return store.Classify(err)
}

// MemoryRepository is an in-memory routing repository used by tests.
type MemoryRepository struct {
	mu    sync.RWMutex
	rules map[string]*Rule
	audit []*AuditEntry
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an in-memory repository seeded with rules.
func NewMemoryRepository(rules ...*Rule) *MemoryRepository {
	r := &MemoryRepository{rules: make(map[string]*Rule)}
	for _, rule := range rules {
		cp := *rule
		r.rules[rule.ID] = &cp
	}
	return r
}

// Close is a no-op.
func (r *MemoryRepository) Close() error { return nil }

func (r *MemoryRepository) ListRules(ctx context.Context) ([]*Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		cp := *rule
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryRepository) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	cp := *entry
	r.audit = append(r.audit, &cp)
	return nil
}

// AuditLog returns a copy of the recorded audit entries.
func (r *MemoryRepository) AuditLog() []*AuditEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*AuditEntry, len(r.audit))
	for i, e := range r.audit {
		cp := *e
		out[i] = &cp
	}
	return out
}

// DefaultRules returns the six seed rules used when no store is present.
func DefaultRules() []*Rule {
	now := time.Now().UTC()
	mk := func(id, cond, target string, prio int) *Rule {
		return &Rule{ID: id, Condition: cond, TargetWorker: target, Priority: prio, CreatedAt: now, UpdatedAt: now}
	}
	return []*Rule{
		mk("R1", `area = ci/exchange`, "Trae", 100),
		mk("R2", `owner_role = SRE Engineer`, "Cursor", 90),
		mk("R3", `priority >= 2`, "Trae", 80),
		mk("R4", `area = ci/controlplane`, "Trae", 70),
		mk("R5", `task_code starts with "ATA-"`, "Trae", 60),
		mk("R6", `default`, "Other", 10),
	}
}
