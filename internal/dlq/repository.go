package dlq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskhub/taskhub/internal/store"
)

// Repository provides DLQ storage. Entries are append-only apart from the
// replay audit columns.
type Repository interface {
	Insert(ctx context.Context, entry *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	// GetByTaskCode returns the most recent entry for a task code.
	GetByTaskCode(ctx context.Context, taskCode string) (*Entry, error)
	// GetByMessageID returns the most recent entry for a message id.
	GetByMessageID(ctx context.Context, messageID string) (*Entry, error)
	// List returns a page of entries, newest first, plus the total count.
	List(ctx context.Context, page, pageSize int) ([]*Entry, int, error)
	// StampReplay records who replayed the entry, when and why.
	StampReplay(ctx context.Context, id, who, why string, when time.Time) error
	Close() error
}

const entryColumns = `id, task_id, task_code, message_id, snapshot, reason_code,
	last_error, trace_id, created_at, replay_who, replay_when, replay_why`

// SQLRepository implements Repository on the relational store.
type SQLRepository struct {
	store *store.Store
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository creates a DLQ repository backed by the store.
func NewSQLRepository(st *store.Store) *SQLRepository {
	return &SQLRepository{store: st}
}

// Close is a no-op; the store owns the connections.
func (r *SQLRepository) Close() error { return nil }

func (r *SQLRepository) Insert(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.SnapshotJSON == "" {
		entry.SnapshotJSON = "{}"
	}
	db := r.store.Writer()
	_, err := db.ExecContext(ctx, db.Rebind(`INSERT INTO dlq (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, entry.TaskID, entry.TaskCode, entry.MessageID,
		entry.SnapshotJSON, entry.ReasonCode, entry.LastError, entry.TraceID,
		entry.CreatedAt, entry.ReplayWho, entry.ReplayWhen, entry.ReplayWhy)
	return store.Classify(err)
}

func (r *SQLRepository) Get(ctx context.Context, id string) (*Entry, error) {
	return r.getOne(ctx, `SELECT `+entryColumns+` FROM dlq WHERE id = ?`, id)
}

func (r *SQLRepository) GetByTaskCode(ctx context.Context, taskCode string) (*Entry, error) {
	return r.getOne(ctx, `SELECT `+entryColumns+` FROM dlq
		WHERE task_code = ? ORDER BY created_at DESC LIMIT 1`, taskCode)
}

func (r *SQLRepository) GetByMessageID(ctx context.Context, messageID string) (*Entry, error) {
	return r.getOne(ctx, `SELECT `+entryColumns+` FROM dlq
		WHERE message_id = ? ORDER BY created_at DESC LIMIT 1`, messageID)
}

func (r *SQLRepository) getOne(ctx context.Context, query, arg string) (*Entry, error) {
	db := r.store.Reader()
	entry := &Entry{}
	err := db.GetContext(ctx, entry, db.Rebind(query), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.Classify(err)
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *SQLRepository) List(ctx context.Context, page, pageSize int) ([]*Entry, int, error) {
	db := r.store.Reader()

	var total int
	if err := db.GetContext(ctx, &total, `SELECT COUNT(*) FROM dlq`); err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	var entries []*Entry
	err := db.SelectContext(ctx, &entries, db.Rebind(`SELECT `+entryColumns+` FROM dlq
		ORDER BY created_at DESC LIMIT ? OFFSET ?`), pageSize, offset)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (r *SQLRepository) StampReplay(ctx context.Context, id, who, why string, when time.Time) error {
	db := r.store.Writer()
	res, err := db.ExecContext(ctx, db.Rebind(`UPDATE dlq
		SET replay_who = ?, replay_when = ?, replay_why = ? WHERE id = ?`),
		who, when, why, id)
	if err != nil {
		return store.Classify(err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: dlq entry %s", store.ErrNotFound, id)
	}
	return nil
}

// MemoryRepository is an in-memory DLQ repository used by tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory DLQ repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: make(map[string]*Entry)}
}

// Close is a no-op.
func (r *MemoryRepository) Close() error { return nil }

func (r *MemoryRepository) Insert(ctx context.Context, entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.SnapshotJSON == "" {
		entry.SnapshotJSON = "{}"
	}
	cp := *entry
	r.entries[entry.ID] = &cp
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: dlq entry %s", store.ErrNotFound, id)
	}
	cp := *entry
	return &cp, nil
}

func (r *MemoryRepository) GetByTaskCode(ctx context.Context, taskCode string) (*Entry, error) {
	return r.latest(func(e *Entry) bool { return e.TaskCode == taskCode }, "task_code "+taskCode)
}

func (r *MemoryRepository) GetByMessageID(ctx context.Context, messageID string) (*Entry, error) {
	return r.latest(func(e *Entry) bool { return e.MessageID == messageID }, "message_id "+messageID)
}

func (r *MemoryRepository) latest(match func(*Entry) bool, desc string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *Entry
	for _, e := range r.entries {
		if !match(e) {
			continue
		}
		if found == nil || e.CreatedAt.After(found.CreatedAt) {
			found = e
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: dlq entry for %s", store.ErrNotFound, desc)
	}
	cp := *found
	return &cp, nil
}

func (r *MemoryRepository) List(ctx context.Context, page, pageSize int) ([]*Entry, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		cp := *e
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	start := (page - 1) * pageSize
	if start >= total {
		return nil, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (r *MemoryRepository) StampReplay(ctx context.Context, id, who, why string, when time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: dlq entry %s", store.ErrNotFound, id)
	}
	e.ReplayWho = who
	e.ReplayWhy = why
	w := when
	e.ReplayWhen = &w
	return nil
}
