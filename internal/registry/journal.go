package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Journal actions.
const (
	ActionDeviceCreated = "device_created"
	ActionDeviceUpdated = "device_updated"
	ActionDeviceDeleted = "device_deleted"
	ActionEntityAdded   = "entity_added"
	ActionEntityRemoved = "entity_removed"
	ActionAreaSet       = "area_set"
	ActionScopeMigrated = "scope_migrated"
)

// JournalEntry records one structural change applied to the registry.
// Value-level changes are deliberately not journalled; they arrive far too
// often to be worth a row each.
type JournalEntry struct {
	ID          string         `json:"id"`
	HubID       string         `json:"hub_id"`
	Action      string         `json:"action"`
	SubjectType string         `json:"subject_type"`
	SubjectID   string         `json:"subject_id"`
	Details     map[string]any `json:"details,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// JournalFilter selects journal entries. Zero-value fields are ignored.
type JournalFilter struct {
	HubID       string
	Action      string
	SubjectType string
	Limit       int
	Offset      int
}

// JournalList is a page of journal entries plus the unpaged total.
type JournalList struct {
	Entries []JournalEntry `json:"entries"`
	Total   int            `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}

// AppendJournal stores a journal entry, generating ID and timestamp when
// unset.
func (r *SQLiteRepository) AppendJournal(ctx context.Context, entry *JournalEntry) error {
	if entry.ID == "" {
		entry.ID = "evt-" + uuid.NewString()[:8]
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var details any
	if entry.Details != nil {
		encoded, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = string(encoded)
	}

	query := `INSERT INTO sync_journal (id, hub_id, action, subject_type, subject_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.q.ExecContext(ctx, query,
		entry.ID, entry.HubID, entry.Action, entry.SubjectType, entry.SubjectID,
		details, entry.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// ListJournal retrieves journal entries matching the filter, newest first.
func (r *SQLiteRepository) ListJournal(ctx context.Context, filter JournalFilter) (*JournalList, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 {
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var (
		conditions []string
		args       []any
	)
	if filter.HubID != "" {
		conditions = append(conditions, "hub_id = ?")
		args = append(args, filter.HubID)
	}
	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.SubjectType != "" {
		conditions = append(conditions, "subject_type = ?")
		args = append(args, filter.SubjectType)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM sync_journal" + where //nolint:gosec // where is built from fixed fragments, values are bound
	if err := r.q.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count journal entries: %w", err)
	}

	query := `SELECT id, hub_id, action, subject_type, subject_id, details, created_at
		FROM sync_journal` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?` //nolint:gosec // same fixed fragments
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	list := &JournalList{
		Entries: []JournalEntry{},
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}

	for rows.Next() {
		var (
			entry     JournalEntry
			details   sql.NullString
			createdAt string
		)
		err := rows.Scan(&entry.ID, &entry.HubID, &entry.Action, &entry.SubjectType,
			&entry.SubjectID, &details, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}

		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &entry.Details); err != nil {
				return nil, fmt.Errorf("unmarshal details: %w", err)
			}
		}
		entry.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

		list.Entries = append(list.Entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}

	return list, nil
}
