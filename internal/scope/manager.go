package scope

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-hublink/internal/registry"
)

// Logger matches the structured logger used across the service.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// HubScope is the stored scope state of one hub.
type HubScope struct {
	HubID      string     `json:"hub_id"`
	Prefixed   bool       `json:"prefixed"`
	FirstSeen  time.Time  `json:"first_seen"`
	MigratedAt *time.Time `json:"migrated_at,omitempty"`
}

// RetiredKey maps a pre-migration scope key to its composite successor.
type RetiredKey struct {
	OldKey    string    `json:"old_key"`
	NewKey    string    `json:"new_key"`
	HubID     string    `json:"hub_id"`
	RetiredAt time.Time `json:"retired_at"`
}

// Manager derives scope keys for registry records. With a single hub
// configured, keys are the bare upstream device IDs. The moment a second
// hub registers, every hub is migrated once to composite "<hub>:<id>"
// keys; the migration rewrites all existing registry rows in one
// transaction per hub and records the old keys so consumers can follow
// the rename. One Manager instance is shared by all hub coordinators;
// its lock is what serialises the migration across them.
type Manager struct {
	db       *sql.DB
	registry *registry.Registry

	mu       sync.RWMutex
	prefixed map[string]bool

	callbackMu sync.RWMutex
	onMigrated func(hubID string, migrated int)

	loggerMu sync.RWMutex
	logger   Logger
}

// NewManager creates a scope manager over the given database handle.
// Call Load before serving Key lookups.
func NewManager(db *sql.DB, reg *registry.Registry) *Manager {
	return &Manager{
		db:       db,
		registry: reg,
		prefixed: make(map[string]bool),
		logger:   noopLogger{},
	}
}

// SetLogger attaches a logger. Safe to call at any time.
func (m *Manager) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	m.loggerMu.Lock()
	m.logger = logger
	m.loggerMu.Unlock()
}

func (m *Manager) log() Logger {
	m.loggerMu.RLock()
	defer m.loggerMu.RUnlock()
	return m.logger
}

// SetOnMigrated registers the callback fired once per hub when its keys
// are rewritten to composite form. Migrations happen at most once per
// hub for the lifetime of the database.
func (m *Manager) SetOnMigrated(fn func(hubID string, migrated int)) {
	m.callbackMu.Lock()
	m.onMigrated = fn
	m.callbackMu.Unlock()
}

// Load restores the prefixed state of known hubs from storage.
func (m *Manager) Load(ctx context.Context) error {
	rows, err := m.db.QueryContext(ctx, `SELECT hub_id, prefixed FROM scope_hubs`)
	if err != nil {
		return fmt.Errorf("load scope hubs: %w", err)
	}
	defer rows.Close()

	state := make(map[string]bool)
	for rows.Next() {
		var (
			hubID    string
			prefixed int
		)
		if err := rows.Scan(&hubID, &prefixed); err != nil {
			return fmt.Errorf("scan scope hub: %w", err)
		}
		state[hubID] = prefixed != 0
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate scope hubs: %w", err)
	}

	m.mu.Lock()
	m.prefixed = state
	m.mu.Unlock()
	return nil
}

// Key returns the scope key for a device of the given hub: the bare
// local ID while the hub is unprefixed, "<hub>:<id>" afterwards.
func (m *Manager) Key(hubID, localID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.prefixed[hubID] {
		return hubID + ":" + localID
	}
	return localID
}

type migration struct {
	hubID    string
	migrated int
}

// EnsureHub registers a hub. Registering the second hub (and any later
// one) triggers the composite-key migration for every hub that still
// carries bare keys. Single-hub installs are never touched.
func (m *Manager) EnsureHub(ctx context.Context, hubID string) error {
	migrations, err := m.ensureHubLocked(ctx, hubID)
	if err != nil {
		return err
	}
	if len(migrations) == 0 {
		return nil
	}

	m.callbackMu.RLock()
	fn := m.onMigrated
	m.callbackMu.RUnlock()
	if fn != nil {
		for _, mg := range migrations {
			// A hub with no stored records yet has nothing to announce.
			if mg.migrated > 0 {
				fn(mg.hubID, mg.migrated)
			}
		}
	}
	return nil
}

func (m *Manager) ensureHubLocked(ctx context.Context, hubID string) ([]migration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := m.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO scope_hubs (hub_id, prefixed, first_seen) VALUES (?, 0, ?)`,
		hubID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("register hub: %w", err)
	}

	var prefixed int
	err = m.db.QueryRowContext(ctx, `SELECT prefixed FROM scope_hubs WHERE hub_id = ?`, hubID).Scan(&prefixed)
	if err != nil {
		return nil, fmt.Errorf("read hub scope: %w", err)
	}
	m.prefixed[hubID] = prefixed != 0

	var hubs int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scope_hubs`).Scan(&hubs); err != nil {
		return nil, fmt.Errorf("count hubs: %w", err)
	}
	if hubs < 2 {
		return nil, nil
	}

	pending, err := m.unprefixedHubs(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	migrations := make([]migration, 0, len(pending))
	for _, hub := range pending {
		migrated, err := m.migrateHub(ctx, hub)
		if err != nil {
			return nil, fmt.Errorf("migrate hub %s: %w", hub, err)
		}
		m.prefixed[hub] = true
		migrations = append(migrations, migration{hubID: hub, migrated: migrated})
		m.log().Warn("hub rescoped to composite keys", "hub_id", hub, "migrated", migrated)
	}

	if err := m.registry.RefreshCache(ctx); err != nil {
		return nil, fmt.Errorf("refresh registry after migration: %w", err)
	}
	return migrations, nil
}

func (m *Manager) unprefixedHubs(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT hub_id FROM scope_hubs WHERE prefixed = 0 ORDER BY hub_id`)
	if err != nil {
		return nil, fmt.Errorf("list unprefixed hubs: %w", err)
	}
	defer rows.Close()

	var hubs []string
	for rows.Next() {
		var hub string
		if err := rows.Scan(&hub); err != nil {
			return nil, fmt.Errorf("scan hub: %w", err)
		}
		hubs = append(hubs, hub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hubs: %w", err)
	}
	return hubs, nil
}

// migrateHub rewrites every bare key of one hub to composite form in a
// single transaction. Bare keys are exactly those still equal to the
// upstream device ID, so a rerun finds nothing to do.
func (m *Manager) migrateHub(ctx context.Context, hubID string) (int, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	// Parent and child keys are rewritten in the same transaction, so
	// foreign key checks must wait for commit.
	if _, err := tx.ExecContext(ctx, `PRAGMA defer_foreign_keys = ON`); err != nil {
		return 0, fmt.Errorf("defer foreign keys: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO retired_keys (old_key, new_key, hub_id, retired_at)
		 SELECT key, ? || ':' || key, hub_id, ? FROM devices WHERE hub_id = ? AND key = device_id`,
		hubID, now, hubID,
	)
	if err != nil {
		return 0, fmt.Errorf("record retired keys: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE devices SET key = ? || ':' || key, updated_at = ? WHERE hub_id = ? AND key = device_id`,
		hubID, now, hubID,
	)
	if err != nil {
		return 0, fmt.Errorf("rewrite device keys: %w", err)
	}
	migrated, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE entities SET device_key = ? || ':' || device_key
		 WHERE device_key IN (SELECT old_key FROM retired_keys WHERE hub_id = ?)`,
		hubID, hubID,
	)
	if err != nil {
		return 0, fmt.Errorf("rewrite entity keys: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE scope_hubs SET prefixed = 1, migrated_at = ? WHERE hub_id = ?`,
		now, hubID,
	)
	if err != nil {
		return 0, fmt.Errorf("mark hub prefixed: %w", err)
	}

	details, err := json.Marshal(map[string]any{"migrated": migrated})
	if err != nil {
		return 0, fmt.Errorf("marshal details: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sync_journal (id, hub_id, action, subject_type, subject_id, details, created_at)
		 VALUES (?, ?, ?, 'hub', ?, ?, ?)`,
		"evt-"+uuid.NewString()[:8], hubID, registry.ActionScopeMigrated, hubID, string(details), now,
	)
	if err != nil {
		return 0, fmt.Errorf("journal migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit migration: %w", err)
	}
	return int(migrated), nil
}

// Resolve follows a retired key to its composite successor. Keys that
// were never migrated come back unchanged.
func (m *Manager) Resolve(ctx context.Context, key string) (string, error) {
	var newKey string
	err := m.db.QueryRowContext(ctx, `SELECT new_key FROM retired_keys WHERE old_key = ?`, key).Scan(&newKey)
	if errors.Is(err, sql.ErrNoRows) {
		return key, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve key: %w", err)
	}
	return newKey, nil
}

// Hubs lists the stored scope state of every known hub.
func (m *Manager) Hubs(ctx context.Context) ([]HubScope, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT hub_id, prefixed, first_seen, migrated_at FROM scope_hubs ORDER BY hub_id`)
	if err != nil {
		return nil, fmt.Errorf("query scope hubs: %w", err)
	}
	defer rows.Close()

	var hubs []HubScope
	for rows.Next() {
		var (
			hub        HubScope
			prefixed   int
			firstSeen  string
			migratedAt sql.NullString
		)
		if err := rows.Scan(&hub.HubID, &prefixed, &firstSeen, &migratedAt); err != nil {
			return nil, fmt.Errorf("scan scope hub: %w", err)
		}
		hub.Prefixed = prefixed != 0
		hub.FirstSeen, _ = time.Parse(time.RFC3339, firstSeen)
		if migratedAt.Valid {
			when, _ := time.Parse(time.RFC3339, migratedAt.String)
			hub.MigratedAt = &when
		}
		hubs = append(hubs, hub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scope hubs: %w", err)
	}
	return hubs, nil
}

// Retired lists the retired keys of one hub.
func (m *Manager) Retired(ctx context.Context, hubID string) ([]RetiredKey, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT old_key, new_key, hub_id, retired_at FROM retired_keys WHERE hub_id = ? ORDER BY old_key`,
		hubID,
	)
	if err != nil {
		return nil, fmt.Errorf("query retired keys: %w", err)
	}
	defer rows.Close()

	var keys []RetiredKey
	for rows.Next() {
		var (
			key       RetiredKey
			retiredAt string
		)
		if err := rows.Scan(&key.OldKey, &key.NewKey, &key.HubID, &retiredAt); err != nil {
			return nil, fmt.Errorf("scan retired key: %w", err)
		}
		key.RetiredAt, _ = time.Parse(time.RFC3339, retiredAt)
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retired keys: %w", err)
	}
	return keys, nil
}
