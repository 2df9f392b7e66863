package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Repository abstracts registry persistence so reconciliation logic can be
// tested without a database.
type Repository interface {
	// InTx runs fn against a transactional view of the repository. All
	// writes made through the view commit together or not at all.
	InTx(ctx context.Context, fn func(Repository) error) error

	GetDevice(ctx context.Context, key string) (*Record, error)
	ListDevices(ctx context.Context) ([]*Record, error)
	ListDevicesByHub(ctx context.Context, hubID string) ([]*Record, error)
	CreateDevice(ctx context.Context, rec *Record) error
	UpdateDevice(ctx context.Context, rec *Record) error
	DeleteDevice(ctx context.Context, key string) error

	ListEntities(ctx context.Context, deviceKey string) ([]Entity, error)
	ListAllEntities(ctx context.Context) ([]Entity, error)
	CreateEntity(ctx context.Context, ent *Entity) error
	UpdateEntity(ctx context.Context, ent *Entity) error
	DeleteEntity(ctx context.Context, id string) error

	ReplaceZones(ctx context.Context, hubID string, zones []ZoneRecord) error
	ListZones(ctx context.Context, hubID string) ([]ZoneRecord, error)
	ReplaceFlows(ctx context.Context, hubID string, flows []FlowRecord) error
	ListFlows(ctx context.Context, hubID string) ([]FlowRecord, error)

	AppendJournal(ctx context.Context, entry *JournalEntry) error
	ListJournal(ctx context.Context, filter JournalFilter) (*JournalList, error)
}

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteRepository implements Repository backed by SQLite.
type SQLiteRepository struct {
	db *sql.DB // nil on transactional views
	q  dbtx
}

// NewSQLiteRepository creates a repository using the given database handle.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, q: db}
}

// InTx runs fn against a transaction-scoped view. Calling InTx on a view
// that is already transactional just runs fn in the same transaction.
func (r *SQLiteRepository) InTx(ctx context.Context, fn func(Repository) error) error {
	if r.db == nil {
		return fn(r)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	view := &SQLiteRepository{q: tx}
	if err := fn(view); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// rowScanner abstracts sql.Row and sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

const deviceColumns = `key, hub_id, device_id, name, class, zone_id, area, area_auto,
	driver_id, driver_version, virtual, available, stale, capabilities,
	first_seen, last_seen, created_at, updated_at`

// GetDevice retrieves a device by scope key.
func (r *SQLiteRepository) GetDevice(ctx context.Context, key string) (*Record, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE key = ?`

	rec, err := scanRecord(r.q.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return rec, nil
}

// ListDevices retrieves all devices ordered by scope key.
func (r *SQLiteRepository) ListDevices(ctx context.Context) ([]*Record, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY key`
	return r.queryDevices(ctx, query)
}

// ListDevicesByHub retrieves all devices mirrored from one hub.
func (r *SQLiteRepository) ListDevicesByHub(ctx context.Context, hubID string) ([]*Record, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE hub_id = ? ORDER BY key`
	return r.queryDevices(ctx, query, hubID)
}

func (r *SQLiteRepository) queryDevices(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return records, nil
}

// CreateDevice inserts a new device record.
func (r *SQLiteRepository) CreateDevice(ctx context.Context, rec *Record) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.FirstSeen.IsZero() {
		rec.FirstSeen = now
	}
	if rec.LastSeen.IsZero() {
		rec.LastSeen = now
	}

	caps, err := json.Marshal(rec.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	query := `INSERT INTO devices (` + deviceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.q.ExecContext(ctx, query,
		rec.Key, rec.HubID, rec.DeviceID, rec.Name,
		rec.Class, rec.ZoneID, rec.Area, rec.AreaAuto,
		rec.DriverID, rec.DriverVersion,
		boolToInt(rec.Virtual), boolToInt(rec.Available), boolToInt(rec.Stale),
		string(caps),
		rec.FirstSeen.Format(time.RFC3339), rec.LastSeen.Format(time.RFC3339),
		rec.CreatedAt.Format(time.RFC3339), rec.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrRecordExists
		}
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

// UpdateDevice persists all mutable fields of an existing device.
func (r *SQLiteRepository) UpdateDevice(ctx context.Context, rec *Record) error {
	rec.UpdatedAt = time.Now().UTC()

	caps, err := json.Marshal(rec.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	query := `UPDATE devices SET
		name = ?, class = ?, zone_id = ?, area = ?, area_auto = ?,
		driver_id = ?, driver_version = ?, virtual = ?, available = ?, stale = ?,
		capabilities = ?, last_seen = ?, updated_at = ?
		WHERE key = ?`

	result, err := r.q.ExecContext(ctx, query,
		rec.Name, rec.Class, rec.ZoneID, rec.Area, rec.AreaAuto,
		rec.DriverID, rec.DriverVersion,
		boolToInt(rec.Virtual), boolToInt(rec.Available), boolToInt(rec.Stale),
		string(caps),
		rec.LastSeen.Format(time.RFC3339), rec.UpdatedAt.Format(time.RFC3339),
		rec.Key,
	)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// DeleteDevice removes a device; its entities cascade.
func (r *SQLiteRepository) DeleteDevice(ctx context.Context, key string) error {
	result, err := r.q.ExecContext(ctx, `DELETE FROM devices WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

const entityColumns = `id, device_key, slot, kind, name, config, created_at, updated_at`

// ListEntities retrieves the entities of one device ordered by slot.
func (r *SQLiteRepository) ListEntities(ctx context.Context, deviceKey string) ([]Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE device_key = ? ORDER BY slot`
	return r.queryEntities(ctx, query, deviceKey)
}

// ListAllEntities retrieves every entity ordered by device then slot.
func (r *SQLiteRepository) ListAllEntities(ctx context.Context) ([]Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities ORDER BY device_key, slot`
	return r.queryEntities(ctx, query)
}

func (r *SQLiteRepository) queryEntities(ctx context.Context, query string, args ...any) ([]Entity, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		ent, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, *ent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return entities, nil
}

// CreateEntity inserts a new entity, generating an ID when none is set.
func (r *SQLiteRepository) CreateEntity(ctx context.Context, ent *Entity) error {
	if ent.ID == "" {
		ent.ID = "ent-" + uuid.NewString()[:8]
	}
	now := time.Now().UTC()
	if ent.CreatedAt.IsZero() {
		ent.CreatedAt = now
	}
	ent.UpdatedAt = now

	config, err := json.Marshal(ent.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	query := `INSERT INTO entities (` + entityColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.q.ExecContext(ctx, query,
		ent.ID, ent.DeviceKey, ent.Slot, ent.Kind, ent.Name, string(config),
		ent.CreatedAt.Format(time.RFC3339), ent.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrEntityExists
		}
		return fmt.Errorf("insert entity: %w", err)
	}
	return nil
}

// UpdateEntity persists kind and config changes. The entity name is
// deliberately not updated here; names are fixed at creation.
func (r *SQLiteRepository) UpdateEntity(ctx context.Context, ent *Entity) error {
	ent.UpdatedAt = time.Now().UTC()

	config, err := json.Marshal(ent.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	query := `UPDATE entities SET kind = ?, config = ?, updated_at = ? WHERE id = ?`

	result, err := r.q.ExecContext(ctx, query,
		ent.Kind, string(config), ent.UpdatedAt.Format(time.RFC3339), ent.ID,
	)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrEntityNotFound
	}
	return nil
}

// DeleteEntity removes a single entity by ID.
func (r *SQLiteRepository) DeleteEntity(ctx context.Context, id string) error {
	result, err := r.q.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrEntityNotFound
	}
	return nil
}

// ReplaceZones swaps the stored zone mirror of one hub for the given set.
func (r *SQLiteRepository) ReplaceZones(ctx context.Context, hubID string, zones []ZoneRecord) error {
	return r.InTx(ctx, func(repo Repository) error {
		view := repo.(*SQLiteRepository)

		if _, err := view.q.ExecContext(ctx, `DELETE FROM zones WHERE hub_id = ?`, hubID); err != nil {
			return fmt.Errorf("clear zones: %w", err)
		}

		now := time.Now().UTC().Format(time.RFC3339)
		for _, zone := range zones {
			_, err := view.q.ExecContext(ctx,
				`INSERT INTO zones (hub_id, zone_id, name, parent_id, updated_at) VALUES (?, ?, ?, ?, ?)`,
				hubID, zone.ZoneID, zone.Name, zone.ParentID, now,
			)
			if err != nil {
				return fmt.Errorf("insert zone %s: %w", zone.ZoneID, err)
			}
		}
		return nil
	})
}

// ListZones retrieves the mirrored zones of one hub ordered by name.
func (r *SQLiteRepository) ListZones(ctx context.Context, hubID string) ([]ZoneRecord, error) {
	query := `SELECT hub_id, zone_id, name, parent_id, updated_at
		FROM zones WHERE hub_id = ? ORDER BY name`

	rows, err := r.q.QueryContext(ctx, query, hubID)
	if err != nil {
		return nil, fmt.Errorf("query zones: %w", err)
	}
	defer rows.Close()

	var zones []ZoneRecord
	for rows.Next() {
		var (
			zone      ZoneRecord
			updatedAt string
		)
		if err := rows.Scan(&zone.HubID, &zone.ZoneID, &zone.Name, &zone.ParentID, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan zone: %w", err)
		}
		zone.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		zones = append(zones, zone)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate zones: %w", err)
	}
	return zones, nil
}

// ReplaceFlows swaps the stored flow mirror of one hub for the given set.
func (r *SQLiteRepository) ReplaceFlows(ctx context.Context, hubID string, flows []FlowRecord) error {
	return r.InTx(ctx, func(repo Repository) error {
		view := repo.(*SQLiteRepository)

		if _, err := view.q.ExecContext(ctx, `DELETE FROM flows WHERE hub_id = ?`, hubID); err != nil {
			return fmt.Errorf("clear flows: %w", err)
		}

		now := time.Now().UTC().Format(time.RFC3339)
		for _, flow := range flows {
			_, err := view.q.ExecContext(ctx,
				`INSERT INTO flows (hub_id, flow_id, name, kind, enabled, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
				hubID, flow.FlowID, flow.Name, flow.Kind, boolToInt(flow.Enabled), now,
			)
			if err != nil {
				return fmt.Errorf("insert flow %s: %w", flow.FlowID, err)
			}
		}
		return nil
	})
}

// ListFlows retrieves the mirrored flows of one hub ordered by name.
func (r *SQLiteRepository) ListFlows(ctx context.Context, hubID string) ([]FlowRecord, error) {
	query := `SELECT hub_id, flow_id, name, kind, enabled, updated_at
		FROM flows WHERE hub_id = ? ORDER BY name`

	rows, err := r.q.QueryContext(ctx, query, hubID)
	if err != nil {
		return nil, fmt.Errorf("query flows: %w", err)
	}
	defer rows.Close()

	var flows []FlowRecord
	for rows.Next() {
		var (
			flow      FlowRecord
			enabled   int
			updatedAt string
		)
		if err := rows.Scan(&flow.HubID, &flow.FlowID, &flow.Name, &flow.Kind, &enabled, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan flow: %w", err)
		}
		flow.Enabled = enabled != 0
		flow.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		flows = append(flows, flow)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flows: %w", err)
	}
	return flows, nil
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec                                       Record
		virtual, available, stale                 int
		caps                                      string
		firstSeen, lastSeen, createdAt, updatedAt string
	)

	err := row.Scan(
		&rec.Key, &rec.HubID, &rec.DeviceID, &rec.Name,
		&rec.Class, &rec.ZoneID, &rec.Area, &rec.AreaAuto,
		&rec.DriverID, &rec.DriverVersion,
		&virtual, &available, &stale, &caps,
		&firstSeen, &lastSeen, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Virtual = virtual != 0
	rec.Available = available != 0
	rec.Stale = stale != 0

	if caps != "" {
		if err := json.Unmarshal([]byte(caps), &rec.Capabilities); err != nil {
			return nil, fmt.Errorf("unmarshal capabilities: %w", err)
		}
	}

	rec.FirstSeen, _ = time.Parse(time.RFC3339, firstSeen)
	rec.LastSeen, _ = time.Parse(time.RFC3339, lastSeen)
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &rec, nil
}

func scanEntity(row rowScanner) (*Entity, error) {
	var (
		ent                  Entity
		config               string
		createdAt, updatedAt string
	)

	err := row.Scan(&ent.ID, &ent.DeviceKey, &ent.Slot, &ent.Kind, &ent.Name, &config, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if config != "" {
		if err := json.Unmarshal([]byte(config), &ent.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	ent.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	ent.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &ent, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
