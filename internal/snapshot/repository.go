package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/tildaslashalef/opsync/internal/loggy"
)

// ErrSnapshotNotFound is returned when no snapshot exists for an entity
var ErrSnapshotNotFound = errors.New("entity snapshot not found")

// Repository defines tenant-scoped operations over entity snapshots
type Repository interface {
	// Put stores or replaces the local state of an entity
	Put(ctx context.Context, snap *Snapshot) error

	// Get retrieves the snapshot of one entity
	Get(ctx context.Context, tenantID, storeName, entityID string) (*Snapshot, error)

	// List retrieves all snapshots of a store within a tenant
	List(ctx context.Context, tenantID, storeName string) ([]*Snapshot, error)

	// Delete removes the snapshot of one entity
	Delete(ctx context.Context, tenantID, storeName, entityID string) error

	// MarkSynced records that the server confirmed the entity's current state
	MarkSynced(ctx context.Context, tenantID, storeName, entityID string) error

	// Reconcile applies the server's canonical representation after a
	// successful sync. When the server assigned a new identity (create with a
	// client-generated placeholder id), the snapshot is re-keyed under the
	// server id and the placeholder row removed.
	Reconcile(ctx context.Context, tenantID, storeName, entityID string, entity json.RawMessage) error
}

var snapshotColumns = []string{
	"tenant_id", "store_name", "entity_id", "payload",
	"server_version", "synced_at", "created_at", "updated_at",
}

// SQLRepository implements Repository using a SQL database
type SQLRepository struct {
	db      *sql.DB
	logger  *loggy.Logger
	builder sq.StatementBuilderType
}

// NewSQLRepository creates a new snapshot SQL repository
func NewSQLRepository(db *sql.DB, logger *loggy.Logger) *SQLRepository {
	return &SQLRepository{
		db:      db,
		logger:  logger,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

// Put stores or replaces the local state of an entity
func (r *SQLRepository) Put(ctx context.Context, snap *Snapshot) error {
	if snap.TenantID == "" || snap.StoreName == "" || snap.EntityID == "" {
		return fmt.Errorf("snapshot requires tenant, store and entity ids")
	}

	now := time.Now().UTC()
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = now
	}
	snap.UpdatedAt = now

	query, args, err := r.builder.
		Insert("entity_snapshots").
		Columns(snapshotColumns...).
		Values(
			snap.TenantID, snap.StoreName, snap.EntityID, string(snap.Payload),
			snap.ServerVersion, snap.SyncedAt, snap.CreatedAt, snap.UpdatedAt,
		).
		Suffix(`ON CONFLICT (tenant_id, store_name, entity_id) DO UPDATE SET
			payload = excluded.payload,
			server_version = excluded.server_version,
			synced_at = excluded.synced_at,
			updated_at = excluded.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("building put snapshot query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing put snapshot query: %w", err)
	}

	return nil
}

// Get retrieves the snapshot of one entity
func (r *SQLRepository) Get(ctx context.Context, tenantID, storeName, entityID string) (*Snapshot, error) {
	query, args, err := r.builder.
		Select(snapshotColumns...).
		From("entity_snapshots").
		Where(sq.Eq{"tenant_id": tenantID, "store_name": storeName, "entity_id": entityID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get snapshot query: %w", err)
	}

	snap, err := scanSnapshot(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("executing get snapshot query: %w", err)
	}

	return snap, nil
}

// List retrieves all snapshots of a store within a tenant
func (r *SQLRepository) List(ctx context.Context, tenantID, storeName string) ([]*Snapshot, error) {
	query, args, err := r.builder.
		Select(snapshotColumns...).
		From("entity_snapshots").
		Where(sq.Eq{"tenant_id": tenantID, "store_name": storeName}).
		OrderBy("entity_id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list snapshots query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing list snapshots query: %w", err)
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		snaps = append(snaps, snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshot rows: %w", err)
	}

	return snaps, nil
}

// Delete removes the snapshot of one entity
func (r *SQLRepository) Delete(ctx context.Context, tenantID, storeName, entityID string) error {
	query, args, err := r.builder.
		Delete("entity_snapshots").
		Where(sq.Eq{"tenant_id": tenantID, "store_name": storeName, "entity_id": entityID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building delete snapshot query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing delete snapshot query: %w", err)
	}

	return nil
}

// MarkSynced records that the server confirmed the entity's current state
func (r *SQLRepository) MarkSynced(ctx context.Context, tenantID, storeName, entityID string) error {
	now := time.Now().UTC()

	query, args, err := r.builder.
		Update("entity_snapshots").
		Set("synced_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"tenant_id": tenantID, "store_name": storeName, "entity_id": entityID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building mark synced query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing mark synced query: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading mark synced result: %w", err)
	}
	if affected == 0 {
		return ErrSnapshotNotFound
	}

	return nil
}

// Reconcile applies the server's canonical representation after a successful sync
func (r *SQLRepository) Reconcile(ctx context.Context, tenantID, storeName, entityID string, entity json.RawMessage) error {
	var server serverEntity
	if len(entity) > 0 {
		if err := json.Unmarshal(entity, &server); err != nil {
			return fmt.Errorf("parsing server entity: %w", err)
		}
	}

	canonicalID := entityID
	if server.ID != "" {
		canonicalID = server.ID
	}

	now := time.Now().UTC()
	snap := &Snapshot{
		TenantID:      tenantID,
		StoreName:     storeName,
		EntityID:      canonicalID,
		Payload:       entity,
		ServerVersion: server.Version,
		SyncedAt:      &now,
	}

	if err := r.Put(ctx, snap); err != nil {
		return err
	}

	// Drop the placeholder row when the server assigned a different id
	if canonicalID != entityID {
		r.logger.Debug("Re-keyed snapshot after server assigned identity",
			"tenant_id", tenantID,
			"store_name", storeName,
			"placeholder_id", entityID,
			"server_id", canonicalID,
		)
		if err := r.Delete(ctx, tenantID, storeName, entityID); err != nil {
			return fmt.Errorf("removing placeholder snapshot: %w", err)
		}
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var (
		snap     Snapshot
		payload  sql.NullString
		syncedAt sql.NullTime
	)

	err := row.Scan(
		&snap.TenantID,
		&snap.StoreName,
		&snap.EntityID,
		&payload,
		&snap.ServerVersion,
		&syncedAt,
		&snap.CreatedAt,
		&snap.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid {
		snap.Payload = json.RawMessage(payload.String)
	}
	if syncedAt.Valid {
		t := syncedAt.Time
		snap.SyncedAt = &t
	}

	return &snap, nil
}
