package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"focusdeck/internal/domain"
	"focusdeck/internal/models"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// NotifyChannel is the postgres channel the change triggers publish to.
const NotifyChannel = "focusdeck_changes"

// PostgresStore implements the remote side of the sync pipeline on plain
// postgres. Every entity table has the same shape: opaque JSONB payload plus
// the version, ownership and soft-delete columns the sync protocol needs.
type PostgresStore struct {
	db  *sql.DB
	dsn string
	log zerolog.Logger
}

// NewPostgresStore opens and pings the remote database.
func NewPostgresStore(dsn string, logger *zerolog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "remote").Logger()
	}

	return &PostgresStore{db: db, dsn: dsn, log: log}, nil
}

// DSN returns the connection string, used by the change feed listener.
func (s *PostgresStore) DSN() string {
	return s.dsn
}

// Ping reports connectivity; the orchestrator uses it as the online probe.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// syncTables whitelists identifiers interpolated into SQL. Everything else
// goes through placeholders.
var syncTables = func() map[string]bool {
	out := make(map[string]bool)
	for _, entity := range models.EntityTypes() {
		out[models.TableFor(entity)] = true
	}
	return out
}()

func checkTable(table string) error {
	if !syncTables[table] {
		return fmt.Errorf("unknown sync table %q", table)
	}
	return nil
}

// EnsureSchema creates the entity tables and the change-notification
// triggers. Idempotent; runs at daemon startup.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const tableTemplate = `
		CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			version    BIGINT NOT NULL DEFAULT 1,
			payload    JSONB NOT NULL DEFAULT '{}'::jsonb,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
			deleted_at TIMESTAMPTZ
		)`

	const notifyFunction = `
		CREATE OR REPLACE FUNCTION focusdeck_notify_change() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('` + NotifyChannel + `', json_build_object(
				'event', lower(TG_OP),
				'table', TG_TABLE_NAME,
				'row', row_to_json(NEW)
			)::text);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`

	const triggerTemplate = `
		DROP TRIGGER IF EXISTS %s_notify ON %s;
		CREATE TRIGGER %s_notify
			AFTER INSERT OR UPDATE ON %s
			FOR EACH ROW EXECUTE FUNCTION focusdeck_notify_change()`

	for table := range syncTables {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(tableTemplate, table)); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
		indexSQL := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS idx_%s_user ON %s (user_id) WHERE NOT is_deleted",
			table, table)
		if _, err := s.db.ExecContext(ctx, indexSQL); err != nil {
			return fmt.Errorf("create index on %s: %w", table, err)
		}
	}

	if _, err := s.db.ExecContext(ctx, notifyFunction); err != nil {
		return fmt.Errorf("create notify function: %w", err)
	}
	for table := range syncTables {
		trigger := fmt.Sprintf(triggerTemplate, table, table, table, table)
		if _, err := s.db.ExecContext(ctx, trigger); err != nil {
			return fmt.Errorf("create trigger on %s: %w", table, err)
		}
	}

	s.log.Info().Int("tables", len(syncTables)).Msg("remote schema ensured")
	return nil
}

// Upsert inserts the row or, when it already exists, merges the payload on
// top and bumps the version. A queued create re-executed after a direct save
// therefore converges instead of failing on the primary key.
func (s *PostgresStore) Upsert(ctx context.Context, table string, row domain.RemoteRow) error {
	if err := checkTable(table); err != nil {
		return err
	}
	payload, err := json.Marshal(row.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, version, payload, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		ON CONFLICT (id) DO UPDATE SET
			payload    = %s.payload || EXCLUDED.payload,
			version    = %s.version + 1,
			updated_at = EXCLUDED.updated_at,
			is_deleted = FALSE,
			deleted_at = NULL
		WHERE %s.user_id = EXCLUDED.user_id`,
		table, table, table, table)

	version := row.Version
	if version == 0 {
		version = 1
	}
	updatedAt := row.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, query, row.ID, row.UserID, version, payload, updatedAt)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", table, row.ID, err)
	}
	return nil
}

// Update applies a sparse payload on top of the stored one. With a non-nil
// expectVersion the write only lands when the stored version still matches;
// zero rows affected means the guard lost, not an error.
func (s *PostgresStore) Update(ctx context.Context, table string, row domain.RemoteRow, expectVersion *int64) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	payload, err := json.Marshal(row.Payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}

	updatedAt := row.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `
		UPDATE %s SET
			payload    = payload || $1::jsonb,
			version    = version + 1,
			updated_at = $2
		WHERE id = $3 AND user_id = $4 AND is_deleted = FALSE`, table)
	args := []any{payload, updatedAt, row.ID, row.UserID}
	if expectVersion != nil {
		args = append(args, *expectVersion)
		fmt.Fprintf(&sb, " AND version = $%d", len(args))
	}

	res, err := s.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("update %s/%s: %w", table, row.ID, err)
	}
	return res.RowsAffected()
}

// Select fetches one row scoped to its owner. Returns (nil, nil) when absent.
func (s *PostgresStore) Select(ctx context.Context, table, id, userID string) (*domain.RemoteRow, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, user_id, version, payload, updated_at, is_deleted, deleted_at
		FROM %s WHERE id = $1 AND user_id = $2`, table)

	var row domain.RemoteRow
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, id, userID).Scan(
		&row.ID, &row.UserID, &row.Version, &payload,
		&row.UpdatedAt, &row.IsDeleted, &row.DeletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select %s/%s: %w", table, id, err)
	}
	if err := json.Unmarshal(payload, &row.Payload); err != nil {
		return nil, fmt.Errorf("decode payload %s/%s: %w", table, id, err)
	}
	return &row, nil
}

// SoftDelete tombstones a row; the row itself stays so late edits from other
// devices conflict instead of resurrecting it. Version guard as in Update.
func (s *PostgresStore) SoftDelete(ctx context.Context, table, id, userID string, deletedAt time.Time, expectVersion *int64) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `
		UPDATE %s SET
			is_deleted = TRUE,
			deleted_at = $1,
			version    = version + 1,
			updated_at = $1
		WHERE id = $2 AND user_id = $3 AND is_deleted = FALSE`, table)
	args := []any{deletedAt.UTC(), id, userID}
	if expectVersion != nil {
		args = append(args, *expectVersion)
		fmt.Fprintf(&sb, " AND version = $%d", len(args))
	}

	res, err := s.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("soft delete %s/%s: %w", table, id, err)
	}
	return res.RowsAffected()
}
