package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/avtopark/finewatch/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// for unit tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS vehicles (
	id               BIGSERIAL PRIMARY KEY,
	plate            TEXT NOT NULL,
	document         TEXT NOT NULL,
	email            TEXT NOT NULL,
	email2           TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	last_fingerprint TEXT NOT NULL DEFAULT '',
	last_check_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS fines (
	id              BIGSERIAL PRIMARY KEY,
	vehicle_id      BIGINT NOT NULL REFERENCES vehicles(id) ON DELETE CASCADE,
	fine_date       TEXT NOT NULL,
	amount          BIGINT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	photo_url       TEXT NOT NULL DEFAULT '',
	document_url    TEXT NOT NULL DEFAULT '',
	fine_hash       TEXT NOT NULL,
	detected_at     TIMESTAMPTZ NOT NULL,
	paid            BOOLEAN NOT NULL DEFAULT FALSE,
	paid_at         TIMESTAMPTZ,
	uin             TEXT NOT NULL DEFAULT '',
	kbk             TEXT NOT NULL DEFAULT '',
	oktmo           TEXT NOT NULL DEFAULT '',
	payment_name    TEXT NOT NULL DEFAULT '',
	payment_account TEXT NOT NULL DEFAULT '',
	payment_bic     TEXT NOT NULL DEFAULT '',
	UNIQUE (vehicle_id, fine_hash)
);

CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	triggered_by     TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'running',
	started_at       TIMESTAMPTZ NOT NULL,
	finished_at      TIMESTAMPTZ,
	vehicles_checked INTEGER NOT NULL DEFAULT 0,
	vehicles_failed  INTEGER NOT NULL DEFAULT 0,
	new_fines        INTEGER NOT NULL DEFAULT 0,
	paid_fines       INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_fines_vehicle_id ON fines(vehicle_id);
CREATE INDEX IF NOT EXISTS idx_fines_paid ON fines(paid);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}

	var version int
	err := s.pool.QueryRow(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = s.pool.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, schemaVersion)
		return eris.Wrap(err, "postgres: record schema version")
	case err != nil:
		return eris.Wrap(err, "postgres: read schema version")
	case version > schemaVersion:
		return eris.Errorf("postgres: database schema version %d is newer than supported %d", version, schemaVersion)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Vehicles

func (s *PostgresStore) CreateVehicle(ctx context.Context, v model.Vehicle) (*model.Vehicle, error) {
	v.Plate = model.NormalizePlate(v.Plate)
	err := s.pool.QueryRow(ctx,
		`INSERT INTO vehicles (plate, document, email, email2, description)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		v.Plate, v.Document, v.Email, v.Email2, v.Description,
	).Scan(&v.ID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert vehicle")
	}
	return &v, nil
}

func (s *PostgresStore) UpdateVehicle(ctx context.Context, v model.Vehicle) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE vehicles SET plate = $1, document = $2, email = $3, email2 = $4, description = $5 WHERE id = $6`,
		model.NormalizePlate(v.Plate), v.Document, v.Email, v.Email2, v.Description, v.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update vehicle %d", v.ID)
	}
	return checkTag(tag, "vehicle")
}

func (s *PostgresStore) DeleteVehicle(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM vehicles WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete vehicle %d", id)
	}
	return checkTag(tag, "vehicle")
}

func (s *PostgresStore) GetVehicle(ctx context.Context, id int64) (*model.Vehicle, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, plate, document, email, email2, description, last_fingerprint, last_check_at
		 FROM vehicles WHERE id = $1`, id)

	var v model.Vehicle
	err := row.Scan(&v.ID, &v.Plate, &v.Document, &v.Email, &v.Email2, &v.Description,
		&v.LastFingerprint, &v.LastCheckAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "vehicle")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get vehicle")
	}
	return &v, nil
}

func (s *PostgresStore) ListVehicles(ctx context.Context) ([]model.Vehicle, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, plate, document, email, email2, description, last_fingerprint, last_check_at
		 FROM vehicles ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list vehicles")
	}
	defer rows.Close()

	var vehicles []model.Vehicle
	for rows.Next() {
		var v model.Vehicle
		if err := rows.Scan(&v.ID, &v.Plate, &v.Document, &v.Email, &v.Email2, &v.Description,
			&v.LastFingerprint, &v.LastCheckAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan vehicle")
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, eris.Wrap(rows.Err(), "postgres: list vehicles iterate")
}

func (s *PostgresStore) UpdateVehicleCheck(ctx context.Context, id int64, fingerprint string, checkedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE vehicles SET last_fingerprint = $1, last_check_at = $2 WHERE id = $3`,
		fingerprint, checkedAt.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update vehicle check %d", id)
	}
	return checkTag(tag, "vehicle")
}

// Fines

func (s *PostgresStore) KnownFines(ctx context.Context, vehicleID int64) ([]model.KnownFine, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, fine_hash, paid, fine_date, amount FROM fines WHERE vehicle_id = $1`, vehicleID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: known fines for vehicle %d", vehicleID)
	}
	defer rows.Close()

	var known []model.KnownFine
	for rows.Next() {
		var k model.KnownFine
		if err := rows.Scan(&k.ID, &k.Hash, &k.Paid, &k.Date, &k.Amount); err != nil {
			return nil, eris.Wrap(err, "postgres: scan known fine")
		}
		known = append(known, k)
	}
	return known, eris.Wrap(rows.Err(), "postgres: known fines iterate")
}

func (s *PostgresStore) ApplyFineChanges(ctx context.Context, vehicleID int64, inserts []model.FineRecord, markPaid []int64, paidAt time.Time) error {
	if len(inserts) == 0 && len(markPaid) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, f := range inserts {
		_, err := tx.Exec(ctx,
			`INSERT INTO fines
			 (vehicle_id, fine_date, amount, description, photo_url, document_url, fine_hash, detected_at,
			  uin, kbk, oktmo, payment_name, payment_account, payment_bic)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			 ON CONFLICT (vehicle_id, fine_hash) DO NOTHING`,
			vehicleID, f.Date, f.Amount, f.Description, f.PhotoURL, f.DocumentURL, f.Hash, f.DetectedAt.UTC(),
			f.Requisites.UIN, f.Requisites.KBK, f.Requisites.OKTMO,
			f.Requisites.RecipientName, f.Requisites.Account, f.Requisites.BIC,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert fine %s", f.Hash)
		}
	}

	for _, id := range markPaid {
		_, err := tx.Exec(ctx,
			`UPDATE fines SET paid = TRUE, paid_at = $1 WHERE id = $2 AND NOT paid`,
			paidAt.UTC(), id,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: mark fine %d paid", id)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit fine changes")
}

func (s *PostgresStore) ListFines(ctx context.Context, filter FineFilter) ([]model.FineRecord, error) {
	query := `SELECT id, vehicle_id, fine_date, amount, description, photo_url, document_url, fine_hash,
	          detected_at, paid, paid_at, uin, kbk, oktmo, payment_name, payment_account, payment_bic
	          FROM fines WHERE TRUE`
	var args []any

	if filter.VehicleID != 0 {
		args = append(args, filter.VehicleID)
		query += ` AND vehicle_id = $1`
	}
	if filter.Paid != nil {
		args = append(args, *filter.Paid)
		query += ` AND paid = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY detected_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list fines")
	}
	defer rows.Close()

	var fines []model.FineRecord
	for rows.Next() {
		f, err := scanPgFine(rows)
		if err != nil {
			return nil, err
		}
		fines = append(fines, *f)
	}
	return fines, eris.Wrap(rows.Err(), "postgres: list fines iterate")
}

func (s *PostgresStore) GetFine(ctx context.Context, id int64) (*model.FineRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, vehicle_id, fine_date, amount, description, photo_url, document_url, fine_hash,
		 detected_at, paid, paid_at, uin, kbk, oktmo, payment_name, payment_account, payment_bic
		 FROM fines WHERE id = $1`, id)
	f, err := scanPgFine(row)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Run log

func (s *PostgresStore) StartRun(ctx context.Context, trigger model.RunTrigger) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, triggered_by, status, started_at) VALUES ($1, $2, $3, $4)`,
		id, string(trigger), string(model.RunStatusRunning), time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrap(err, "postgres: insert run")
	}
	return id, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, summary RunSummary) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, finished_at = $2, vehicles_checked = $3, vehicles_failed = $4,
		 new_fines = $5, paid_fines = $6 WHERE id = $7`,
		string(model.RunStatusComplete), time.Now().UTC(),
		summary.VehiclesChecked, summary.VehiclesFailed, summary.NewFines, summary.PaidFines, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	return checkTag(tag, "run")
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, triggered_by, status, started_at, finished_at, vehicles_checked, vehicles_failed,
		 new_fines, paid_fines FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		if err := rows.Scan(&r.ID, &r.Trigger, &r.Status, &r.StartedAt, &r.FinishedAt,
			&r.VehiclesChecked, &r.VehiclesFailed, &r.NewFines, &r.PaidFines); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// helpers

func checkTag(tag pgconn.CommandTag, entity string) error {
	if tag.RowsAffected() == 0 {
		return eris.Wrap(ErrNotFound, entity)
	}
	return nil
}

func scanPgFine(row pgx.Row) (*model.FineRecord, error) {
	var f model.FineRecord
	err := row.Scan(&f.ID, &f.VehicleID, &f.Date, &f.Amount, &f.Description, &f.PhotoURL,
		&f.DocumentURL, &f.Hash, &f.DetectedAt, &f.Paid, &f.PaidAt,
		&f.Requisites.UIN, &f.Requisites.KBK, &f.Requisites.OKTMO,
		&f.Requisites.RecipientName, &f.Requisites.Account, &f.Requisites.BIC)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "fine")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan fine")
	}
	return &f, nil
}
