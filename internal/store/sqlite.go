package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/avtopark/finewatch/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS vehicles (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	plate            TEXT NOT NULL,
	document         TEXT NOT NULL,
	email            TEXT NOT NULL,
	email2           TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	last_fingerprint TEXT NOT NULL DEFAULT '',
	last_check_at    DATETIME
);

CREATE TABLE IF NOT EXISTS fines (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	vehicle_id      INTEGER NOT NULL REFERENCES vehicles(id) ON DELETE CASCADE,
	fine_date       TEXT NOT NULL,
	amount          INTEGER NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	photo_url       TEXT NOT NULL DEFAULT '',
	document_url    TEXT NOT NULL DEFAULT '',
	fine_hash       TEXT NOT NULL,
	detected_at     DATETIME NOT NULL,
	paid            INTEGER NOT NULL DEFAULT 0,
	paid_at         DATETIME,
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
	started_at       DATETIME NOT NULL,
	finished_at      DATETIME,
	vehicles_checked INTEGER NOT NULL DEFAULT 0,
	vehicles_failed  INTEGER NOT NULL DEFAULT 0,
	new_fines        INTEGER NOT NULL DEFAULT 0,
	paid_fines       INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_fines_vehicle_id ON fines(vehicle_id);
CREATE INDEX IF NOT EXISTS idx_fines_paid ON fines(paid);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// Migrate creates the schema and verifies the stored schema version.
// A database written by a newer build is rejected rather than mangled.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}

	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, schemaVersion)
		return eris.Wrap(err, "sqlite: record schema version")
	case err != nil:
		return eris.Wrap(err, "sqlite: read schema version")
	case version > schemaVersion:
		return eris.Errorf("sqlite: database schema version %d is newer than supported %d", version, schemaVersion)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Vehicles

func (s *SQLiteStore) CreateVehicle(ctx context.Context, v model.Vehicle) (*model.Vehicle, error) {
	v.Plate = model.NormalizePlate(v.Plate)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO vehicles (plate, document, email, email2, description) VALUES (?, ?, ?, ?, ?)`,
		v.Plate, v.Document, v.Email, v.Email2, v.Description,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert vehicle")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: vehicle insert id")
	}
	v.ID = id
	return &v, nil
}

func (s *SQLiteStore) UpdateVehicle(ctx context.Context, v model.Vehicle) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE vehicles SET plate = ?, document = ?, email = ?, email2 = ?, description = ? WHERE id = ?`,
		model.NormalizePlate(v.Plate), v.Document, v.Email, v.Email2, v.Description, v.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update vehicle %d", v.ID)
	}
	return checkRowsAffected(res, "vehicle")
}

func (s *SQLiteStore) DeleteVehicle(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM vehicles WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete vehicle %d", id)
	}
	return checkRowsAffected(res, "vehicle")
}

func (s *SQLiteStore) GetVehicle(ctx context.Context, id int64) (*model.Vehicle, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, plate, document, email, email2, description, last_fingerprint, last_check_at
		 FROM vehicles WHERE id = ?`, id)
	return scanVehicle(row)
}

func (s *SQLiteStore) ListVehicles(ctx context.Context) ([]model.Vehicle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, plate, document, email, email2, description, last_fingerprint, last_check_at
		 FROM vehicles ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list vehicles")
	}
	defer rows.Close()

	var vehicles []model.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		vehicles = append(vehicles, *v)
	}
	return vehicles, eris.Wrap(rows.Err(), "sqlite: list vehicles iterate")
}

func (s *SQLiteStore) UpdateVehicleCheck(ctx context.Context, id int64, fingerprint string, checkedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE vehicles SET last_fingerprint = ?, last_check_at = ? WHERE id = ?`,
		fingerprint, checkedAt.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update vehicle check %d", id)
	}
	return checkRowsAffected(res, "vehicle")
}

// Fines

func (s *SQLiteStore) KnownFines(ctx context.Context, vehicleID int64) ([]model.KnownFine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fine_hash, paid, fine_date, amount FROM fines WHERE vehicle_id = ?`, vehicleID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: known fines for vehicle %d", vehicleID)
	}
	defer rows.Close()

	var known []model.KnownFine
	for rows.Next() {
		var k model.KnownFine
		if err := rows.Scan(&k.ID, &k.Hash, &k.Paid, &k.Date, &k.Amount); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan known fine")
		}
		known = append(known, k)
	}
	return known, eris.Wrap(rows.Err(), "sqlite: known fines iterate")
}

func (s *SQLiteStore) ApplyFineChanges(ctx context.Context, vehicleID int64, inserts []model.FineRecord, markPaid []int64, paidAt time.Time) error {
	if len(inserts) == 0 && len(markPaid) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, f := range inserts {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO fines
			 (vehicle_id, fine_date, amount, description, photo_url, document_url, fine_hash, detected_at,
			  uin, kbk, oktmo, payment_name, payment_account, payment_bic)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (vehicle_id, fine_hash) DO NOTHING`,
			vehicleID, f.Date, f.Amount, f.Description, f.PhotoURL, f.DocumentURL, f.Hash, f.DetectedAt.UTC(),
			f.Requisites.UIN, f.Requisites.KBK, f.Requisites.OKTMO,
			f.Requisites.RecipientName, f.Requisites.Account, f.Requisites.BIC,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert fine %s", f.Hash)
		}
	}

	for _, id := range markPaid {
		// paid = 0 guard keeps the 0->1 transition one-way even if the
		// same id is submitted twice.
		_, err := tx.ExecContext(ctx,
			`UPDATE fines SET paid = 1, paid_at = ? WHERE id = ? AND paid = 0`,
			paidAt.UTC(), id,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: mark fine %d paid", id)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit fine changes")
}

func (s *SQLiteStore) ListFines(ctx context.Context, filter FineFilter) ([]model.FineRecord, error) {
	query := `SELECT id, vehicle_id, fine_date, amount, description, photo_url, document_url, fine_hash,
	          detected_at, paid, paid_at, uin, kbk, oktmo, payment_name, payment_account, payment_bic
	          FROM fines WHERE 1=1`
	var args []any

	if filter.VehicleID != 0 {
		query += ` AND vehicle_id = ?`
		args = append(args, filter.VehicleID)
	}
	if filter.Paid != nil {
		query += ` AND paid = ?`
		args = append(args, *filter.Paid)
	}
	query += ` ORDER BY detected_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list fines")
	}
	defer rows.Close()

	var fines []model.FineRecord
	for rows.Next() {
		f, err := scanFine(rows)
		if err != nil {
			return nil, err
		}
		fines = append(fines, *f)
	}
	return fines, eris.Wrap(rows.Err(), "sqlite: list fines iterate")
}

func (s *SQLiteStore) GetFine(ctx context.Context, id int64) (*model.FineRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, vehicle_id, fine_date, amount, description, photo_url, document_url, fine_hash,
		 detected_at, paid, paid_at, uin, kbk, oktmo, payment_name, payment_account, payment_bic
		 FROM fines WHERE id = ?`, id)
	return scanFine(row)
}

// Run log

func (s *SQLiteStore) StartRun(ctx context.Context, trigger model.RunTrigger) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, triggered_by, status, started_at) VALUES (?, ?, ?, ?)`,
		id, string(trigger), string(model.RunStatusRunning), time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: insert run")
	}
	return id, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, summary RunSummary) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, vehicles_checked = ?, vehicles_failed = ?,
		 new_fines = ?, paid_fines = ? WHERE id = ?`,
		string(model.RunStatusComplete), time.Now().UTC(),
		summary.VehiclesChecked, summary.VehiclesFailed, summary.NewFines, summary.PaidFines, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run")
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, triggered_by, status, started_at, finished_at, vehicles_checked, vehicles_failed,
		 new_fines, paid_fines FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.Trigger, &r.Status, &r.StartedAt, &finished,
			&r.VehiclesChecked, &r.VehiclesFailed, &r.NewFines, &r.PaidFines); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrap(ErrNotFound, entity)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanVehicle(row scannable) (*model.Vehicle, error) {
	var v model.Vehicle
	var lastCheck sql.NullTime
	err := row.Scan(&v.ID, &v.Plate, &v.Document, &v.Email, &v.Email2, &v.Description,
		&v.LastFingerprint, &lastCheck)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "vehicle")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan vehicle")
	}
	if lastCheck.Valid {
		t := lastCheck.Time
		v.LastCheckAt = &t
	}
	return &v, nil
}

func scanFine(row scannable) (*model.FineRecord, error) {
	var f model.FineRecord
	var paidAt sql.NullTime
	err := row.Scan(&f.ID, &f.VehicleID, &f.Date, &f.Amount, &f.Description, &f.PhotoURL,
		&f.DocumentURL, &f.Hash, &f.DetectedAt, &f.Paid, &paidAt,
		&f.Requisites.UIN, &f.Requisites.KBK, &f.Requisites.OKTMO,
		&f.Requisites.RecipientName, &f.Requisites.Account, &f.Requisites.BIC)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "fine")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan fine")
	}
	if paidAt.Valid {
		t := paidAt.Time
		f.PaidAt = &t
	}
	return &f, nil
}
