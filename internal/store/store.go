// Package store provides persistence for vehicles, fine history and the
// run log, with SQLite and Postgres backends.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/avtopark/finewatch/internal/config"
	"github.com/avtopark/finewatch/internal/model"
)

// schemaVersion is the persisted schema generation this build understands.
// Migrate refuses to run against a newer schema.
const schemaVersion = 1

// ErrNotFound is returned when a requested record does not exist.
// Both backends wrap it, check with eris.Is.
var ErrNotFound = eris.New("not found")

// FineFilter specifies criteria for listing fines.
type FineFilter struct {
	VehicleID int64 `json:"vehicle_id,omitempty"`
	Paid      *bool `json:"paid,omitempty"`
	Limit     int   `json:"limit,omitempty"`
}

// RunSummary holds the counters recorded when a run completes.
type RunSummary struct {
	VehiclesChecked int
	VehiclesFailed  int
	NewFines        int
	PaidFines       int
}

// Store defines the persistence interface for the reconciliation engine.
type Store interface {
	// Vehicles
	CreateVehicle(ctx context.Context, v model.Vehicle) (*model.Vehicle, error)
	UpdateVehicle(ctx context.Context, v model.Vehicle) error
	DeleteVehicle(ctx context.Context, id int64) error
	GetVehicle(ctx context.Context, id int64) (*model.Vehicle, error)
	ListVehicles(ctx context.Context) ([]model.Vehicle, error)
	// UpdateVehicleCheck records the aggregate fingerprint and last-check
	// time after a successful poll.
	UpdateVehicleCheck(ctx context.Context, id int64, fingerprint string, checkedAt time.Time) error

	// Fines
	KnownFines(ctx context.Context, vehicleID int64) ([]model.KnownFine, error)
	// ApplyFineChanges applies one vehicle's mutation batch atomically:
	// inserts are no-ops on an existing (vehicle, hash) pair, paid
	// transitions only ever flip unpaid records.
	ApplyFineChanges(ctx context.Context, vehicleID int64, inserts []model.FineRecord, markPaid []int64, paidAt time.Time) error
	ListFines(ctx context.Context, filter FineFilter) ([]model.FineRecord, error)
	GetFine(ctx context.Context, id int64) (*model.FineRecord, error)

	// Run log
	StartRun(ctx context.Context, trigger model.RunTrigger) (string, error)
	CompleteRun(ctx context.Context, runID string, summary RunSummary) error
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open creates the Store selected by the config.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return NewSQLite(cfg.DatabaseURL)
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
