package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avtopark/finewatch/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedVehicle(t *testing.T, st *SQLiteStore) *model.Vehicle {
	t.Helper()
	v, err := st.CreateVehicle(context.Background(), model.Vehicle{
		Plate:    "а123вс77",
		Document: "7799123456",
		Email:    "owner@example.com",
	})
	require.NoError(t, err)
	return v
}

func testFine(vehicleID int64, hash string) model.FineRecord {
	return model.FineRecord{
		VehicleID:   vehicleID,
		Date:        "2024-01-01",
		Amount:      500,
		Description: "speeding",
		Hash:        hash,
		DetectedAt:  time.Now().UTC(),
		Requisites:  model.RemoteFine{}.Requisites(),
	}
}

// --- Vehicles ---

func TestSQLite_CreateVehicle_NormalizesPlate(t *testing.T) {
	st := newTestSQLiteStore(t)
	v := seedVehicle(t, st)

	assert.Equal(t, "А123ВС77", v.Plate)
	assert.NotZero(t, v.ID)

	got, err := st.GetVehicle(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, "А123ВС77", got.Plate)
	assert.Nil(t, got.LastCheckAt)
}

func TestSQLite_UpdateVehicle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	v := seedVehicle(t, st)

	v.Email2 = "spouse@example.com"
	v.Description = "family car"
	require.NoError(t, st.UpdateVehicle(ctx, *v))

	got, err := st.GetVehicle(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "spouse@example.com", got.Email2)
	assert.Equal(t, "family car", got.Description)
}

func TestSQLite_UpdateVehicle_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	err := st.UpdateVehicle(context.Background(), model.Vehicle{ID: 404, Plate: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_DeleteVehicle_CascadesFines(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	v := seedVehicle(t, st)

	require.NoError(t, st.ApplyFineChanges(ctx, v.ID,
		[]model.FineRecord{testFine(v.ID, "h1")}, nil, time.Now()))
	require.NoError(t, st.DeleteVehicle(ctx, v.ID))

	fines, err := st.ListFines(ctx, FineFilter{VehicleID: v.ID})
	require.NoError(t, err)
	assert.Empty(t, fines)
}

func TestSQLite_ListVehicles(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedVehicle(t, st)
	seedVehicle(t, st)

	vehicles, err := st.ListVehicles(ctx)
	require.NoError(t, err)
	assert.Len(t, vehicles, 2)
}

func TestSQLite_UpdateVehicleCheck(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	v := seedVehicle(t, st)

	checked := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.UpdateVehicleCheck(ctx, v.ID, "abc123", checked))

	got, err := st.GetVehicle(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.LastFingerprint)
	require.NotNil(t, got.LastCheckAt)
	assert.True(t, got.LastCheckAt.Equal(checked))
}

// --- Fines ---

func TestSQLite_ApplyFineChanges_InsertAndRead(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	v := seedVehicle(t, st)

	f := testFine(v.ID, "h1")
	f.PhotoURL = "https://example.com/p.jpg"
	require.NoError(t, st.ApplyFineChanges(ctx, v.ID, []model.FineRecord{f}, nil, time.Now()))

	known, err := st.KnownFines(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, known, 1)
	assert.Equal(t, "h1", known[0].Hash)
	assert.False(t, known[0].Paid)
	assert.Equal(t, "2024-01-01", known[0].Date)
	assert.Equal(t, int64(500), known[0].Amount)

	got, err := st.GetFine(ctx, known[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/p.jpg", got.PhotoURL)
	assert.Equal(t, model.DefaultAccount, got.Requisites.Account)
	assert.Nil(t, got.PaidAt)
}

func TestSQLite_ApplyFineChanges_DuplicateHashIsNoop(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	v := seedVehicle(t, st)

	require.NoError(t, st.ApplyFineChanges(ctx, v.ID,
		[]model.FineRecord{testFine(v.ID, "h1")}, nil, time.Now()))
	// Re-inserting the same hash must not error and must not duplicate.
	require.NoError(t, st.ApplyFineChanges(ctx, v.ID,
		[]model.FineRecord{testFine(v.ID, "h1")}, nil, time.Now()))

	known, err := st.KnownFines(ctx, v.ID)
	require.NoError(t, err)
	assert.Len(t, known, 1)
}

func TestSQLite_ApplyFineChanges_SameHashDifferentVehicles(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	a := seedVehicle(t, st)
	b := seedVehicle(t, st)

	require.NoError(t, st.ApplyFineChanges(ctx, a.ID,
		[]model.FineRecord{testFine(a.ID, "shared")}, nil, time.Now()))
	require.NoError(t, st.ApplyFineChanges(ctx, b.ID,
		[]model.FineRecord{testFine(b.ID, "shared")}, nil, time.Now()))

	knownA, err := st.KnownFines(ctx, a.ID)
	require.NoError(t, err)
	knownB, err := st.KnownFines(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, knownA, 1)
	assert.Len(t, knownB, 1)
}

func TestSQLite_ApplyFineChanges_MarkPaidOnce(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	v := seedVehicle(t, st)

	require.NoError(t, st.ApplyFineChanges(ctx, v.ID,
		[]model.FineRecord{testFine(v.ID, "h1")}, nil, time.Now()))
	known, err := st.KnownFines(ctx, v.ID)
	require.NoError(t, err)

	firstPaidAt := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.ApplyFineChanges(ctx, v.ID, nil, []int64{known[0].ID}, firstPaidAt))

	// A second transition attempt must not move paid_at.
	require.NoError(t, st.ApplyFineChanges(ctx, v.ID, nil, []int64{known[0].ID},
		firstPaidAt.Add(48*time.Hour)))

	got, err := st.GetFine(ctx, known[0].ID)
	require.NoError(t, err)
	assert.True(t, got.Paid)
	require.NotNil(t, got.PaidAt)
	assert.True(t, got.PaidAt.Equal(firstPaidAt))
}

func TestSQLite_ListFines_Filters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	v := seedVehicle(t, st)

	require.NoError(t, st.ApplyFineChanges(ctx, v.ID,
		[]model.FineRecord{testFine(v.ID, "h1"), testFine(v.ID, "h2")}, nil, time.Now()))
	known, err := st.KnownFines(ctx, v.ID)
	require.NoError(t, err)
	require.NoError(t, st.ApplyFineChanges(ctx, v.ID, nil, []int64{known[0].ID}, time.Now()))

	paid := true
	unpaid := false

	got, err := st.ListFines(ctx, FineFilter{VehicleID: v.ID, Paid: &paid})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = st.ListFines(ctx, FineFilter{VehicleID: v.ID, Paid: &unpaid})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = st.ListFines(ctx, FineFilter{VehicleID: v.ID})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

// --- Run log ---

func TestSQLite_RunLog(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	id, err := st.StartRun(ctx, model.TriggerScheduled)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, st.CompleteRun(ctx, id, RunSummary{
		VehiclesChecked: 3,
		VehiclesFailed:  1,
		NewFines:        2,
		PaidFines:       1,
	}))

	runs, err := st.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.TriggerScheduled, runs[0].Trigger)
	assert.Equal(t, model.RunStatusComplete, runs[0].Status)
	assert.Equal(t, 3, runs[0].VehiclesChecked)
	assert.Equal(t, 1, runs[0].VehiclesFailed)
	assert.NotNil(t, runs[0].FinishedAt)
}

func TestSQLite_CompleteRun_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	err := st.CompleteRun(context.Background(), "nope", RunSummary{})
	require.Error(t, err)
}

// --- Migration ---

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Migrate(context.Background()))
}

func TestSQLite_Migrate_RejectsNewerSchema(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.db.ExecContext(ctx, `UPDATE schema_version SET version = ?`, schemaVersion+1)
	require.NoError(t, err)

	err = st.Migrate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}
