package poller

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avtopark/finewatch/internal/config"
	"github.com/avtopark/finewatch/internal/fingerprint"
	"github.com/avtopark/finewatch/internal/model"
	"github.com/avtopark/finewatch/internal/notify"
	"github.com/avtopark/finewatch/internal/store"
)

// fakeClient serves canned fine lists per plate.
type fakeClient struct {
	mu    sync.Mutex
	fines map[string][]model.RemoteFine
	errs  map[string]error
	calls []string
	// hook runs before each response, with the plate being fetched.
	hook func(plate string)
}

func (c *fakeClient) Fetch(ctx context.Context, plate, document string) ([]model.RemoteFine, error) {
	c.mu.Lock()
	c.calls = append(c.calls, plate)
	hook := c.hook
	c.mu.Unlock()

	if hook != nil {
		hook(plate)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.errs[plate]; err != nil {
		return nil, err
	}
	fines := c.fines[plate]
	if fines == nil {
		fines = []model.RemoteFine{}
	}
	return fines, nil
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// fakeNotifier records sent messages.
type fakeNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (n *fakeNotifier) Send(ctx context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return n.err
}

func (n *fakeNotifier) sent() []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Message(nil), n.msgs...)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func addVehicle(t *testing.T, st store.Store, plate string) *model.Vehicle {
	t.Helper()
	v, err := st.CreateVehicle(context.Background(), model.Vehicle{
		Plate: plate, Document: "7799123456", Email: "owner@example.com",
	})
	require.NoError(t, err)
	return v
}

func newTestRunner(st store.Store, client *fakeClient, n *fakeNotifier, cfg config.PollConfig) *Runner {
	return NewRunner(st, client, n, cfg, time.Second)
}

var speeding = model.RemoteFine{Date: "2024-01-01", Amount: 500, Description: "speeding"}

func TestRun_FirstDetection(t *testing.T) {
	st := newTestStore(t)
	v := addVehicle(t, st, "А123ВС77")
	client := &fakeClient{fines: map[string][]model.RemoteFine{"А123ВС77": {speeding}}}
	notifier := &fakeNotifier{}
	r := newTestRunner(st, client, notifier, config.PollConfig{})
	ctx := context.Background()

	summary, err := r.Run(ctx, model.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.VehiclesChecked)
	assert.Equal(t, 0, summary.VehiclesFailed)
	assert.Equal(t, 1, summary.NewFines)
	assert.Equal(t, 0, summary.PaidFines)

	fines, err := st.ListFines(ctx, store.FineFilter{VehicleID: v.ID})
	require.NoError(t, err)
	require.Len(t, fines, 1)
	assert.False(t, fines[0].Paid)

	msgs := notifier.sent()
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasPrefix(msgs[0].Subject, "New fines"))

	// Fingerprint and last-check marker written.
	got, err := st.GetVehicle(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, fingerprint.Aggregate([]model.RemoteFine{speeding}), got.LastFingerprint)
	assert.NotNil(t, got.LastCheckAt)
}

func TestRun_DisappearedFineMarkedPaid(t *testing.T) {
	st := newTestStore(t)
	v := addVehicle(t, st, "А123ВС77")
	client := &fakeClient{fines: map[string][]model.RemoteFine{"А123ВС77": {speeding}}}
	notifier := &fakeNotifier{}
	r := newTestRunner(st, client, notifier, config.PollConfig{})
	ctx := context.Background()

	_, err := r.Run(ctx, model.TriggerManual)
	require.NoError(t, err)

	// Next run: the fine is gone from the remote list.
	client.fines["А123ВС77"] = []model.RemoteFine{}
	summary, err := r.Run(ctx, model.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, 0, summary.NewFines)
	assert.Equal(t, 1, summary.PaidFines)

	fines, err := st.ListFines(ctx, store.FineFilter{VehicleID: v.ID})
	require.NoError(t, err)
	require.Len(t, fines, 1) // no new inserts
	assert.True(t, fines[0].Paid)
	assert.NotNil(t, fines[0].PaidAt)

	msgs := notifier.sent()
	require.Len(t, msgs, 2)
	assert.True(t, strings.HasPrefix(msgs[1].Subject, "Fines paid"))
}

func TestRun_AlreadyPaidStaysQuiet(t *testing.T) {
	st := newTestStore(t)
	addVehicle(t, st, "А123ВС77")
	client := &fakeClient{fines: map[string][]model.RemoteFine{"А123ВС77": {speeding}}}
	notifier := &fakeNotifier{}
	r := newTestRunner(st, client, notifier, config.PollConfig{})
	ctx := context.Background()

	_, err := r.Run(ctx, model.TriggerManual)
	require.NoError(t, err)
	client.fines["А123ВС77"] = []model.RemoteFine{}
	_, err = r.Run(ctx, model.TriggerManual)
	require.NoError(t, err)

	// Third run, still empty: the paid record must stay untouched.
	summary, err := r.Run(ctx, model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.NewFines)
	assert.Equal(t, 0, summary.PaidFines)
	assert.Len(t, notifier.sent(), 2)
}

func TestRun_IdempotentOnUnchangedList(t *testing.T) {
	st := newTestStore(t)
	addVehicle(t, st, "А123ВС77")
	client := &fakeClient{fines: map[string][]model.RemoteFine{"А123ВС77": {speeding}}}
	notifier := &fakeNotifier{}
	r := newTestRunner(st, client, notifier, config.PollConfig{})
	ctx := context.Background()

	_, err := r.Run(ctx, model.TriggerManual)
	require.NoError(t, err)

	summary, err := r.Run(ctx, model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.NewFines)
	assert.Equal(t, 0, summary.PaidFines)
	assert.Len(t, notifier.sent(), 1)
}

func TestRun_DuplicateRemoteEntries(t *testing.T) {
	st := newTestStore(t)
	v := addVehicle(t, st, "А123ВС77")
	client := &fakeClient{fines: map[string][]model.RemoteFine{"А123ВС77": {speeding, speeding}}}
	notifier := &fakeNotifier{}
	r := newTestRunner(st, client, notifier, config.PollConfig{})
	ctx := context.Background()

	summary, err := r.Run(ctx, model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NewFines)

	fines, err := st.ListFines(ctx, store.FineFilter{VehicleID: v.ID})
	require.NoError(t, err)
	assert.Len(t, fines, 1)
}

func TestRun_FaultIsolation(t *testing.T) {
	st := newTestStore(t)
	addVehicle(t, st, "AAA111")
	addVehicle(t, st, "BBB222")
	addVehicle(t, st, "CCC333")

	client := &fakeClient{
		fines: map[string][]model.RemoteFine{
			"AAA111": {speeding},
			"CCC333": {{Date: "2024-05-05", Amount: 800, Description: "parking"}},
		},
		errs: map[string]error{"BBB222": eris.New("upstream 502")},
	}
	notifier := &fakeNotifier{}
	r := newTestRunner(st, client, notifier, config.PollConfig{})

	summary, err := r.Run(context.Background(), model.TriggerScheduled)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.VehiclesChecked)
	assert.Equal(t, 1, summary.VehiclesFailed)
	assert.Equal(t, 2, summary.NewFines)
	// Vehicle C, ordered after the failing B, was still fetched.
	assert.Equal(t, []string{"AAA111", "BBB222", "CCC333"}, client.calls)

	runs, err := st.ListRuns(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].VehiclesFailed)
	assert.Equal(t, model.RunStatusComplete, runs[0].Status)
}

func TestRun_SingleFlight(t *testing.T) {
	st := newTestStore(t)
	addVehicle(t, st, "AAA111")

	started := make(chan struct{})
	release := make(chan struct{})
	client := &fakeClient{
		fines: map[string][]model.RemoteFine{},
		hook: func(plate string) {
			close(started)
			<-release
		},
	}
	notifier := &fakeNotifier{}
	r := newTestRunner(st, client, notifier, config.PollConfig{})

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), model.TriggerScheduled)
		done <- err
	}()

	<-started
	_, err := r.Run(context.Background(), model.TriggerManual)
	assert.True(t, eris.Is(err, ErrRunInProgress))

	close(release)
	require.NoError(t, <-done)

	// The rejected run must not have touched the run log.
	runs, err := st.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRun_CancellationBetweenVehicles(t *testing.T) {
	st := newTestStore(t)
	addVehicle(t, st, "AAA111")
	addVehicle(t, st, "BBB222")
	addVehicle(t, st, "CCC333")

	ctx, cancel := context.WithCancel(context.Background())
	client := &fakeClient{
		fines: map[string][]model.RemoteFine{},
		hook: func(plate string) {
			if plate == "BBB222" {
				cancel()
			}
		},
	}
	notifier := &fakeNotifier{}
	r := newTestRunner(st, client, notifier, config.PollConfig{})

	_, err := r.Run(ctx, model.TriggerScheduled)
	require.Error(t, err)

	// Vehicle C was never fetched.
	assert.Equal(t, 2, client.callCount())

	// The partial run was still recorded.
	runs, listErr := st.ListRuns(context.Background(), 1)
	require.NoError(t, listErr)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusComplete, runs[0].Status)
}

func TestRun_NotificationFailureDoesNotAffectState(t *testing.T) {
	st := newTestStore(t)
	v := addVehicle(t, st, "А123ВС77")
	client := &fakeClient{fines: map[string][]model.RemoteFine{"А123ВС77": {speeding}}}
	notifier := &fakeNotifier{err: eris.New("smtp down")}
	r := newTestRunner(st, client, notifier, config.PollConfig{})

	summary, err := r.Run(context.Background(), model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.VehiclesChecked)

	fines, err := st.ListFines(context.Background(), store.FineFilter{VehicleID: v.ID})
	require.NoError(t, err)
	assert.Len(t, fines, 1)
}

func TestRun_SkipUnchangedFastPath(t *testing.T) {
	st := newTestStore(t)
	v := addVehicle(t, st, "А123ВС77")
	remote := []model.RemoteFine{speeding}

	// Pretend a previous poll already saw exactly this list.
	require.NoError(t, st.UpdateVehicleCheck(context.Background(), v.ID,
		fingerprint.Aggregate(remote), time.Now().UTC()))

	client := &fakeClient{fines: map[string][]model.RemoteFine{"А123ВС77": remote}}
	notifier := &fakeNotifier{}
	r := newTestRunner(st, client, notifier, config.PollConfig{SkipUnchanged: true})

	summary, err := r.Run(context.Background(), model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.VehiclesChecked)
	assert.Equal(t, 0, summary.NewFines)

	// The diff was skipped entirely: nothing inserted, nothing sent.
	fines, err := st.ListFines(context.Background(), store.FineFilter{VehicleID: v.ID})
	require.NoError(t, err)
	assert.Empty(t, fines)
	assert.Empty(t, notifier.sent())
}

func TestRun_NewVehicleMidRunWaitsForNextRun(t *testing.T) {
	st := newTestStore(t)
	addVehicle(t, st, "AAA111")

	var once sync.Once
	client := &fakeClient{fines: map[string][]model.RemoteFine{}}
	client.hook = func(plate string) {
		// Register another vehicle while the run is in flight.
		once.Do(func() { addVehicle(t, st, "ZZZ999") })
	}
	notifier := &fakeNotifier{}
	r := newTestRunner(st, client, notifier, config.PollConfig{})

	_, err := r.Run(context.Background(), model.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA111"}, client.calls)

	_, err = r.Run(context.Background(), model.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA111", "AAA111", "ZZZ999"}, client.calls)
}
