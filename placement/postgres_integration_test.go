package placement_test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"placementflow/db"
	"placementflow/maid"
	"placementflow/placement"
	"placementflow/test/infra"
)

var (
	harnessOnce sync.Once
	harness     *infra.Harness
	harnessErr  error
)

func TestMain(m *testing.M) {
	flag.Parse()
	code := m.Run()
	if harness != nil {
		harness.Close(context.Background())
	}
	os.Exit(code)
}

// pg returns a migrated, truncated database or skips the test.
func pg(t *testing.T) *infra.Harness {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration skipped in -short mode")
	}
	harnessOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		harness, harnessErr = infra.NewHarness(ctx)
	})
	if errors.Is(harnessErr, infra.ErrNoDatabase) {
		t.Skip("set DATABASE_URL or start docker to run postgres integration tests")
	}
	require.NoError(t, harnessErr)
	require.NoError(t, harness.Reset(context.Background()))
	return harness
}

func TestPostgres_HappyPath(t *testing.T) {
	h := pg(t)
	ctx := context.Background()
	require.NoError(t, h.SeedMaids(ctx, "M1"))

	eng := placement.NewEngine(h.Pool(), nil, nil, nil)
	agency := "A1"
	w, err := eng.Initiate(ctx, placement.InitiateParams{
		SponsorID: "S1",
		AgencyID:  &agency,
		MaidID:    "M1",
		Fee:       placement.Money{Minor: 50000, Currency: "USD"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.Version)
	assert.JSONEq(t, `{}`, string(w.Notes))

	d := time.Now().Add(24 * time.Hour)
	_, err = eng.ScheduleInterview(ctx, w.ID, d)
	require.NoError(t, err)
	_, err = eng.CompleteInterview(ctx, w.ID, "positive")
	require.NoError(t, err)
	w, err = eng.StartTrial(ctx, w.ID, d.Add(14*24*time.Hour))
	require.NoError(t, err)

	maids := maid.NewRepository(h.Pool())
	profile, err := maids.GetByID(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, maid.HiredStatusOnTrial, profile.HiredStatus)
	require.NotNil(t, profile.CurrentPlacementID)
	assert.Equal(t, w.ID, *profile.CurrentPlacementID)

	_, err = eng.ConfirmBySponsor(ctx, w.ID)
	require.NoError(t, err)
	_, err = eng.ConfirmByAgency(ctx, w.ID)
	require.NoError(t, err)
	w, err = eng.ConfirmPlacement(ctx, w.ID, d.Add(104*24*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, placement.StatusConfirmed, w.Status)
	assert.Equal(t, placement.FeeEarned, w.FeeStatus)
	assert.True(t, w.SponsorConfirmed)
	assert.True(t, w.AgencyConfirmed)
	require.NotNil(t, w.GuaranteeEndDate)
	assert.Equal(t, placement.Money{Minor: 50000, Currency: "USD"}, w.Fee)

	profile, err = maids.GetByID(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, maid.HiredStatusHired, profile.HiredStatus)
	assert.Nil(t, profile.CurrentPlacementID)
	require.NotNil(t, profile.HiredDate)

	var events, messages int
	require.NoError(t, h.Pool().QueryRow(ctx, `SELECT count(*) FROM placement_events WHERE workflow_id = $1::uuid`, w.ID).Scan(&events))
	require.NoError(t, h.Pool().QueryRow(ctx, `SELECT count(*) FROM outbox WHERE payload->>'workflow_id' = $1`, w.ID).Scan(&messages))
	assert.Equal(t, 9, events)
	assert.Equal(t, 9, messages)
}

func TestPostgres_Withdraw(t *testing.T) {
	h := pg(t)
	ctx := context.Background()
	require.NoError(t, h.SeedMaids(ctx, "M1"))
	eng := placement.NewEngine(h.Pool(), nil, nil, nil)

	w, err := eng.Initiate(ctx, placement.InitiateParams{SponsorID: "S1", MaidID: "M1", Fee: placement.Money{Minor: 100, Currency: "USD"}})
	require.NoError(t, err)
	_, err = eng.ScheduleInterview(ctx, w.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	w, err = eng.FailPlacement(ctx, w.ID, "sponsor withdrew", "interview_scheduled")
	require.NoError(t, err)

	assert.Equal(t, placement.StatusFailed, w.Status)
	assert.Equal(t, placement.FeeReturned, w.FeeStatus)

	profile, err := maid.NewRepository(h.Pool()).GetByID(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, maid.HiredStatusAvailable, profile.HiredStatus)
	assert.Nil(t, profile.CurrentPlacementID)

	_, ok, err := eng.FindActivePlacementForMaid(ctx, "M1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgres_InitiateRace(t *testing.T) {
	h := pg(t)
	ctx := context.Background()
	require.NoError(t, h.SeedMaids(ctx, "M2"))
	eng := placement.NewEngine(h.Pool(), nil, nil, nil)

	const racers = 6
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = eng.Initiate(ctx, placement.InitiateParams{
				SponsorID: fmt.Sprintf("S%d", i),
				MaidID:    "M2",
				Fee:       placement.Money{Minor: 50000, Currency: "USD"},
			})
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var conflict *placement.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.NotEmpty(t, conflict.BlockingID)
	}
	assert.Equal(t, 1, wins)

	var rows int
	require.NoError(t, h.Pool().QueryRow(ctx, `SELECT count(*) FROM placement_workflows WHERE maid_id = 'M2'`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestPostgres_InitiateSameKeyRace(t *testing.T) {
	h := pg(t)
	ctx := context.Background()
	require.NoError(t, h.SeedMaids(ctx, "M5"))
	eng := placement.NewEngine(h.Pool(), nil, nil, nil)

	params := placement.InitiateParams{
		SponsorID:      "S1",
		MaidID:         "M5",
		Fee:            placement.Money{Minor: 50000, Currency: "USD"},
		IdempotencyKey: "client-retry-1",
	}
	const racers = 4
	ids := make([]string, racers)
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := eng.Initiate(ctx, params)
			ids[i], errs[i] = w.ID, err
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	var rows int
	require.NoError(t, h.Pool().QueryRow(ctx, `SELECT count(*) FROM placement_workflows WHERE maid_id = 'M5'`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestPostgres_PartialIndexBackstop(t *testing.T) {
	h := pg(t)
	ctx := context.Background()
	require.NoError(t, h.SeedMaids(ctx, "M3"))

	eng := placement.NewEngine(h.Pool(), nil, nil, nil)
	_, err := eng.Initiate(ctx, placement.InitiateParams{SponsorID: "S1", MaidID: "M3", Fee: placement.Money{Minor: 100, Currency: "USD"}})
	require.NoError(t, err)

	_, err = h.Pool().Exec(ctx, `
		INSERT INTO placement_workflows (id, sponsor_id, maid_id, status, fee_status, contact_date,
		                                 platform_fee_amount, platform_fee_currency)
		VALUES (gen_random_uuid(), 'S2', 'M3', 'contact_initiated', 'pending', now(), 1, 'USD')`)
	require.Error(t, err)
	assert.True(t, db.IsUniqueViolation(err))
}

func TestPostgres_ReadQueries(t *testing.T) {
	h := pg(t)
	ctx := context.Background()
	require.NoError(t, h.SeedMaids(ctx, "M1", "M2", "M3"))
	eng := placement.NewEngine(h.Pool(), nil, nil, nil)

	fee, err := placement.ParseMoney("1250.50", "aed")
	require.NoError(t, err)

	start := time.Now().Add(-time.Minute)
	ids := make([]string, 0, 3)
	for i, maidID := range []string{"M1", "M2", "M3"} {
		w, err := eng.Initiate(ctx, placement.InitiateParams{
			SponsorID:      "S1",
			MaidID:         maidID,
			Fee:            fee,
			IdempotencyKey: fmt.Sprintf("key-%d", i),
		})
		require.NoError(t, err)
		ids = append(ids, w.ID)
	}

	replay, err := eng.Initiate(ctx, placement.InitiateParams{SponsorID: "S1", MaidID: "M1", Fee: fee, IdempotencyKey: "key-0"})
	require.NoError(t, err)
	assert.Equal(t, ids[0], replay.ID)

	for _, id := range ids[:2] {
		_, err := eng.ScheduleInterview(ctx, id, time.Now().Add(time.Hour))
		require.NoError(t, err)
		_, err = eng.CompleteInterview(ctx, id, "positive")
		require.NoError(t, err)
	}
	_, err = eng.StartTrial(ctx, ids[0], time.Now().Add(10*24*time.Hour))
	require.NoError(t, err)
	_, err = eng.StartTrial(ctx, ids[1], time.Now().Add(2*24*time.Hour))
	require.NoError(t, err)
	_, err = eng.FailPlacement(ctx, ids[2], "sponsor withdrew", "")
	require.NoError(t, err)

	trials, err := eng.FindExpiringTrials(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, trials, 2)
	assert.Equal(t, ids[1], trials[0].Workflow.ID)
	assert.False(t, trials[0].Overdue)

	status := placement.StatusTrialStarted
	list, err := eng.ListForSponsor(ctx, "S1", &status)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	recent, err := eng.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[2], recent[0].ID)

	stats, err := eng.Stats(ctx, start, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[placement.StatusTrialStarted])
	assert.Equal(t, 1, stats.ByStatus[placement.StatusFailed])
	assert.Equal(t, 2, stats.ByFeeStatus[placement.FeeHeld])
	assert.Equal(t, 1, stats.ByFeeStatus[placement.FeeReturned])
	for _, total := range stats.FeeTotals {
		assert.Equal(t, "AED", total.Currency)
		assert.Equal(t, int64(total.Count)*125050, total.Minor)
	}

	w, err := eng.UpdateNotes(ctx, ids[0], []byte(`{"visa":"approved"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"visa":"approved"}`, string(w.Notes))
}
