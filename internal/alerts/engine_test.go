package alerts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"meterdash/internal/automation"
	"meterdash/internal/db"
	"meterdash/internal/models"
)

type recordingNotifier struct {
	calls []map[string]any
	err   error
}

func (n *recordingNotifier) EnergyAlert(_ context.Context, fields map[string]any) (automation.Response, error) {
	n.calls = append(n.calls, fields)
	return automation.Response{Status: 200}, n.err
}

func TestCompare(t *testing.T) {
	cases := []struct {
		v, th float64
		op    string
		want  bool
	}{
		{18, 17, ">", true},
		{17, 17, ">", false},
		{17, 17, ">=", true},
		{16, 17, "<", true},
		{17, 17, "==", true},
		{17, 17, "!=", false},
	}
	for _, tc := range cases {
		if got := compare(tc.v, tc.op, tc.th); got != tc.want {
			t.Fatalf("compare(%v %s %v) got %v want %v", tc.v, tc.op, tc.th, got, tc.want)
		}
	}
}

func TestEvaluateUsesConfiguredOperator(t *testing.T) {
	n := &recordingNotifier{}
	e, _, now := newTestEngineOp(t, n, "<")
	ctx := context.Background()

	e.Evaluate(ctx, reading(25, *now))
	if len(n.calls) != 0 {
		t.Fatalf("alerts = %d, want 0 above threshold", len(n.calls))
	}
	e.Evaluate(ctx, reading(3, *now))
	if len(n.calls) != 1 || n.calls[0]["consumption"] != 3.0 {
		t.Fatalf("calls = %v", n.calls)
	}
}

func newTestEngine(t *testing.T, n Notifier) (*Engine, *db.Repository, *time.Time) {
	return newTestEngineOp(t, n, "")
}

func newTestEngineOp(t *testing.T, n Notifier, op string) (*Engine, *db.Repository, *time.Time) {
	t.Helper()
	sqldb, err := db.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = sqldb.Close() })
	if err := db.Migrate(sqldb); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	repo := db.NewRepository(sqldb)
	e := NewEngine(repo, n, op, 17, 5*time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 2, 21, 23, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	return e, repo, &now
}

func reading(demand float64, at time.Time) models.SyntheticReading {
	return models.SyntheticReading{DeviceID: "1", Equipment: "MFM 1", Timestamp: at, Demand: demand, Stats: models.Statistics{Avg: 12.5}}
}

func TestEvaluateFiresOncePerBreach(t *testing.T) {
	n := &recordingNotifier{}
	e, repo, now := newTestEngine(t, n)
	ctx := context.Background()

	e.Evaluate(ctx, reading(12, *now))
	e.Evaluate(ctx, reading(25.5, *now))
	e.Evaluate(ctx, reading(26, *now))
	if len(n.calls) != 1 {
		t.Fatalf("alerts sent = %d, want 1", len(n.calls))
	}
	got := n.calls[0]
	if got["equipment"] != "MFM 1" || got["consumption"] != 25.5 || got["expected"] != 12.5 || got["isNight"] != true || got["alertType"] != AlertNightAnomaly {
		t.Fatalf("payload = %v", got)
	}
	state, _, _, _, err := repo.GetBreachState(ctx, "1")
	if err != nil || state != StateFiring {
		t.Fatalf("state = %s err = %v", state, err)
	}

	*now = now.Add(time.Minute)
	e.Evaluate(ctx, reading(10, *now))
	state, _, _, _, _ = repo.GetBreachState(ctx, "1")
	if state != StateOK {
		t.Fatalf("state after recovery = %s", state)
	}
	breaches, _ := repo.RecentBreaches(ctx, now.Add(-time.Hour), 10)
	if len(breaches) != 1 || breaches[0].Status != "recovered" {
		t.Fatalf("breaches = %+v", breaches)
	}
}

func TestEvaluateHonoursCooldown(t *testing.T) {
	n := &recordingNotifier{}
	e, repo, now := newTestEngine(t, n)
	ctx := context.Background()

	e.Evaluate(ctx, reading(30, *now))
	*now = now.Add(time.Minute)
	e.Evaluate(ctx, reading(5, *now))
	*now = now.Add(time.Minute)
	e.Evaluate(ctx, reading(30, *now))
	if len(n.calls) != 1 {
		t.Fatalf("alerts sent inside cooldown = %d", len(n.calls))
	}
	state, _, _, _, _ := repo.GetBreachState(ctx, "1")
	if state != StateCooldown {
		t.Fatalf("state = %s, want COOLDOWN", state)
	}

	*now = now.Add(10 * time.Minute)
	e.Evaluate(ctx, reading(30, *now))
	if len(n.calls) != 2 {
		t.Fatalf("alerts sent after cooldown = %d", len(n.calls))
	}
}

func TestEvaluateRetriesUndeliveredAlert(t *testing.T) {
	n := &recordingNotifier{err: errors.New("backend down")}
	e, repo, now := newTestEngine(t, n)
	ctx := context.Background()

	e.Evaluate(ctx, reading(30, *now))
	if _, _, _, _, err := repo.GetBreachState(ctx, "1"); err == nil {
		t.Fatal("undelivered alert should not change state")
	}
	n.err = nil
	e.Evaluate(ctx, reading(30, *now))
	if len(n.calls) != 2 {
		t.Fatalf("attempts = %d, want 2", len(n.calls))
	}
	state, _, _, _, _ := repo.GetBreachState(ctx, "1")
	if state != StateFiring {
		t.Fatalf("state = %s", state)
	}
}

func TestIsNight(t *testing.T) {
	for h, want := range map[int]bool{0: true, 5: true, 6: false, 12: false, 21: false, 22: true, 23: true} {
		if got := IsNight(time.Date(2026, 1, 1, h, 30, 0, 0, time.UTC)); got != want {
			t.Fatalf("hour %d: got %v", h, got)
		}
	}
}
