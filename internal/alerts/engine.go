package alerts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"meterdash/internal/automation"
	"meterdash/internal/models"
)

const (
	StateOK       = "OK"
	StateFiring   = "FIRING"
	StateCooldown = "COOLDOWN"

	AlertThresholdBreach = "threshold_breach"
	AlertNightAnomaly    = "night_anomaly"
)

type Repo interface {
	GetBreachState(ctx context.Context, deviceID string) (state string, since time.Time, lastFired, lastRecovered *time.Time, err error)
	UpsertBreachState(ctx context.Context, deviceID, state string, since time.Time, lastFired, lastRecovered *time.Time) error
	CreateBreach(ctx context.Context, b models.Breach) (int64, error)
	CloseBreach(ctx context.Context, deviceID string, ended time.Time) error
}

type Notifier interface {
	EnergyAlert(ctx context.Context, fields map[string]any) (automation.Response, error)
}

// Engine watches generated readings for threshold breaches and raises one
// energy alert per breach. Tickets come back through the callback webhook.
type Engine struct {
	repo      Repo
	notify    Notifier
	log       *slog.Logger
	now       func() time.Time
	op        string
	threshold float64
	cooldown  time.Duration
}

// NewEngine fires when demand op threshold holds. An empty op means ">".
func NewEngine(repo Repo, notify Notifier, op string, threshold float64, cooldown time.Duration, logger *slog.Logger) *Engine {
	if op == "" {
		op = ">"
	}
	return &Engine{repo: repo, notify: notify, log: logger, now: time.Now, op: op, threshold: threshold, cooldown: cooldown}
}

func (e *Engine) Threshold() float64 { return e.threshold }

func (e *Engine) Evaluate(ctx context.Context, r models.SyntheticReading) {
	if math.IsNaN(r.Demand) {
		return
	}
	shouldFire := compare(r.Demand, e.op, e.threshold)
	now := e.now().UTC()
	state, since, lastFired, _, err := e.repo.GetBreachState(ctx, r.DeviceID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		e.log.Error("get breach state", "err", err, "device", r.DeviceID)
		return
	}
	if errors.Is(err, sql.ErrNoRows) {
		state = StateOK
		since = now
	}

	if shouldFire {
		if state == StateFiring {
			return
		}
		if lastFired != nil && now.Sub(*lastFired) < e.cooldown {
			if state != StateCooldown {
				_ = e.repo.UpsertBreachState(ctx, r.DeviceID, StateCooldown, now, lastFired, nil)
			}
			return
		}
		msg := fmt.Sprintf("BREACH %s demand=%.2f threshold %s %.2f", r.Equipment, r.Demand, e.op, e.threshold)
		if err := e.send(ctx, r); err != nil {
			// Left in its current state so the next reading retries.
			e.log.Warn("energy alert not delivered", "device", r.DeviceID, "err", err)
			return
		}
		_, cErr := e.repo.CreateBreach(ctx, models.Breach{
			DeviceID: r.DeviceID, Equipment: r.Equipment, Status: "firing", StartedAt: now,
			Value: r.Demand, Threshold: e.threshold, Summary: msg,
		})
		if cErr != nil {
			e.log.Error("record breach", "err", cErr, "device", r.DeviceID)
		}
		_ = e.repo.UpsertBreachState(ctx, r.DeviceID, StateFiring, now, &now, nil)
		e.log.Info("breach fired", "device", r.DeviceID, "equipment", r.Equipment, "demand", r.Demand)
		return
	}

	if state == StateFiring || state == StateCooldown {
		_ = e.repo.CloseBreach(ctx, r.DeviceID, now)
		_ = e.repo.UpsertBreachState(ctx, r.DeviceID, StateOK, now, lastFired, &now)
		if state == StateFiring {
			e.log.Info("breach recovered", "device", r.DeviceID, "demand", r.Demand, "since", since)
		}
	}
}

func (e *Engine) send(ctx context.Context, r models.SyntheticReading) error {
	night := IsNight(r.Timestamp)
	alertType := AlertThresholdBreach
	if night {
		alertType = AlertNightAnomaly
	}
	_, err := e.notify.EnergyAlert(ctx, map[string]any{
		"deviceId":        r.DeviceID,
		"equipment":       r.Equipment,
		"consumption":     r.Demand,
		"expected":        r.Stats.Avg,
		"threshold":       e.threshold,
		"isNight":         night,
		"alertType":       alertType,
		"thresholdBreach": true,
		"readingTime":     r.Timestamp,
	})
	return err
}

// IsNight reports whether t falls in the 22:00 to 06:00 window.
func IsNight(t time.Time) bool {
	h := t.Hour()
	return h < 6 || h >= 22
}

func compare(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	default:
		return false
	}
}
