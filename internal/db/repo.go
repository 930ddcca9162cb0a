package db

import (
	"context"
	"database/sql"
	"time"

	"meterdash/internal/models"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) DB() *sql.DB { return r.db }

func (r *Repository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *Repository) InsertDispatches(ctx context.Context, items []models.Dispatch) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO dispatches (ts,type,target,status,error,duration_ms) VALUES (?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, d := range items {
		if _, err := stmt.ExecContext(ctx, d.TS.UTC(), d.Type, d.Target, d.Status, d.Error, d.DurationMS); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Repository) InsertTicketEvents(ctx context.Context, items []models.TicketEvent) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO ticket_events (ts,ticket_id,path,action,status,priority) VALUES (?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range items {
		if _, err := stmt.ExecContext(ctx, e.TS.UTC(), e.TicketID, e.Path, e.Action, e.Status, e.Priority); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Repository) RecentDispatches(ctx context.Context, kind string, limit int) ([]models.Dispatch, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT ts,type,target,status,error,duration_ms FROM dispatches
		WHERE (? = '' OR type = ?) ORDER BY ts DESC, id DESC LIMIT ?`, kind, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Dispatch, 0, limit)
	for rows.Next() {
		var d models.Dispatch
		if err := rows.Scan(&d.TS, &d.Type, &d.Target, &d.Status, &d.Error, &d.DurationMS); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *Repository) TicketHistory(ctx context.Context, ticketID string, limit int) ([]models.TicketEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT ts,ticket_id,path,action,status,priority FROM ticket_events
		WHERE ticket_id = ? ORDER BY ts DESC, id DESC LIMIT ?`, ticketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.TicketEvent, 0, 16)
	for rows.Next() {
		var e models.TicketEvent
		if err := rows.Scan(&e.TS, &e.TicketID, &e.Path, &e.Action, &e.Status, &e.Priority); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repository) UpsertBreachState(ctx context.Context, deviceID, state string, since time.Time, lastFired, lastRecovered *time.Time) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO breach_states (device_id,state,since_ts,last_fired_ts,last_recovered_ts)
		VALUES (?,?,?,?,?)
		ON CONFLICT(device_id) DO UPDATE SET state=excluded.state,since_ts=excluded.since_ts,last_fired_ts=excluded.last_fired_ts,last_recovered_ts=excluded.last_recovered_ts`,
		deviceID, state, since.UTC(), lastFired, lastRecovered)
	return err
}

func (r *Repository) GetBreachState(ctx context.Context, deviceID string) (state string, since time.Time, lastFired, lastRecovered *time.Time, err error) {
	var fired, recovered sql.NullTime
	err = r.db.QueryRowContext(ctx, `SELECT state,since_ts,last_fired_ts,last_recovered_ts FROM breach_states WHERE device_id=?`, deviceID).
		Scan(&state, &since, &fired, &recovered)
	if err != nil {
		return "", time.Time{}, nil, nil, err
	}
	if fired.Valid {
		t := fired.Time
		lastFired = &t
	}
	if recovered.Valid {
		t := recovered.Time
		lastRecovered = &t
	}
	return
}

func (r *Repository) CreateBreach(ctx context.Context, b models.Breach) (int64, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO breaches (device_id,equipment,status,started_ts,value,threshold,summary) VALUES (?,?,?,?,?,?,?)`,
		b.DeviceID, b.Equipment, b.Status, b.StartedAt.UTC(), b.Value, b.Threshold, b.Summary)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *Repository) CloseBreach(ctx context.Context, deviceID string, ended time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE breaches SET status='recovered', ended_ts_nullable=? WHERE device_id=? AND status='firing'`, ended.UTC(), deviceID)
	return err
}

func (r *Repository) RecentBreaches(ctx context.Context, since time.Time, limit int) ([]models.Breach, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id,device_id,equipment,status,started_ts,ended_ts_nullable,value,threshold,summary
		FROM breaches WHERE started_ts >= ? ORDER BY started_ts DESC, id DESC LIMIT ?`, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Breach
	for rows.Next() {
		var b models.Breach
		var ended sql.NullTime
		if err := rows.Scan(&b.ID, &b.DeviceID, &b.Equipment, &b.Status, &b.StartedAt, &ended, &b.Value, &b.Threshold, &b.Summary); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			b.EndedAt = &t
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) error {
	queries := []string{
		`DELETE FROM dispatches WHERE ts < ?`,
		`DELETE FROM ticket_events WHERE ts < ?`,
		`DELETE FROM breaches WHERE started_ts < ? AND status='recovered'`,
	}
	for _, q := range queries {
		if _, err := r.db.ExecContext(ctx, q, cutoff.UTC()); err != nil {
			return err
		}
	}
	_, _ = r.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	_, _ = r.db.ExecContext(ctx, `PRAGMA optimize`)
	return nil
}
