package repository

import (
	"context"
	"database/sql"
	"time"
)

// ScrapeEventRepo handles the scrape_events audit trail.
type ScrapeEventRepo struct{ db DBTX }

func NewScrapeEventRepo(db DBTX) *ScrapeEventRepo { return &ScrapeEventRepo{db: db} }

// Start inserts a started event and returns its id.
func (r *ScrapeEventRepo) Start(ctx context.Context, ev ScrapeEvent, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
	INSERT INTO scrape_events(triggered_by, vendor, start_date, status, message, credential_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.TriggeredBy, ev.Vendor, nullTimeArg(ev.StartDate), EventStarted, ev.Message, ev.CredentialID, timeArg(at))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Finish moves a started event to its terminal status. Events already
// finished are left alone so the trail stays append-only.
func (r *ScrapeEventRepo) Finish(ctx context.Context, id int64, status, message string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE scrape_events SET status = ?, message = ?, updated_at = ?
	WHERE id = ? AND status = ?`, status, message, timeArg(at), id, EventStarted)
	return err
}

// CountSince counts attempts for a credential created at or after since.
func (r *ScrapeEventRepo) CountSince(ctx context.Context, credentialID int64, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scrape_events WHERE credential_id = ? AND created_at >= ?`,
		credentialID, timeArg(since)).Scan(&n)
	return n, err
}

func (r *ScrapeEventRepo) Get(ctx context.Context, id int64) (*ScrapeEvent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, triggered_by, vendor, start_date, status, message, credential_id, created_at, updated_at
	FROM scrape_events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &ev, nil
}

// List returns the most recent events first, optionally for one vendor.
func (r *ScrapeEventRepo) List(ctx context.Context, vendor string, limit int) ([]ScrapeEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id, triggered_by, vendor, start_date, status, message, credential_id, created_at, updated_at
	FROM scrape_events WHERE (? = '' OR vendor = ?) ORDER BY id DESC LIMIT ?`, vendor, vendor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScrapeEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(row scanner) (ScrapeEvent, error) {
	var ev ScrapeEvent
	var start, message, updated sql.NullString
	var credID sql.NullInt64
	var created string
	if err := row.Scan(&ev.ID, &ev.TriggeredBy, &ev.Vendor, &start, &ev.Status, &message, &credID, &created, &updated); err != nil {
		return ScrapeEvent{}, err
	}
	ev.Message = nullString(message)
	ev.CredentialID = nullInt(credID)
	var err error
	if ev.StartDate, err = parseNullTime(start); err != nil {
		return ScrapeEvent{}, err
	}
	if ev.UpdatedAt, err = parseNullTime(updated); err != nil {
		return ScrapeEvent{}, err
	}
	c, err := parseNullTime(sql.NullString{String: created, Valid: true})
	if err != nil {
		return ScrapeEvent{}, err
	}
	ev.CreatedAt = *c
	return ev, nil
}
