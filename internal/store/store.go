// Package store persists categories, competitors, results and punch
// lists in a single-file SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kolskypavel/Radio-O-Manager-sub000/internal/race"
	"github.com/kolskypavel/Radio-O-Manager-sub000/internal/si"
)

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS categories (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	name           TEXT NOT NULL UNIQUE,
	race_type      TEXT NOT NULL,
	control_spec   TEXT NOT NULL,
	time_limit_sec INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS competitors (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	name            TEXT NOT NULL,
	card_number     INTEGER NOT NULL UNIQUE,
	category_id     INTEGER NOT NULL REFERENCES categories(id),
	drawn_start_sec INTEGER
);

CREATE TABLE IF NOT EXISTS results (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	competitor_id    INTEGER NOT NULL UNIQUE REFERENCES competitors(id),
	card_number      INTEGER NOT NULL,
	points           INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	automatic_status INTEGER NOT NULL DEFAULT 1,
	run_time_sec     INTEGER NOT NULL DEFAULT 0,
	start_total_sec  INTEGER,
	finish_total_sec INTEGER,
	updated_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS punches (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	result_id   INTEGER NOT NULL REFERENCES results(id) ON DELETE CASCADE,
	seq         INTEGER NOT NULL,
	code        INTEGER NOT NULL,
	total_sec   INTEGER NOT NULL,
	status      TEXT NOT NULL,
	split_sec   INTEGER NOT NULL DEFAULT 0,
	UNIQUE (result_id, seq)
);
`

// Open opens (creating if needed) the race database.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store: database path is required")
	}
	dsn := path + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Categories
// ---------------------------------------------------------------------------

// SaveCategory inserts or updates a category. The control specification
// is validated against the race type before anything is written; a
// validation error blocks the save entirely.
func (s *Store) SaveCategory(ctx context.Context, c *race.Category) error {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return fmt.Errorf("store: category name is required")
	}
	if !c.RaceType.Valid() {
		return fmt.Errorf("store: unknown race type %q", c.RaceType)
	}
	cps, err := race.ParseControlPoints(c.ControlSpec, c.RaceType)
	if err != nil {
		return err
	}
	c.ControlPoints = cps

	if c.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO categories (name, race_type, control_spec, time_limit_sec)
			 VALUES (?, ?, ?, ?)`,
			name, string(c.RaceType), c.ControlSpec, int64(c.TimeLimit/time.Second))
		if err != nil {
			return fmt.Errorf("store: insert category: %w", err)
		}
		c.ID, _ = res.LastInsertId()
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE categories SET name = ?, race_type = ?, control_spec = ?, time_limit_sec = ?
		 WHERE id = ?`,
		name, string(c.RaceType), c.ControlSpec, int64(c.TimeLimit/time.Second), c.ID)
	if err != nil {
		return fmt.Errorf("store: update category: %w", err)
	}
	return nil
}

// Category loads one category with its parsed control points.
func (s *Store) Category(ctx context.Context, id int64) (*race.Category, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, race_type, control_spec, time_limit_sec FROM categories WHERE id = ?`, id)
	return scanCategory(row)
}

// Categories lists all categories by name.
func (s *Store) Categories(ctx context.Context) ([]*race.Category, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, race_type, control_spec, time_limit_sec FROM categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list categories: %w", err)
	}
	defer rows.Close()
	var out []*race.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCategory(row rowScanner) (*race.Category, error) {
	var c race.Category
	var rt string
	var limitSec int64
	if err := row.Scan(&c.ID, &c.Name, &rt, &c.ControlSpec, &limitSec); err != nil {
		return nil, fmt.Errorf("store: scan category: %w", err)
	}
	c.RaceType = race.Type(rt)
	c.TimeLimit = time.Duration(limitSec) * time.Second
	cps, err := race.ParseControlPoints(c.ControlSpec, c.RaceType)
	if err != nil {
		return nil, fmt.Errorf("store: stored control spec no longer parses: %w", err)
	}
	c.ControlPoints = cps
	return &c, nil
}

// ---------------------------------------------------------------------------
// Competitors
// ---------------------------------------------------------------------------

// SaveCompetitor inserts or updates a competitor.
func (s *Store) SaveCompetitor(ctx context.Context, c *race.Competitor) error {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return fmt.Errorf("store: competitor name is required")
	}
	if c.CardNumber == 0 {
		return fmt.Errorf("store: card number is required")
	}
	var drawn any
	if c.DrawnStart != nil {
		drawn = int64(c.DrawnStart.TotalSeconds())
	}
	if c.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO competitors (name, card_number, category_id, drawn_start_sec)
			 VALUES (?, ?, ?, ?)`,
			name, c.CardNumber, c.CategoryID, drawn)
		if err != nil {
			return fmt.Errorf("store: insert competitor: %w", err)
		}
		c.ID, _ = res.LastInsertId()
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE competitors SET name = ?, card_number = ?, category_id = ?, drawn_start_sec = ?
		 WHERE id = ?`,
		name, c.CardNumber, c.CategoryID, drawn, c.ID)
	if err != nil {
		return fmt.Errorf("store: update competitor: %w", err)
	}
	return nil
}

// CompetitorByCard resolves a card number to its entrant, or nil when the
// card is not registered.
func (s *Store) CompetitorByCard(ctx context.Context, card uint32) (*race.Competitor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, card_number, category_id, drawn_start_sec
		 FROM competitors WHERE card_number = ?`, card)
	c, err := scanCompetitor(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// Competitors lists entrants, optionally limited to one category.
func (s *Store) Competitors(ctx context.Context, categoryID int64) ([]*race.Competitor, error) {
	q := `SELECT id, name, card_number, category_id, drawn_start_sec FROM competitors`
	args := []any{}
	if categoryID != 0 {
		q += ` WHERE category_id = ?`
		args = append(args, categoryID)
	}
	q += ` ORDER BY name`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list competitors: %w", err)
	}
	defer rows.Close()
	var out []*race.Competitor
	for rows.Next() {
		c, err := scanCompetitor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCompetitor(row rowScanner) (*race.Competitor, error) {
	var c race.Competitor
	var drawn sql.NullInt64
	if err := row.Scan(&c.ID, &c.Name, &c.CardNumber, &c.CategoryID, &drawn); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan competitor: %w", err)
	}
	if drawn.Valid {
		t := timeFromTotal(drawn.Int64)
		c.DrawnStart = &t
	}
	return &c, nil
}

func timeFromTotal(total int64) si.Time {
	return si.Time{}.AddSeconds(int(total))
}

// ---------------------------------------------------------------------------
// Results
// ---------------------------------------------------------------------------

// SaveResult writes a result and its ordered punch list in one
// transaction, replacing any previous readout for the same competitor.
// The punch list is keyed 1:1 to the result and rewritten whole.
func (s *Store) SaveResult(ctx context.Context, res *race.Result, punches []race.Punch) error {
	if res.CompetitorID == 0 {
		return fmt.Errorf("store: result requires a competitor")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	var start, finish any
	if res.StartTime != nil {
		start = int64(res.StartTime.TotalSeconds())
	}
	if res.FinishTime != nil {
		finish = int64(res.FinishTime.TotalSeconds())
	}
	now := time.Now().UnixMilli()

	if res.ID == 0 {
		r, err := tx.ExecContext(ctx,
			`INSERT INTO results
			   (competitor_id, card_number, points, status, automatic_status,
			    run_time_sec, start_total_sec, finish_total_sec, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(competitor_id) DO UPDATE SET
			   card_number = excluded.card_number,
			   points = excluded.points,
			   status = excluded.status,
			   automatic_status = excluded.automatic_status,
			   run_time_sec = excluded.run_time_sec,
			   start_total_sec = excluded.start_total_sec,
			   finish_total_sec = excluded.finish_total_sec,
			   updated_at = excluded.updated_at`,
			res.CompetitorID, res.CardNumber, res.Points, string(res.Status),
			boolInt(res.AutomaticStatus), int64(res.RunTime/time.Second), start, finish, now)
		if err != nil {
			return fmt.Errorf("store: upsert result: %w", err)
		}
		if id, err := r.LastInsertId(); err == nil && id != 0 {
			res.ID = id
		}
		if res.ID == 0 {
			if err := tx.QueryRowContext(ctx,
				`SELECT id FROM results WHERE competitor_id = ?`, res.CompetitorID).Scan(&res.ID); err != nil {
				return fmt.Errorf("store: resolve result id: %w", err)
			}
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE results SET card_number = ?, points = ?, status = ?, automatic_status = ?,
			   run_time_sec = ?, start_total_sec = ?, finish_total_sec = ?, updated_at = ?
			 WHERE id = ?`,
			res.CardNumber, res.Points, string(res.Status), boolInt(res.AutomaticStatus),
			int64(res.RunTime/time.Second), start, finish, now, res.ID); err != nil {
			return fmt.Errorf("store: update result: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM punches WHERE result_id = ?`, res.ID); err != nil {
		return fmt.Errorf("store: clear punches: %w", err)
	}
	for i, p := range punches {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO punches (result_id, seq, code, total_sec, status, split_sec)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			res.ID, i, p.Code, int64(p.Time.TotalSeconds()), string(p.Status),
			int64(p.Split/time.Second)); err != nil {
			return fmt.Errorf("store: insert punch %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Result loads one result with its ordered punches.
func (s *Store) Result(ctx context.Context, id int64) (*race.Result, []race.Punch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, competitor_id, card_number, points, status, automatic_status,
		        run_time_sec, start_total_sec, finish_total_sec
		 FROM results WHERE id = ?`, id)
	res, err := scanResult(row)
	if err != nil {
		return nil, nil, err
	}
	punches, err := s.punchesFor(ctx, res.ID)
	if err != nil {
		return nil, nil, err
	}
	return res, punches, nil
}

func (s *Store) punchesFor(ctx context.Context, resultID int64) ([]race.Punch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, total_sec, status, split_sec FROM punches
		 WHERE result_id = ? ORDER BY seq`, resultID)
	if err != nil {
		return nil, fmt.Errorf("store: load punches: %w", err)
	}
	defer rows.Close()
	var punches []race.Punch
	for rows.Next() {
		var p race.Punch
		var total, split int64
		var status string
		if err := rows.Scan(&p.Code, &total, &status, &split); err != nil {
			return nil, fmt.Errorf("store: scan punch: %w", err)
		}
		p.Time = timeFromTotal(total)
		p.Status = race.PunchStatus(status)
		p.Split = time.Duration(split) * time.Second
		punches = append(punches, p)
	}
	return punches, rows.Err()
}

// RankedResult is one row of a category result list.
type RankedResult struct {
	Result     *race.Result `json:"result"`
	Competitor string       `json:"competitor"`
	CategoryID int64        `json:"categoryId"`
}

// RankedResults lists scored results for one category (or all, when
// categoryID is 0): ranked runs first, then by points descending, then
// by run time ascending.
func (s *Store) RankedResults(ctx context.Context, categoryID int64) ([]RankedResult, error) {
	q := `SELECT r.id, r.competitor_id, r.card_number, r.points, r.status, r.automatic_status,
	             r.run_time_sec, r.start_total_sec, r.finish_total_sec, c.name, c.category_id
	      FROM results r JOIN competitors c ON c.id = r.competitor_id`
	args := []any{}
	if categoryID != 0 {
		q += ` WHERE c.category_id = ?`
		args = append(args, categoryID)
	}
	q += ` ORDER BY CASE r.status WHEN 'ok' THEN 0 WHEN 'no_ranking' THEN 1 ELSE 2 END,
	               r.points DESC, r.run_time_sec ASC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: ranked results: %w", err)
	}
	defer rows.Close()
	var out []RankedResult
	for rows.Next() {
		var rr RankedResult
		var res race.Result
		var auto int
		var runSec int64
		var start, finish sql.NullInt64
		var status string
		if err := rows.Scan(&res.ID, &res.CompetitorID, &res.CardNumber, &res.Points, &status,
			&auto, &runSec, &start, &finish, &rr.Competitor, &rr.CategoryID); err != nil {
			return nil, fmt.Errorf("store: scan ranked result: %w", err)
		}
		res.Status = race.ResultStatus(status)
		res.AutomaticStatus = auto != 0
		res.RunTime = time.Duration(runSec) * time.Second
		if start.Valid {
			t := timeFromTotal(start.Int64)
			res.StartTime = &t
		}
		if finish.Valid {
			t := timeFromTotal(finish.Int64)
			res.FinishTime = &t
		}
		rr.Result = &res
		out = append(out, rr)
	}
	return out, rows.Err()
}

func scanResult(row rowScanner) (*race.Result, error) {
	var res race.Result
	var auto int
	var runSec int64
	var start, finish sql.NullInt64
	var status string
	if err := row.Scan(&res.ID, &res.CompetitorID, &res.CardNumber, &res.Points, &status,
		&auto, &runSec, &start, &finish); err != nil {
		return nil, fmt.Errorf("store: scan result: %w", err)
	}
	res.Status = race.ResultStatus(status)
	res.AutomaticStatus = auto != 0
	res.RunTime = time.Duration(runSec) * time.Second
	if start.Valid {
		t := timeFromTotal(start.Int64)
		res.StartTime = &t
	}
	if finish.Valid {
		t := timeFromTotal(finish.Int64)
		res.FinishTime = &t
	}
	return &res, nil
}

// SetManualStatus applies a status override: automatic re-evaluation
// keeps refreshing points but leaves the status alone until the override
// is cleared.
func (s *Store) SetManualStatus(ctx context.Context, resultID int64, status race.ResultStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE results SET status = ?, automatic_status = 0, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixMilli(), resultID)
	if err != nil {
		return fmt.Errorf("store: set manual status: %w", err)
	}
	return nil
}

// ClearManualStatus removes an override and re-evaluates the result from
// its persisted punches.
func (s *Store) ClearManualStatus(ctx context.Context, resultID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE results SET automatic_status = 1, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), resultID); err != nil {
		return fmt.Errorf("store: clear manual status: %w", err)
	}
	return s.reevaluateResult(ctx, resultID)
}

// ReevaluateCategory re-runs evaluation for every result in a category,
// e.g. after its control points were edited. Manual overrides keep their
// status; points and splits are refreshed for everyone.
func (s *Store) ReevaluateCategory(ctx context.Context, categoryID int64) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id FROM results r JOIN competitors c ON c.id = r.competitor_id
		 WHERE c.category_id = ?`, categoryID)
	if err != nil {
		return fmt.Errorf("store: results for category: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("store: scan result id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.reevaluateResult(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// reevaluateResult reloads a result and its punches, re-runs the scorer
// against the competitor's current category and writes everything back.
// Each pass is re-runnable from the last persisted state.
func (s *Store) reevaluateResult(ctx context.Context, resultID int64) error {
	res, punches, err := s.Result(ctx, resultID)
	if err != nil {
		return err
	}
	var categoryID int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT category_id FROM competitors WHERE id = ?`, res.CompetitorID).Scan(&categoryID); err != nil {
		return fmt.Errorf("store: competitor category: %w", err)
	}
	cat, err := s.Category(ctx, categoryID)
	if err != nil {
		return err
	}
	race.Evaluate(res, punches, cat.ControlPoints, cat.RaceType)
	race.ApplyTimeLimit(res, cat.TimeLimit)
	return s.SaveResult(ctx, res, punches)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
