package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/thesayf/deployai-sub003/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local
// development and the direct `run` command.
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
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	email      TEXT NOT NULL UNIQUE,
	first_name TEXT NOT NULL DEFAULT '',
	last_name  TEXT NOT NULL DEFAULT '',
	company    TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS reports (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL REFERENCES users(id),
	responses     TEXT NOT NULL,
	stage1_output TEXT,
	stage2_output TEXT,
	stage3_output TEXT,
	stage4_output TEXT,
	status        TEXT NOT NULL DEFAULT 'pending',
	error_detail  TEXT NOT NULL DEFAULT '',
	email_sent_at DATETIME,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status);
CREATE INDEX IF NOT EXISTS idx_reports_user_id ON reports(user_id);
CREATE INDEX IF NOT EXISTS idx_reports_unnotified ON reports(status, email_sent_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateUser(ctx context.Context, contact model.Contact) (*model.Contact, error) {
	if contact.ID == "" {
		contact.ID = uuid.New().String()
	}

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (id, email, first_name, last_name, company, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (email) DO UPDATE SET first_name = excluded.first_name, last_name = excluded.last_name, company = excluded.company
		 RETURNING id`,
		contact.ID, contact.Email, contact.FirstName, contact.LastName, contact.Company, time.Now().UTC(),
	).Scan(&contact.ID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert user")
	}
	return &contact, nil
}

func (s *SQLiteStore) GetReportContact(ctx context.Context, reportID string) (*model.Contact, error) {
	var c model.Contact
	err := s.db.QueryRowContext(ctx,
		`SELECT u.id, u.email, u.first_name, u.last_name, u.company
		 FROM users u JOIN reports r ON r.user_id = u.id
		 WHERE r.id = ?`,
		reportID,
	).Scan(&c.ID, &c.Email, &c.FirstName, &c.LastName, &c.Company)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: contact for report %s", reportID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get contact for report %s", reportID)
	}
	return &c, nil
}

func (s *SQLiteStore) CreateReport(ctx context.Context, userID string, responses model.QuizResponse) (*model.Report, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	responsesJSON, err := json.Marshal(responses)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal responses")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reports (id, user_id, responses, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, userID, string(responsesJSON), string(model.StatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert report")
	}

	return &model.Report{
		ID:        id,
		UserID:    userID,
		Responses: responses,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

const sqliteReportColumns = `id, user_id, responses, stage1_output, stage2_output, stage3_output, stage4_output, status, error_detail, email_sent_at, created_at, updated_at`

func (s *SQLiteStore) GetReport(ctx context.Context, reportID string) (*model.Report, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteReportColumns+` FROM reports WHERE id = ?`,
		reportID,
	)
	r, err := scanSQLiteReport(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: report %s", reportID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get report %s", reportID)
	}
	return r, nil
}

func (s *SQLiteStore) ListReports(ctx context.Context, filter ReportFilter) ([]model.Report, error) {
	query := `SELECT ` + sqliteReportColumns + ` FROM reports WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list reports")
	}
	defer rows.Close()

	var reports []model.Report
	for rows.Next() {
		r, err := scanSQLiteReport(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan report")
		}
		reports = append(reports, *r)
	}
	return reports, eris.Wrap(rows.Err(), "sqlite: list reports iterate")
}

func (s *SQLiteStore) SaveStageOutput(ctx context.Context, reportID string, stage int, output json.RawMessage, force bool) error {
	col, err := stageColumn(stage)
	if err != nil {
		return err
	}
	next := model.StatusAfterStage(stage)
	now := time.Now().UTC()

	if force {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`UPDATE reports SET %s = ?, status = ?, error_detail = '', updated_at = ? WHERE id = ?`, col),
			string(output), string(next), now, reportID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: save stage %d for report %s", stage, reportID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		}
		if n == 0 {
			return eris.Wrapf(ErrNotFound, "sqlite: report %s", reportID)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE reports SET %s = ?, status = ?, updated_at = ? WHERE id = ? AND %s IS NULL AND status = ?`, col, col),
		string(output), string(next), now, reportID, string(statusBeforeStage(stage)),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save stage %d for report %s", stage, reportID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return s.resolveGuardMiss(ctx, reportID, stage, output)
	}
	return nil
}

// resolveGuardMiss distinguishes a missing report, an at-least-once replay of
// an already-committed save, and a genuine stale write.
func (s *SQLiteStore) resolveGuardMiss(ctx context.Context, reportID string, stage int, output json.RawMessage) error {
	r, err := s.GetReport(ctx, reportID)
	if err != nil {
		return err
	}
	replay, reconcile := classifyGuardMiss(r, stage, output)
	if !replay {
		return eris.Wrapf(ErrStaleWrite, "sqlite: stage %d for report %s in status %s", stage, reportID, r.Status)
	}
	if reconcile {
		// The output committed but the status still trails it. Guard on the
		// observed status so a concurrent writer wins harmlessly.
		_, err := s.db.ExecContext(ctx,
			`UPDATE reports SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(model.StatusAfterStage(stage)), time.Now().UTC(), reportID, string(r.Status),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: reconcile status for report %s", reportID)
		}
	}
	return nil
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, reportID string, detail string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET status = ?, error_detail = ?, updated_at = ? WHERE id = ? AND status NOT IN (?, ?)`,
		string(model.StatusFailed), detail, time.Now().UTC(), reportID,
		string(model.StatusCompleted), string(model.StatusFailed),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark failed %s", reportID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		r, err := s.GetReport(ctx, reportID)
		if err != nil {
			return err
		}
		if r.Status == model.StatusFailed {
			return nil
		}
		return eris.Wrapf(ErrStaleWrite, "sqlite: mark failed %s in status %s", reportID, r.Status)
	}
	return nil
}

func (s *SQLiteStore) MarkEmailSent(ctx context.Context, reportID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET email_sent_at = ?, updated_at = ? WHERE id = ? AND email_sent_at IS NULL`,
		time.Now().UTC(), time.Now().UTC(), reportID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark email sent %s", reportID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		if _, err := s.GetReport(ctx, reportID); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) ListUnnotified(ctx context.Context, limit int) ([]model.Report, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteReportColumns+` FROM reports WHERE status = ? AND email_sent_at IS NULL ORDER BY updated_at ASC LIMIT ?`,
		string(model.StatusCompleted), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unnotified")
	}
	defer rows.Close()

	var reports []model.Report
	for rows.Next() {
		r, err := scanSQLiteReport(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan unnotified report")
		}
		reports = append(reports, *r)
	}
	return reports, eris.Wrap(rows.Err(), "sqlite: list unnotified iterate")
}

func scanSQLiteReport(row scannable) (*model.Report, error) {
	var r model.Report
	var responsesJSON string
	var s1, s2, s3, s4 sql.NullString
	var emailSentAt sql.NullTime

	err := row.Scan(&r.ID, &r.UserID, &responsesJSON, &s1, &s2, &s3, &s4,
		&r.Status, &r.ErrorDetail, &emailSentAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(responsesJSON), &r.Responses); err != nil {
		return nil, eris.Wrap(err, "unmarshal responses")
	}
	if s1.Valid {
		r.Stage1Output = json.RawMessage(s1.String)
	}
	if s2.Valid {
		r.Stage2Output = json.RawMessage(s2.String)
	}
	if s3.Valid {
		r.Stage3Output = json.RawMessage(s3.String)
	}
	if s4.Valid {
		r.Stage4Output = json.RawMessage(s4.String)
	}
	if emailSentAt.Valid {
		t := emailSentAt.Time
		r.EmailSentAt = &t
	}
	return &r, nil
}
