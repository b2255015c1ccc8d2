package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/thesayf/deployai-sub003/internal/db"
	"github.com/thesayf/deployai-sub003/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const reportColumns = `id, user_id, responses, stage1_output, stage2_output, stage3_output, stage4_output, status, error_detail, email_sent_at, created_at, updated_at`

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot store operations.
var preparedStatements = map[string]string{
	"insert_report":      `INSERT INTO reports (id, user_id, responses, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
	"get_report":         `SELECT ` + reportColumns + ` FROM reports WHERE id = $1`,
	"get_report_contact": `SELECT u.id, u.email, u.first_name, u.last_name, u.company FROM users u JOIN reports r ON r.user_id = u.id WHERE r.id = $1`,
	"mark_failed":        `UPDATE reports SET status = $1, error_detail = $2, updated_at = $3 WHERE id = $4 AND status NOT IN ($5, $6)`,
	"mark_email_sent":    `UPDATE reports SET email_sent_at = $1, updated_at = $1 WHERE id = $2 AND email_sent_at IS NULL`,
	"list_unnotified":    `SELECT ` + reportColumns + ` FROM reports WHERE status = $1 AND email_sent_at IS NULL ORDER BY updated_at ASC LIMIT $2`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access (e.g., the seed importer's bulk loads).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	email      TEXT NOT NULL UNIQUE,
	first_name TEXT NOT NULL DEFAULT '',
	last_name  TEXT NOT NULL DEFAULT '',
	company    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS reports (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id       TEXT NOT NULL REFERENCES users(id),
	responses     JSONB NOT NULL,
	stage1_output JSONB,
	stage2_output JSONB,
	stage3_output JSONB,
	stage4_output JSONB,
	status        TEXT NOT NULL DEFAULT 'pending',
	error_detail  TEXT NOT NULL DEFAULT '',
	email_sent_at TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status);
CREATE INDEX IF NOT EXISTS idx_reports_user_id ON reports(user_id);
CREATE INDEX IF NOT EXISTS idx_reports_unnotified ON reports(status, email_sent_at);
CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, contact model.Contact) (*model.Contact, error) {
	if contact.ID == "" {
		contact.ID = uuid.New().String()
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (id, email, first_name, last_name, company, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (email) DO UPDATE SET first_name = $3, last_name = $4, company = $5
		 RETURNING id`,
		contact.ID, contact.Email, contact.FirstName, contact.LastName, contact.Company, time.Now().UTC(),
	).Scan(&contact.ID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert user")
	}
	return &contact, nil
}

func (s *PostgresStore) GetReportContact(ctx context.Context, reportID string) (*model.Contact, error) {
	var c model.Contact
	err := s.pool.QueryRow(ctx,
		`SELECT u.id, u.email, u.first_name, u.last_name, u.company
		 FROM users u JOIN reports r ON r.user_id = u.id
		 WHERE r.id = $1`,
		reportID,
	).Scan(&c.ID, &c.Email, &c.FirstName, &c.LastName, &c.Company)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: contact for report %s", reportID)
		}
		return nil, eris.Wrapf(err, "postgres: get contact for report %s", reportID)
	}
	return &c, nil
}

func (s *PostgresStore) CreateReport(ctx context.Context, userID string, responses model.QuizResponse) (*model.Report, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	responsesJSON, err := json.Marshal(responses)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal responses")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO reports (id, user_id, responses, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, userID, responsesJSON, string(model.StatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert report")
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

func (s *PostgresStore) GetReport(ctx context.Context, reportID string) (*model.Report, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE id = $1`,
		reportID,
	)
	r, err := scanReport(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: report %s", reportID)
		}
		return nil, eris.Wrapf(err, "postgres: get report %s", reportID)
	}
	return r, nil
}

func (s *PostgresStore) ListReports(ctx context.Context, filter ReportFilter) ([]model.Report, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.UserID != "" {
		query += fmt.Sprintf(` AND user_id = $%d`, argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list reports")
	}
	defer rows.Close()

	var reports []model.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan report")
		}
		reports = append(reports, *r)
	}
	return reports, eris.Wrap(rows.Err(), "postgres: list reports iterate")
}

func (s *PostgresStore) SaveStageOutput(ctx context.Context, reportID string, stage int, output json.RawMessage, force bool) error {
	col, err := stageColumn(stage)
	if err != nil {
		return err
	}
	next := model.StatusAfterStage(stage)
	now := time.Now().UTC()

	if force {
		// Forced re-runs overwrite prior output, re-walk the status from
		// wherever it stands, and clear any stale failure detail.
		tag, err := s.pool.Exec(ctx,
			fmt.Sprintf(`UPDATE reports SET %s = $1, status = $2, error_detail = '', updated_at = $3 WHERE id = $4`, col),
			output, string(next), now, reportID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: save stage %d for report %s", stage, reportID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "postgres: report %s", reportID)
		}
		return nil
	}

	// Guarded write: the stage slot must be empty and the status must be the
	// stage's predecessor so outputs stay append-only under concurrency.
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE reports SET %s = $1, status = $2, updated_at = $3 WHERE id = $4 AND %s IS NULL AND status = $5`, col, col),
		output, string(next), now, reportID, string(statusBeforeStage(stage)),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save stage %d for report %s", stage, reportID)
	}
	if tag.RowsAffected() == 0 {
		return s.resolveGuardMiss(ctx, reportID, stage, output)
	}
	return nil
}

// resolveGuardMiss distinguishes a missing report, an at-least-once replay of
// an already-committed save, and a genuine stale write.
func (s *PostgresStore) resolveGuardMiss(ctx context.Context, reportID string, stage int, output json.RawMessage) error {
	r, err := s.GetReport(ctx, reportID)
	if err != nil {
		return err
	}
	replay, reconcile := classifyGuardMiss(r, stage, output)
	if !replay {
		return eris.Wrapf(ErrStaleWrite, "postgres: stage %d for report %s in status %s", stage, reportID, r.Status)
	}
	if reconcile {
		// The output committed but the status still trails it. Guard on the
		// observed status so a concurrent writer wins harmlessly.
		_, err := s.pool.Exec(ctx,
			`UPDATE reports SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
			string(model.StatusAfterStage(stage)), time.Now().UTC(), reportID, string(r.Status),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: reconcile status for report %s", reportID)
		}
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, reportID string, detail string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET status = $1, error_detail = $2, updated_at = $3 WHERE id = $4 AND status NOT IN ($5, $6)`,
		string(model.StatusFailed), detail, time.Now().UTC(), reportID,
		string(model.StatusCompleted), string(model.StatusFailed),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark failed %s", reportID)
	}
	if tag.RowsAffected() == 0 {
		r, err := s.GetReport(ctx, reportID)
		if err != nil {
			return err
		}
		if r.Status == model.StatusFailed {
			// Already failed; absorbing state.
			return nil
		}
		return eris.Wrapf(ErrStaleWrite, "postgres: mark failed %s in status %s", reportID, r.Status)
	}
	return nil
}

func (s *PostgresStore) MarkEmailSent(ctx context.Context, reportID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET email_sent_at = $1, updated_at = $1 WHERE id = $2 AND email_sent_at IS NULL`,
		time.Now().UTC(), reportID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark email sent %s", reportID)
	}
	if tag.RowsAffected() == 0 {
		// Idempotent when already sent; only a missing report is an error.
		if _, err := s.GetReport(ctx, reportID); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) ListUnnotified(ctx context.Context, limit int) ([]model.Report, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE status = $1 AND email_sent_at IS NULL ORDER BY updated_at ASC LIMIT $2`,
		string(model.StatusCompleted), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unnotified")
	}
	defer rows.Close()

	var reports []model.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan unnotified report")
		}
		reports = append(reports, *r)
	}
	return reports, eris.Wrap(rows.Err(), "postgres: list unnotified iterate")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanReport(row scannable) (*model.Report, error) {
	var r model.Report
	var responsesJSON []byte
	var s1, s2, s3, s4 []byte

	err := row.Scan(&r.ID, &r.UserID, &responsesJSON, &s1, &s2, &s3, &s4,
		&r.Status, &r.ErrorDetail, &r.EmailSentAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(responsesJSON, &r.Responses); err != nil {
		return nil, eris.Wrap(err, "unmarshal responses")
	}
	r.Stage1Output = json.RawMessage(s1)
	r.Stage2Output = json.RawMessage(s2)
	r.Stage3Output = json.RawMessage(s3)
	r.Stage4Output = json.RawMessage(s4)
	return &r, nil
}
