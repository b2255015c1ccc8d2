package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thesayf/deployai-sub003/internal/db"
	"github.com/thesayf/deployai-sub003/internal/model"
	"github.com/thesayf/deployai-sub003/internal/store"
)

var (
	seedEmail       string
	seedFirstName   string
	seedLastName    string
	seedCompany     string
	seedIndustry    string
	seedCompanySize string
	seedAnswersFile string
	seedBulkFile    string
)

// seedRecord is one quiz submission in a bulk seed file.
type seedRecord struct {
	Email       string         `json:"email" validate:"required,email"`
	FirstName   string         `json:"firstName"`
	LastName    string         `json:"lastName"`
	Company     string         `json:"company"`
	Industry    string         `json:"industry" validate:"required"`
	CompanySize string         `json:"companySize" validate:"required"`
	Answers     map[string]any `json:"answers" validate:"required"`
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create quiz submissions for the pipeline to process",
	Long:  "Creates a user and a pending report from flags, or bulk-loads submissions from a JSON array with --bulk.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		if seedBulkFile != "" {
			return seedBulk(ctx, st, seedBulkFile)
		}
		return seedOne(ctx, st)
	},
}

func seedOne(ctx context.Context, st store.Store) error {
	rec := seedRecord{
		Email:       seedEmail,
		FirstName:   seedFirstName,
		LastName:    seedLastName,
		Company:     seedCompany,
		Industry:    seedIndustry,
		CompanySize: seedCompanySize,
	}
	if seedAnswersFile != "" {
		raw, err := os.ReadFile(seedAnswersFile)
		if err != nil {
			return eris.Wrap(err, "read answers file")
		}
		if err := json.Unmarshal(raw, &rec.Answers); err != nil {
			return eris.Wrap(err, "parse answers file")
		}
	}
	if err := validator.New().Struct(rec); err != nil {
		return eris.Wrap(err, "invalid submission")
	}

	report, err := createSubmission(ctx, st, rec)
	if err != nil {
		return err
	}
	fmt.Println(report.ID)
	return nil
}

func seedBulk(ctx context.Context, st store.Store, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrap(err, "read bulk file")
	}
	var records []seedRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return eris.Wrap(err, "parse bulk file")
	}
	if len(records) == 0 {
		return eris.New("bulk file contains no submissions")
	}
	validate := validator.New()
	for i, rec := range records {
		if err := validate.Struct(rec); err != nil {
			return eris.Wrapf(err, "invalid submission at index %d", i)
		}
	}

	// Postgres gets a COPY-based bulk path; SQLite is development-only and
	// loops the regular inserts.
	if ps, ok := st.(*store.PostgresStore); ok {
		return seedBulkPostgres(ctx, ps, records)
	}
	for _, rec := range records {
		report, err := createSubmission(ctx, st, rec)
		if err != nil {
			return err
		}
		fmt.Println(report.ID)
	}
	zap.L().Info("bulk seed finished", zap.Int("submissions", len(records)))
	return nil
}

func createSubmission(ctx context.Context, st store.Store, rec seedRecord) (*model.Report, error) {
	user, err := st.CreateUser(ctx, model.Contact{
		Email:     rec.Email,
		FirstName: rec.FirstName,
		LastName:  rec.LastName,
		Company:   rec.Company,
	})
	if err != nil {
		return nil, err
	}
	return st.CreateReport(ctx, user.ID, model.QuizResponse{
		Industry:    rec.Industry,
		CompanySize: rec.CompanySize,
		Answers:     rec.Answers,
	})
}

func seedBulkPostgres(ctx context.Context, ps *store.PostgresStore, records []seedRecord) error {
	pool := ps.Pool()

	userRows := make([][]any, 0, len(records))
	emails := make([]string, 0, len(records))
	for _, rec := range records {
		userRows = append(userRows, []any{uuid.New().String(), rec.Email, rec.FirstName, rec.LastName, rec.Company})
		emails = append(emails, rec.Email)
	}
	upserted, err := db.BulkUpsert(ctx, pool, db.UpsertConfig{
		Table:        "users",
		Columns:      []string{"id", "email", "first_name", "last_name", "company"},
		ConflictKeys: []string{"email"},
		UpdateCols:   []string{"first_name", "last_name", "company"},
	}, userRows)
	if err != nil {
		return eris.Wrap(err, "bulk upsert users")
	}

	// Conflicting emails keep their existing IDs, so read the IDs back.
	idByEmail := make(map[string]string, len(records))
	rows, err := pool.Query(ctx, `SELECT id, email FROM users WHERE email = ANY($1)`, emails)
	if err != nil {
		return eris.Wrap(err, "resolve user ids")
	}
	defer rows.Close()
	for rows.Next() {
		var id, email string
		if err := rows.Scan(&id, &email); err != nil {
			return eris.Wrap(err, "scan user id")
		}
		idByEmail[email] = id
	}
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "resolve user ids")
	}

	now := time.Now().UTC()
	reportRows := make([][]any, 0, len(records))
	for _, rec := range records {
		responses, err := json.Marshal(model.QuizResponse{
			Industry:    rec.Industry,
			CompanySize: rec.CompanySize,
			Answers:     rec.Answers,
		})
		if err != nil {
			return eris.Wrap(err, "marshal responses")
		}
		reportID := uuid.New().String()
		reportRows = append(reportRows, []any{
			reportID, idByEmail[rec.Email], responses, string(model.StatusPending), "", now, now,
		})
		fmt.Println(reportID)
	}
	inserted, err := db.CopyFrom(ctx, pool, "reports",
		[]string{"id", "user_id", "responses", "status", "error_detail", "created_at", "updated_at"},
		reportRows)
	if err != nil {
		return eris.Wrap(err, "bulk insert reports")
	}

	zap.L().Info("bulk seed finished",
		zap.Int64("users_upserted", upserted),
		zap.Int64("reports_inserted", inserted),
	)
	return nil
}

func init() {
	seedCmd.Flags().StringVar(&seedEmail, "email", "", "contact email")
	seedCmd.Flags().StringVar(&seedFirstName, "first-name", "", "contact first name")
	seedCmd.Flags().StringVar(&seedLastName, "last-name", "", "contact last name")
	seedCmd.Flags().StringVar(&seedCompany, "company", "", "contact company")
	seedCmd.Flags().StringVar(&seedIndustry, "industry", "", "quiz industry")
	seedCmd.Flags().StringVar(&seedCompanySize, "company-size", "", "quiz company size bracket")
	seedCmd.Flags().StringVar(&seedAnswersFile, "answers", "", "path to a JSON object of quiz answers")
	seedCmd.Flags().StringVar(&seedBulkFile, "bulk", "", "path to a JSON array of submissions")
	rootCmd.AddCommand(seedCmd)
}
