// Command export dumps the progress table into an xlsx workbook, one sheet
// per activity kind. Intended for ad-hoc reporting and support escalations.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xuri/excelize/v2"

	"github.com/p-n-ai/pathway/internal/platform/database"
)

func main() {
	var (
		dbURL  = flag.String("db", os.Getenv("PATHWAY_DATABASE_URL"), "PostgreSQL connection URL")
		userID = flag.String("user", "", "export a single user (default: all users)")
		out    = flag.String("out", "progress.xlsx", "output workbook path")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if *dbURL == "" {
		slog.Error("no database URL: pass -db or set PATHWAY_DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := database.New(ctx, *dbURL, 4, 1)
	if err != nil {
		slog.Error("connecting to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rows, err := exportRows(ctx, db.Pool, *userID)
	if err != nil {
		slog.Error("reading progress", "error", err)
		os.Exit(1)
	}

	if err := writeWorkbook(*out, rows); err != nil {
		slog.Error("writing workbook", "error", err)
		os.Exit(1)
	}
	slog.Info("export complete", "path", *out, "rows", len(rows))
}

type exportRow struct {
	UserID         string
	Kind           string
	ActivityID     int64
	Status         string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ResponseData   []byte
	UnlockedByRule *int64
}

func exportRows(ctx context.Context, pool *pgxpool.Pool, userID string) ([]exportRow, error) {
	query := `
		SELECT user_id, activity_kind, activity_id, status,
		       started_at, completed_at, response_data, unlocked_by_rule
		FROM progress`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = $1`
		args = append(args, userID)
	}
	query += ` ORDER BY user_id, activity_kind, activity_id`

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying progress: %w", err)
	}
	defer rows.Close()

	var out []exportRow
	for rows.Next() {
		var r exportRow
		if err := rows.Scan(&r.UserID, &r.Kind, &r.ActivityID, &r.Status,
			&r.StartedAt, &r.CompletedAt, &r.ResponseData, &r.UnlockedByRule); err != nil {
			return nil, fmt.Errorf("scanning progress row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var header = []any{"user_id", "activity_id", "status", "started_at", "completed_at", "unlocked_by_rule", "response_data"}

// writeWorkbook builds one sheet per activity kind found in the rows, with
// a fixed header row. Sheets appear even when a kind has no rows so the
// workbook shape is stable.
func writeWorkbook(path string, rows []exportRow) error {
	f := excelize.NewFile()
	defer f.Close()

	next := map[string]int{}
	for _, kind := range []string{"module", "submodule"} {
		sheet := sheetName(kind)
		if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("creating sheet %s: %w", sheet, err)
		}
		if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
			return fmt.Errorf("writing header of %s: %w", sheet, err)
		}
		next[sheet] = 2
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("removing default sheet: %w", err)
	}

	for _, r := range rows {
		sheet := sheetName(r.Kind)
		if _, ok := next[sheet]; !ok {
			if _, err := f.NewSheet(sheet); err != nil {
				return fmt.Errorf("creating sheet %s: %w", sheet, err)
			}
			if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
				return fmt.Errorf("writing header of %s: %w", sheet, err)
			}
			next[sheet] = 2
		}

		cells := []any{
			r.UserID,
			r.ActivityID,
			r.Status,
			formatTime(r.StartedAt),
			formatTime(r.CompletedAt),
			formatRule(r.UnlockedByRule),
			compactJSON(r.ResponseData),
		}
		cell, err := excelize.CoordinatesToCellName(1, next[sheet])
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
			return fmt.Errorf("writing row to %s: %w", sheet, err)
		}
		next[sheet]++
	}

	return f.SaveAs(path)
}

func sheetName(kind string) string {
	return kind + "s"
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatRule(id *int64) any {
	if id == nil {
		return ""
	}
	return *id
}

func compactJSON(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	compact, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(compact)
}
