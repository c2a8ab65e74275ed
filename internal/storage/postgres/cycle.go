package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/pagewatch/internal/watch"
)

func insertCapture(ctx context.Context, tx pgx.Tx, kind watch.Kind, c watch.CaptureRecord) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, target_id, path, content_hash, analyzed, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`, kind.CapturesTable)
	if _, err := tx.Exec(ctx, query, c.ID, c.TargetID, c.Path, c.ContentHash, c.Analyzed, c.CreatedAt); err != nil {
		return fmt.Errorf("insert %s capture: %w", kind.Name, err)
	}
	return nil
}

// resultColumns lists the result columns in insert and scan order.
func resultColumns(kind watch.Kind) []string {
	cols := []string{
		"id",
		"capture_id",
		"target_id",
		"is_ecommerce",
		"is_product_page",
		kind.QualifyingColumn,
		"confidence",
		"product_name",
	}
	cols = append(cols, kind.DetailColumns...)
	return append(cols, "notification_sent", "created_at")
}

func resultValues(kind watch.Kind, r watch.AnalysisResult) []any {
	a := r.Analysis
	vals := []any{
		r.ID,
		r.CaptureID,
		r.TargetID,
		a.IsEcommerce,
		a.IsProductPage,
		kind.Qualifies(a),
		a.Confidence,
		a.ProductName,
	}
	vals = append(vals, kind.DetailValues(a)...)
	return append(vals, r.NotificationSent, r.CreatedAt)
}

func resultDest(kind watch.Kind, r *watch.AnalysisResult) []any {
	a := &r.Analysis
	dest := []any{
		&r.ID,
		&r.CaptureID,
		&r.TargetID,
		&a.IsEcommerce,
		&a.IsProductPage,
		kind.Flag(a),
		&a.Confidence,
		&a.ProductName,
	}
	dest = append(dest, kind.DetailDest(a)...)
	return append(dest, &r.NotificationSent, &r.CreatedAt)
}

func placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(ph, ", ")
}

func insertResult(ctx context.Context, tx pgx.Tx, kind watch.Kind, r watch.AnalysisResult) error {
	cols := resultColumns(kind)
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		kind.ResultsTable, strings.Join(cols, ", "), placeholders(len(cols)))
	if _, err := tx.Exec(ctx, query, resultValues(kind, r)...); err != nil {
		return fmt.Errorf("insert %s result: %w", kind.Name, err)
	}
	return nil
}

// RecordSuccess stores the analyzed capture and its result, clears the
// failure count and stamps last_checked.
func (s *Store) RecordSuccess(ctx context.Context, kind watch.Kind, targetID int64, res watch.Success) error {
	if err := kind.Validate(); err != nil {
		return err
	}
	capture := res.Capture
	capture.TargetID = targetID
	capture.Analyzed = true
	result := res.Result
	result.TargetID = targetID
	result.CaptureID = capture.ID
	result.NotificationSent = false

	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := insertCapture(ctx, tx, kind, capture); err != nil {
			return err
		}
		if err := insertResult(ctx, tx, kind, result); err != nil {
			return err
		}
		query := fmt.Sprintf(`UPDATE %s SET failed_attempts = 0, last_checked = $2 WHERE id = $1`, kind.TargetsTable)
		tag, err := tx.Exec(ctx, query, targetID, res.CheckedAt)
		if err != nil {
			return fmt.Errorf("reset %s target %d: %w", kind.Name, targetID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("reset %s target %d: %w", kind.Name, targetID, watch.ErrNotFound)
		}
		return nil
	})
}

// RecordFailure stores the optional unanalyzed capture, increments the
// failure count and moves the target to the error state once the count
// reaches the threshold.
func (s *Store) RecordFailure(ctx context.Context, kind watch.Kind, targetID int64, f watch.Failure) (watch.Target, error) {
	if err := kind.Validate(); err != nil {
		return watch.Target{}, err
	}
	threshold := f.Threshold
	if threshold <= 0 {
		threshold = watch.DefaultFailureThreshold
	}

	var updated watch.Target
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if f.Capture != nil {
			c := *f.Capture
			c.TargetID = targetID
			c.Analyzed = false
			if err := insertCapture(ctx, tx, kind, c); err != nil {
				return err
			}
		}
		query := fmt.Sprintf(`
UPDATE %s
SET failed_attempts = failed_attempts + 1,
    last_checked = $2,
    state = CASE WHEN failed_attempts + 1 >= $3 THEN 'error' ELSE state END,
    active = CASE WHEN failed_attempts + 1 >= $3 THEN FALSE ELSE active END
WHERE id = $1
RETURNING %s`, kind.TargetsTable, targetColumns)
		t, err := scanTarget(tx.QueryRow(ctx, query, targetID, f.CheckedAt, threshold), kind)
		if err != nil {
			return fmt.Errorf("count failure for %s target %d: %w", kind.Name, targetID, notFound(err))
		}
		updated = t
		return nil
	})
	if err != nil {
		return watch.Target{}, err
	}
	return updated, nil
}
