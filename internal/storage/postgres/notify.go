package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/pagewatch/internal/watch"
)

// PendingResults returns qualifying results that have not been notified,
// oldest first, each joined with its target.
func (s *Store) PendingResults(ctx context.Context, kind watch.Kind) ([]watch.PendingResult, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	cols := resultColumns(kind)
	for i, c := range cols {
		cols[i] = "r." + c
	}
	query := fmt.Sprintf(`
SELECT %s, %s
FROM %s r
JOIN %s t ON t.id = r.target_id
WHERE r.%s AND NOT r.notification_sent
ORDER BY r.created_at, r.id`,
		strings.Join(cols, ", "), prefixed("t", targetColumns),
		kind.ResultsTable, kind.TargetsTable, kind.QualifyingColumn)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select pending %s results: %w", kind.Name, err)
	}
	defer rows.Close()

	var out []watch.PendingResult
	for rows.Next() {
		var p watch.PendingResult
		dest := append(resultDest(kind, &p.Result), targetDest(&p.Target)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan pending %s result: %w", kind.Name, err)
		}
		p.Target.Kind = kind.Name
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending %s results: %w", kind.Name, err)
	}
	return out, nil
}

// Subscribers lists the users subscribed to a target.
func (s *Store) Subscribers(ctx context.Context, kind watch.Kind, targetID int64) ([]watch.Subscriber, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
SELECT u.id, u.email, u.display_name
FROM %s s
JOIN users u ON u.id = s.user_id
WHERE s.target_id = $1
ORDER BY u.id`, kind.SubscriptionsTable)

	rows, err := s.pool.Query(ctx, query, targetID)
	if err != nil {
		return nil, fmt.Errorf("select %s subscribers: %w", kind.Name, err)
	}
	defer rows.Close()

	var out []watch.Subscriber
	for rows.Next() {
		var sub watch.Subscriber
		if err := rows.Scan(&sub.UserID, &sub.Email, &sub.DisplayName); err != nil {
			return nil, fmt.Errorf("scan %s subscriber: %w", kind.Name, err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s subscribers: %w", kind.Name, err)
	}
	return out, nil
}

// MarkNotified flips notification_sent for an unsent result and, when
// deactivate is set, pauses its target in the same transaction.
func (s *Store) MarkNotified(ctx context.Context, kind watch.Kind, resultID string, targetID int64, deactivate bool) error {
	if err := kind.Validate(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		query := fmt.Sprintf(`
UPDATE %s SET notification_sent = TRUE
WHERE id = $1 AND target_id = $2 AND NOT notification_sent`, kind.ResultsTable)
		tag, err := tx.Exec(ctx, query, resultID, targetID)
		if err != nil {
			return fmt.Errorf("mark %s result %s: %w", kind.Name, resultID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("mark %s result %s: %w", kind.Name, resultID, watch.ErrNotFound)
		}
		if !deactivate {
			return nil
		}
		query = fmt.Sprintf(`UPDATE %s SET state = 'paused', active = FALSE WHERE id = $1`, kind.TargetsTable)
		if _, err := tx.Exec(ctx, query, targetID); err != nil {
			return fmt.Errorf("pause %s target %d: %w", kind.Name, targetID, err)
		}
		return nil
	})
}
