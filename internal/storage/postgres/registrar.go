package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/pagewatch/internal/watch"
)

// UpsertUser inserts a user by email or refreshes its display name.
func (s *Store) UpsertUser(ctx context.Context, email, displayName string) (watch.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return watch.User{}, fmt.Errorf("email is required")
	}
	var u watch.User
	err := s.pool.QueryRow(ctx, `
INSERT INTO users (email, display_name) VALUES ($1, $2)
ON CONFLICT (email) DO UPDATE SET display_name = EXCLUDED.display_name
RETURNING id, email, display_name`, email, displayName).Scan(&u.ID, &u.Email, &u.DisplayName)
	if err != nil {
		return watch.User{}, fmt.Errorf("upsert user %s: %w", email, err)
	}
	return u, nil
}

// Subscribe creates or re-arms the target for url and links userID to it.
func (s *Store) Subscribe(ctx context.Context, kind watch.Kind, userID int64, url string, intervalHours int) (watch.Target, error) {
	if err := kind.Validate(); err != nil {
		return watch.Target{}, err
	}
	url = strings.TrimSpace(url)
	if url == "" {
		return watch.Target{}, fmt.Errorf("url is required")
	}
	if err := watch.ValidateInterval(intervalHours); err != nil {
		return watch.Target{}, err
	}

	var target watch.Target
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		query := fmt.Sprintf(`
INSERT INTO %s (url, check_interval) VALUES ($1, $2)
ON CONFLICT (url) DO UPDATE
SET check_interval = EXCLUDED.check_interval,
    last_checked = NULL,
    failed_attempts = 0,
    state = 'active',
    active = TRUE
RETURNING %s`, kind.TargetsTable, targetColumns)
		t, err := scanTarget(tx.QueryRow(ctx, query, url, intervalHours), kind)
		if err != nil {
			return fmt.Errorf("upsert %s target: %w", kind.Name, err)
		}
		link := fmt.Sprintf(`
INSERT INTO %s (user_id, target_id) VALUES ($1, $2)
ON CONFLICT DO NOTHING`, kind.SubscriptionsTable)
		if _, err := tx.Exec(ctx, link, userID, t.ID); err != nil {
			return fmt.Errorf("link user %d to %s target %d: %w", userID, kind.Name, t.ID, err)
		}
		target = t
		return nil
	})
	if err != nil {
		return watch.Target{}, err
	}
	return target, nil
}

// Unsubscribe removes the link and pauses the target when nobody else is
// subscribed.
func (s *Store) Unsubscribe(ctx context.Context, kind watch.Kind, userID, targetID int64) error {
	if err := kind.Validate(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		query := fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1 AND target_id = $2`, kind.SubscriptionsTable)
		tag, err := tx.Exec(ctx, query, userID, targetID)
		if err != nil {
			return fmt.Errorf("unlink user %d from %s target %d: %w", userID, kind.Name, targetID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("unlink user %d from %s target %d: %w", userID, kind.Name, targetID, watch.ErrNotFound)
		}
		pause := fmt.Sprintf(`
UPDATE %s SET state = 'paused', active = FALSE
WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM %s WHERE target_id = $1)`,
			kind.TargetsTable, kind.SubscriptionsTable)
		if _, err := tx.Exec(ctx, pause, targetID); err != nil {
			return fmt.Errorf("pause orphaned %s target %d: %w", kind.Name, targetID, err)
		}
		return nil
	})
}
