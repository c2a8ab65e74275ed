package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/watch"
)

var targetCols = []string{"id", "url", "check_interval", "last_checked", "created_at", "state", "failed_attempts", "active"}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.ErrorContains(t, err, "db.dsn")
}

func TestDueTargetsSelectsOrderedBatch(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC)
	created := now.Add(-48 * time.Hour)
	checked := now.Add(-25 * time.Hour)

	mock.ExpectQuery(`SELECT id, url, check_interval.*FROM price_targets\s+WHERE active.*make_interval.*ORDER BY last_checked ASC NULLS FIRST.*LIMIT \$2`).
		WithArgs(now, 10).
		WillReturnRows(pgxmock.NewRows(targetCols).
			AddRow(int64(1), "https://a.example/item", 24, nil, created, watch.StateActive, 0, true).
			AddRow(int64(2), "https://b.example/item", 24, &checked, created, watch.StateActive, 1, true))

	targets, err := store.DueTargets(context.Background(), watch.PriceKind, now, 0)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	require.Equal(t, "price", targets[0].Kind)
	require.Nil(t, targets[0].LastChecked)
	require.Equal(t, checked, *targets[1].LastChecked)
	require.Equal(t, 1, targets[1].FailedAttempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDueTargetsQueryError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectQuery(`FROM availability_targets`).
		WithArgs(now, 3).
		WillReturnError(errors.New("connection reset"))

	_, err := store.DueTargets(context.Background(), watch.AvailabilityKind, now, 3)
	require.ErrorContains(t, err, "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRejectsInvalidKind(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	bad := watch.PriceKind
	bad.TargetsTable = "price_targets;--"

	_, err := store.DueTargets(context.Background(), bad, time.Now(), 1)
	require.Error(t, err)
	_, err = store.ExpireStale(context.Background(), bad, time.Now())
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSuccessWritesOneTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	checked := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	success := watch.Success{
		Capture: watch.CaptureRecord{
			ID:          "cap-1",
			Path:        "20250201-080000.000000_example-com.png",
			ContentHash: "sha256:abc",
			CreatedAt:   checked,
		},
		Result: watch.AnalysisResult{
			ID:        "res-1",
			CreatedAt: checked,
			Analysis: watch.Analysis{
				IsEcommerce:        true,
				IsProductPage:      true,
				IsOnSale:           true,
				Confidence:         0.9,
				ProductName:        "Widget",
				Price:              "19.99",
				Currency:           "USD",
				DiscountPercentage: 20,
				DiscountDetails:    "spring sale",
				OtherInsights:      "",
			},
		},
		CheckedAt: checked,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO price_captures`).
		WithArgs("cap-1", int64(7), success.Capture.Path, "sha256:abc", true, checked).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO price_results \(id, capture_id, target_id, is_ecommerce, is_product_page, is_on_sale, confidence, product_name, price, currency, discount_percentage, discount_details, other_insights, notification_sent, created_at\)`).
		WithArgs("res-1", "cap-1", int64(7), true, true, true, 0.9, "Widget", "19.99", "USD", 20.0, "spring sale", "", false, checked).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE price_targets SET failed_attempts = 0, last_checked = \$2 WHERE id = \$1`).
		WithArgs(int64(7), checked).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, store.RecordSuccess(context.Background(), watch.PriceKind, 7, success))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSuccessMissingTargetRollsBack(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO availability_captures`).
		WithArgs("cap", int64(9), "p.png", "h", true, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO availability_results`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE availability_targets SET failed_attempts = 0`).
		WithArgs(int64(9), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := store.RecordSuccess(context.Background(), watch.AvailabilityKind, 9, watch.Success{
		Capture:   watch.CaptureRecord{ID: "cap", Path: "p.png", ContentHash: "h", CreatedAt: now},
		Result:    watch.AnalysisResult{ID: "res", CreatedAt: now},
		CheckedAt: now,
	})
	require.ErrorIs(t, err, watch.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFailureCountsAndTransitions(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	created := now.Add(-72 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO price_captures`).
		WithArgs("cap-2", int64(4), "x.png", "sha256:def", false, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`UPDATE price_targets\s+SET failed_attempts = failed_attempts \+ 1.*THEN 'error'.*RETURNING id, url`).
		WithArgs(int64(4), now, 3).
		WillReturnRows(pgxmock.NewRows(targetCols).
			AddRow(int64(4), "https://shop.example/p", 6, &now, created, watch.StateError, 3, false))
	mock.ExpectCommit()

	target, err := store.RecordFailure(context.Background(), watch.PriceKind, 4, watch.Failure{
		Capture:   &watch.CaptureRecord{ID: "cap-2", Path: "x.png", ContentHash: "sha256:def", CreatedAt: now, Analyzed: true},
		CheckedAt: now,
		Threshold: 3,
	})
	require.NoError(t, err)
	require.Equal(t, watch.StateError, target.State)
	require.False(t, target.Active)
	require.Equal(t, 3, target.FailedAttempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFailureWithoutCaptureDefaultsThreshold(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE availability_targets`).
		WithArgs(int64(5), now, watch.DefaultFailureThreshold).
		WillReturnRows(pgxmock.NewRows(targetCols).
			AddRow(int64(5), "https://shop.example/q", 24, &now, now, watch.StateActive, 1, true))
	mock.ExpectCommit()

	target, err := store.RecordFailure(context.Background(), watch.AvailabilityKind, 5, watch.Failure{CheckedAt: now})
	require.NoError(t, err)
	require.Equal(t, 1, target.FailedAttempts)
	require.True(t, target.Active)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFailureUnknownTarget(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE price_targets`).
		WithArgs(int64(404), now, 3).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.RecordFailure(context.Background(), watch.PriceKind, 404, watch.Failure{CheckedAt: now, Threshold: 3})
	require.ErrorIs(t, err, watch.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingResultsJoinsTargets(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Now().UTC()
	cols := append([]string{
		"id", "capture_id", "target_id", "is_ecommerce", "is_product_page", "is_available",
		"confidence", "product_name", "stock_status", "availability_details", "notification_sent", "created_at",
	}, targetCols...)

	mock.ExpectQuery(`SELECT r.id, r.capture_id.*r.is_available.*t.id, t.url.*FROM availability_results r\s+JOIN availability_targets t ON t.id = r.target_id\s+WHERE r.is_available AND NOT r.notification_sent`).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			"res-1", "cap-1", int64(3), true, true, true,
			0.8, "Lamp", "In Stock", "ships today", false, now,
			int64(3), "https://shop.example/lamp", 12, &now, now, watch.StateActive, 0, true,
		))

	pending, err := store.PendingResults(context.Background(), watch.AvailabilityKind)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	p := pending[0]
	require.Equal(t, "res-1", p.Result.ID)
	require.True(t, p.Result.Analysis.IsAvailable)
	require.Equal(t, "In Stock", p.Result.Analysis.StockStatus)
	require.Equal(t, "https://shop.example/lamp", p.Target.URL)
	require.Equal(t, "availability", p.Target.Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscribers(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT u.id, u.email, u.display_name\s+FROM price_subscriptions s\s+JOIN users u`).
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "email", "display_name"}).
			AddRow(int64(1), "a@example.com", "Ann").
			AddRow(int64(2), "b@example.com", "Bo"))

	subs, err := store.Subscribers(context.Background(), watch.PriceKind, 3)
	require.NoError(t, err)
	require.Equal(t, []watch.Subscriber{
		{UserID: 1, Email: "a@example.com", DisplayName: "Ann"},
		{UserID: 2, Email: "b@example.com", DisplayName: "Bo"},
	}, subs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkNotifiedDeactivatesInSameTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE price_results SET notification_sent = TRUE\s+WHERE id = \$1 AND target_id = \$2 AND NOT notification_sent`).
		WithArgs("res-1", int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE price_targets SET state = 'paused', active = FALSE WHERE id = \$1`).
		WithArgs(int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, store.MarkNotified(context.Background(), watch.PriceKind, "res-1", 3, true))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkNotifiedWithoutDeactivation(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE availability_results SET notification_sent = TRUE`).
		WithArgs("res-2", int64(8)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, store.MarkNotified(context.Background(), watch.AvailabilityKind, "res-2", 8, false))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkNotifiedAlreadySent(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE price_results SET notification_sent = TRUE`).
		WithArgs("res-1", int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := store.MarkNotified(context.Background(), watch.PriceKind, "res-1", 3, true)
	require.ErrorIs(t, err, watch.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscribeRearmsTarget(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO price_targets \(url, check_interval\).*ON CONFLICT \(url\) DO UPDATE.*last_checked = NULL.*failed_attempts = 0.*state = 'active'`).
		WithArgs("https://shop.example/p", 24).
		WillReturnRows(pgxmock.NewRows(targetCols).
			AddRow(int64(11), "https://shop.example/p", 24, nil, now, watch.StateActive, 0, true))
	mock.ExpectExec(`INSERT INTO price_subscriptions \(user_id, target_id\)`).
		WithArgs(int64(2), int64(11)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	target, err := store.Subscribe(context.Background(), watch.PriceKind, 2, " https://shop.example/p ", 24)
	require.NoError(t, err)
	require.Equal(t, int64(11), target.ID)
	require.Nil(t, target.LastChecked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscribeValidatesInput(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	_, err := store.Subscribe(context.Background(), watch.PriceKind, 1, "https://x", 5)
	require.Error(t, err)
	_, err = store.Subscribe(context.Background(), watch.PriceKind, 1, " ", 24)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUnsubscribePausesOrphanedTarget(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM availability_subscriptions WHERE user_id = \$1 AND target_id = \$2`).
		WithArgs(int64(2), int64(11)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`UPDATE availability_targets SET state = 'paused', active = FALSE\s+WHERE id = \$1 AND NOT EXISTS \(SELECT 1 FROM availability_subscriptions`).
		WithArgs(int64(11)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, store.Unsubscribe(context.Background(), watch.AvailabilityKind, 2, 11))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUnsubscribeMissingLink(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM price_subscriptions`).
		WithArgs(int64(2), int64(11)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectRollback()

	err := store.Unsubscribe(context.Background(), watch.PriceKind, 2, 11)
	require.ErrorIs(t, err, watch.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertUserNormalizesEmail(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`INSERT INTO users \(email, display_name\)`).
		WithArgs("ann@example.com", "Ann").
		WillReturnRows(pgxmock.NewRows([]string{"id", "email", "display_name"}).
			AddRow(int64(1), "ann@example.com", "Ann"))

	u, err := store.UpsertUser(context.Background(), " Ann@Example.com ", "Ann")
	require.NoError(t, err)
	require.Equal(t, int64(1), u.ID)

	_, err = store.UpsertUser(context.Background(), "", "x")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExpireStaleReturnsCount(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	cutoff := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`UPDATE price_targets\s+SET state = 'paused', active = FALSE\s+WHERE active AND created_at < \$1 AND last_checked IS NOT NULL`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))

	n, err := store.ExpireStale(context.Background(), watch.PriceKind, cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTargetNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT id, url.* FROM price_targets WHERE id = \$1`).
		WithArgs(int64(99)).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetTarget(context.Background(), watch.PriceKind, 99)
	require.ErrorIs(t, err, watch.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectPing().WillReturnError(errors.New("down"))
	require.ErrorContains(t, store.Ping(context.Background()), "down")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateURL(t *testing.T) {
	t.Parallel()

	got, err := migrateURL("postgres://u:p@localhost:5432/db?sslmode=disable")
	require.NoError(t, err)
	require.Equal(t, "pgx5://u:p@localhost:5432/db?sslmode=disable", got)

	got, err = migrateURL("postgresql://localhost/db")
	require.NoError(t, err)
	require.Equal(t, "pgx5://localhost/db", got)

	_, err = migrateURL("host=localhost dbname=db")
	require.Error(t, err)
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	t.Parallel()

	entries, err := migrationFS.ReadDir("migrations")
	require.NoError(t, err)
	require.Len(t, entries, 6)
}
