package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/commerce-dash/settlement/internal/domain"
	"github.com/commerce-dash/settlement/internal/repositories"
)

var testNow = time.Date(2024, 5, 10, 14, 35, 0, 0, time.UTC)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func orderRow(status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "organization_id", "client_id", "cart_id", "status", "country", "points_redeemed",
		"notified_paid_or_completed", "notified_open", "referral_awarded", "order_meta", "subtotal", "discount", "shipping", "total",
		"payment_method", "payment_asset", "payment_amount", "date_paid", "date_completed", "date_cancelled",
		"date_underpaid", "date_refunded", "created_at", "updated_at",
	}).AddRow(
		"ord-1", "org-1", "cli-1", "cart-1", status, "gb", 40,
		false, true, false, `[{"type":"status_changed","status":"open","occurredAt":"2024-05-10T12:00:00Z"}]`,
		"100.00", "5.00", "4.99", "99.99",
		"crypto", "BTC", "0.0015", testNow, nil, nil, nil, nil, testNow, testNow,
	)
}

func TestOrderRepository_LockByID(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOrderRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(lockOrderQuery)).
		WithArgs("ord-1").
		WillReturnRows(orderRow("paid"))

	order, err := repo.LockByID(context.Background(), " ord-1 ")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, order.Status)
	assert.Equal(t, "GB", order.Country)
	assert.Equal(t, int64(40), order.PointsRedeemed)
	assert.True(t, order.NotifiedOpen)
	assert.False(t, order.NotifiedPaidOrCompleted)
	assert.True(t, order.IsCrypto())
	assert.Equal(t, "BTC", order.Payment.Asset)
	assert.True(t, decimal.RequireFromString("0.0015").Equal(order.Payment.Amount))
	assert.True(t, decimal.RequireFromString("99.99").Equal(order.Totals.Total))
	require.Len(t, order.Meta, 1)
	assert.Equal(t, domain.OrderStatusOpen, order.Meta[0].Status)
	require.NotNil(t, order.DatePaid)
	assert.Nil(t, order.DateCompleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepository_FindByIDNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOrderRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(findOrderQuery)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.FindByID(context.Background(), "missing")
	require.Error(t, err)
	var repoErr repositories.RepositoryError
	require.True(t, errors.As(err, &repoErr))
	assert.True(t, repoErr.IsNotFound())
}

func TestOrderRepository_UpdateStatus(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOrderRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(updateOrderStatusQuery)).
		WithArgs("ord-1", "underpaid", testNow, sqlmock.AnyArg(), false, false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateStatus(context.Background(), repositories.OrderStatusUpdate{
		OrderID:    "ord-1",
		Status:     domain.OrderStatusUnderpaid,
		At:         testNow,
		AppendMeta: &domain.OrderMetaEvent{Type: "underpaid", Status: domain.OrderStatusUnderpaid, OccurredAt: testNow},
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepository_UpdateStatusWithoutMetaPassesNull(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOrderRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(updateOrderStatusQuery)).
		WithArgs("ord-1", "completed", testNow, nil, true, false).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), repositories.OrderStatusUpdate{
		OrderID:      "ord-1",
		Status:       domain.OrderStatusCompleted,
		At:           testNow,
		MarkNotified: true,
	})
	var repoErr repositories.RepositoryError
	require.True(t, errors.As(err, &repoErr))
	assert.True(t, repoErr.IsNotFound())
}

func TestCartRepository_ListLines(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCartRepository(db)

	rows := sqlmock.NewRows([]string{"id", "cart_id", "product_id", "affiliate_product_id", "variation_id", "category_id", "title", "quantity", "price", "cost", "points_price"}).
		AddRow("line-1", "cart-1", "prod-1", "", "", "cat-a", "Tea", 2, "12.50", "4.00", 0).
		AddRow("line-2", "cart-1", "", "aff-1", "var-1", "cat-b", "Mug", 1, "0", "3.10", 150)

	mock.ExpectQuery(regexp.QuoteMeta(listCartLinesQuery)).
		WithArgs("cart-1", "DE").
		WillReturnRows(rows)

	lines, err := repo.ListLines(context.Background(), "cart-1", "de")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.False(t, lines[0].IsAffiliate())
	assert.True(t, decimal.RequireFromString("25").Equal(lines[0].Revenue()))
	assert.True(t, lines[1].IsAffiliate())
	assert.Equal(t, int64(150), lines[1].PointsCost())
}

func TestStockRepository_Adjust(t *testing.T) {
	db, mock := newMock(t)
	repo := NewStockRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(adjustStockQuery)).
		WithArgs("GB", "prod-1", nil, nil, int64(-2), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(adjustStockQuery)).
		WithArgs("GB", "prod-2", nil, nil, int64(3), testNow).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Adjust(context.Background(), repositories.StockAdjustment{ProductID: "prod-1", Country: "gb", Delta: -2, At: testNow})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Adjust(context.Background(), repositories.StockAdjustment{ProductID: "prod-2", Country: "GB", Delta: 3, At: testNow})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.Adjust(context.Background(), repositories.StockAdjustment{Country: "GB", Delta: 1})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPointLedgerRepository_ApplyDelta(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPointLedgerRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(applyBalanceDeltaQuery)).
		WithArgs("cli-1", "org-1", int64(-30), int64(30), testNow).
		WillReturnRows(sqlmock.NewRows([]string{"client_id", "organization_id", "points_current", "points_spent", "updated_at"}).
			AddRow("cli-1", "org-1", 70, 30, testNow))

	balance, err := repo.ApplyDelta(context.Background(), repositories.BalanceDelta{
		ClientID: "cli-1", OrganizationID: "org-1", CurrentDelta: -30, SpentDelta: 30, At: testNow,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance.PointsCurrent)
	assert.Equal(t, int64(30), balance.PointsSpent)
}

func TestPointLedgerRepository_LockBalanceCreatesRow(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPointLedgerRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(ensureBalanceQuery)).
		WithArgs("cli-1", "org-1", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(lockBalanceQuery)).
		WithArgs("cli-1", "org-1").
		WillReturnRows(sqlmock.NewRows([]string{"client_id", "organization_id", "points_current", "points_spent", "updated_at"}).
			AddRow("cli-1", "org-1", 0, 0, testNow))

	balance, err := repo.LockBalance(context.Background(), "cli-1", "org-1", testNow)
	require.NoError(t, err)
	assert.Zero(t, balance.PointsCurrent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPointLedgerRepository_AppendLogRejectsUnknownAction(t *testing.T) {
	db, _ := newMock(t)
	repo := NewPointLedgerRepository(db)

	err := repo.AppendLog(context.Background(), domain.PointLog{ID: "log-1", Action: "gift"})
	assert.Error(t, err)
}

func TestPointLedgerRepository_SumByAction(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPointLedgerRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(sumPointsByActionQuery)).
		WithArgs("cli-1", "org-1", "spending_bonus").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(200))

	total, err := repo.SumByAction(context.Background(), "cli-1", "org-1", domain.PointActionSpendingBonus)
	require.NoError(t, err)
	assert.Equal(t, int64(200), total)
}

func TestRevenueRepository_InsertDuplicateIsConflict(t *testing.T) {
	db, mock := newMock(t)
	repo := NewRevenueRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(insertRevenueQuery)).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value"})

	err := repo.Insert(context.Background(), domain.OrderRevenue{ID: "rev-1", OrderID: "ord-1", RateBucket: testNow, CreatedAt: testNow})
	var repoErr repositories.RepositoryError
	require.True(t, errors.As(err, &repoErr))
	assert.True(t, repoErr.IsConflict())
	assert.False(t, repoErr.IsNotFound())
}

func TestRevenueRepository_InsertWritesCategories(t *testing.T) {
	db, mock := newMock(t)
	repo := NewRevenueRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(insertRevenueQuery)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertCategoryRevenueQuery)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertCategoryRevenueQuery)).WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Insert(context.Background(), domain.OrderRevenue{
		ID: "rev-1", OrderID: "ord-1", RateBucket: testNow, CreatedAt: testNow,
		Categories: []domain.CategoryRevenue{{CategoryID: "a"}, {CategoryID: "b"}},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevenueRepository_SumClientEUR(t *testing.T) {
	db, mock := newMock(t)
	repo := NewRevenueRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(sumClientRevenueEURQuery)).
		WithArgs("cli-1", "org-1").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("512.40"))

	total, err := repo.SumClientEUR(context.Background(), "cli-1", "org-1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("512.40").Equal(total))
}

func TestExchangeRateRepository_InsertIfAbsentReturnsStoredRow(t *testing.T) {
	db, mock := newMock(t)
	repo := NewExchangeRateRepository(db)
	bucket := domain.RateBucket(testNow)

	mock.ExpectExec(regexp.QuoteMeta(insertExchangeRateQuery)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(findExchangeRateQuery)).
		WithArgs(bucket).
		WillReturnRows(sqlmock.NewRows([]string{"bucket", "usd_eur", "usd_gbp", "source", "fetched_at"}).
			AddRow(bucket, "0.92", "0.79", "quote", testNow))

	rate, err := repo.InsertIfAbsent(context.Background(), domain.ExchangeRate{
		Bucket: testNow, USDToEUR: decimal.RequireFromString("0.93"), USDToGBP: decimal.RequireFromString("0.80"),
		Source: "stripe", FetchedAt: testNow,
	})
	require.NoError(t, err)
	assert.Equal(t, "quote", rate.Source)
	assert.True(t, decimal.RequireFromString("0.92").Equal(rate.USDToEUR))
	assert.Equal(t, bucket, rate.Bucket)
}

func TestAffiliateSettingsRepository_MissingRowIsDisabled(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAffiliateSettingsRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(findAffiliateSettingsQuery)).
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"organization_id"}))

	settings, err := repo.FindByOrganization(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", settings.OrganizationID)
	assert.False(t, settings.ReferralEnabled())
	assert.False(t, settings.SpendingEnabled())
}

func jobRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "kind", "order_id", "organization_id", "client_id", "payload", "status", "attempts", "last_error",
		"next_attempt_at", "leased_until", "created_at", "updated_at", "completed_at",
	})
}

func TestSettlementJobRepository_Claim(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSettlementJobRepository(db)
	lease := testNow.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta(claimJobQuery)).
		WithArgs("job-1", testNow, lease).
		WillReturnRows(jobRows().AddRow("job-1", "revenue_snapshot", "ord-1", "org-1", "cli-1", []byte(`{}`), "running", 1, "", testNow, lease, testNow, testNow, nil))
	mock.ExpectQuery(regexp.QuoteMeta(claimJobQuery)).
		WithArgs("job-2", testNow, lease).
		WillReturnRows(jobRows())

	job, ok, err := repo.Claim(context.Background(), "job-1", testNow, lease)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.SettlementJobRevenueSnapshot, job.Kind)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LeasedUntil)

	_, ok, err = repo.Claim(context.Background(), "job-2", testNow, lease)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSettlementJobRepository_ClaimDue(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSettlementJobRepository(db)
	lease := testNow.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta(claimDueJobsQuery)).
		WithArgs(testNow, lease, 10).
		WillReturnRows(jobRows().
			AddRow("job-1", "bonus_evaluation", "ord-1", "org-1", "cli-1", []byte(`{}`), "running", 2, "boom", testNow, lease, testNow, testNow, nil).
			AddRow("job-2", "notification", "ord-1", "org-1", "cli-1", []byte(`{"type":"order_paid"}`), "running", 1, "", testNow, lease, testNow, testNow, nil))

	jobs, err := repo.ClaimDue(context.Background(), testNow, lease, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, domain.SettlementJobNotification, jobs[1].Kind)
	assert.JSONEq(t, `{"type":"order_paid"}`, string(jobs[1].Payload))

	jobs, err = repo.ClaimDue(context.Background(), testNow, lease, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSettlementJobRepository_MarkTransitions(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSettlementJobRepository(db)
	next := testNow.Add(30 * time.Second)

	mock.ExpectExec(regexp.QuoteMeta(markJobDoneQuery)).WithArgs("job-1", testNow).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(markJobRetryQuery)).WithArgs("job-2", "rates down", next, testNow).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(markJobFailedQuery)).WithArgs("job-3", "gave up", testNow).WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, repo.MarkDone(context.Background(), "job-1", testNow))
	assert.NoError(t, repo.MarkRetry(context.Background(), "job-2", "rates down", next, testNow))
	err := repo.MarkFailed(context.Background(), "job-3", "gave up", testNow)
	var repoErr repositories.RepositoryError
	require.True(t, errors.As(err, &repoErr))
	assert.True(t, repoErr.IsNotFound())
}

func TestSettlementJobRepository_Backlog(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSettlementJobRepository(db)
	oldest := testNow.Add(-10 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta(jobBacklogQuery)).
		WithArgs(testNow).
		WillReturnRows(sqlmock.NewRows([]string{"due", "failed", "oldest"}).AddRow(4, 1, oldest))
	mock.ExpectQuery(regexp.QuoteMeta(jobBacklogQuery)).
		WithArgs(testNow).
		WillReturnRows(sqlmock.NewRows([]string{"due", "failed", "oldest"}).AddRow(0, 0, nil))

	backlog, err := repo.Backlog(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, 4, backlog.Due)
	assert.Equal(t, 1, backlog.Failed)
	require.NotNil(t, backlog.OldestDue)
	assert.True(t, backlog.OldestDue.Equal(oldest))

	backlog, err = repo.Backlog(context.Background(), testNow)
	require.NoError(t, err)
	assert.Nil(t, backlog.OldestDue)
}

func TestUnitOfWork_RetriesSerializationFailure(t *testing.T) {
	db, mock := newMock(t)
	unit := NewUnitOfWork(db, WithTxAttempts(2))
	repo := NewSettlementJobRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(markJobDoneQuery)).WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(markJobDoneQuery)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	calls := 0
	err := unit.RunInTx(context.Background(), func(ctx context.Context) error {
		calls++
		return repo.MarkDone(ctx, "job-1", testNow)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnitOfWork_NestedCallsJoinOuterTransaction(t *testing.T) {
	db, mock := newMock(t)
	unit := NewUnitOfWork(db)

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := unit.RunInTx(context.Background(), func(ctx context.Context) error {
		return unit.RunInTx(ctx, func(inner context.Context) error {
			_, ok := txFromContext(inner)
			assert.True(t, ok)
			return nil
		})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnitOfWork_RollsBackOnError(t *testing.T) {
	db, mock := newMock(t)
	unit := NewUnitOfWork(db)
	sentinel := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := unit.RunInTx(context.Background(), func(context.Context) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWrapErrorClassification(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		conflict    bool
		unavailable bool
		retryable   bool
	}{
		{name: "unique", err: &pgconn.PgError{Code: "23505"}, conflict: true},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, conflict: true, retryable: true},
		{name: "shutdown", err: &pgconn.PgError{Code: "57P01"}, unavailable: true},
		{name: "connection", err: &pgconn.PgError{Code: "08006"}, unavailable: true},
		{name: "bad conn", err: sql.ErrConnDone, unavailable: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var repoErr *Error
			require.True(t, errors.As(WrapError("op", tc.err), &repoErr))
			assert.Equal(t, tc.conflict, repoErr.IsConflict())
			assert.Equal(t, tc.unavailable, repoErr.IsUnavailable())
			assert.Equal(t, tc.retryable, IsRetryable(repoErr))
		})
	}

	assert.ErrorIs(t, WrapError("op", context.Canceled), context.Canceled)
	assert.Nil(t, WrapError("op", nil))
}

func TestSchemaStatements(t *testing.T) {
	stmts := SchemaStatements()
	require.NotEmpty(t, stmts)
	for _, stmt := range stmts {
		assert.NotContains(t, stmt, ";\n")
	}
	assert.Contains(t, stmts[len(stmts)-1], "settlement_jobs_due_idx")
	assert.True(t, slices.ContainsFunc(stmts, func(stmt string) bool {
		return strings.Contains(stmt, "ADD COLUMN IF NOT EXISTS notified_open")
	}), "existing databases gain the open notice flag")
}
