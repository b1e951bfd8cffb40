package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/money"
	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestDB(t *testing.T) *OrderRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests are skipped in -short mode")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("checkout"),
		tcpostgres.WithUsername("checkout"),
		tcpostgres.WithPassword("checkout"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, Migrate(dsn))
	require.NoError(t, Migrate(dsn), "migrations must be re-runnable")

	pool, err := Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewOrderRepository(pool)
}

func newOrder(t *testing.T, number, key string) *domain.Order {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	billing := domain.Address{Name: "Ada", Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"}
	o, err := domain.New(uuid.NewString(), number, "cust-1", "USD", billing, nil, now)
	require.NoError(t, err)
	o.IdempotencyKey = key

	item, err := domain.NewItem("sku-a", 2, money.MustNew("10.00", "USD"))
	require.NoError(t, err)
	require.NoError(t, o.SetItems([]domain.Item{item}))
	require.NoError(t, o.SetCharges(money.MustNew("4.99", "USD"), decimal.RequireFromString("0.07")))
	_, err = o.Apply(domain.EventCreate, now)
	require.NoError(t, err)
	return o
}

func TestOrderRepository_RoundTrip(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	o := newOrder(t, "ORD-1", "k-1")
	require.NoError(t, repo.Create(ctx, o))
	assert.EqualValues(t, 1, o.Version)

	got, err := repo.FindByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.OrderNumber, got.OrderNumber)
	assert.Equal(t, domain.StatusPendingPayment, got.Status)
	assert.Equal(t, "26.39 USD", got.TotalAmount.String())
	assert.True(t, got.TaxRate.Equal(decimal.RequireFromString("0.07")))
	assert.NoError(t, got.CheckTotals())
	require.Len(t, got.Items, 1)
	assert.Equal(t, "20.00 USD", got.Items[0].TotalPrice.String())

	byNumber, err := repo.FindByOrderNumber(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, o.ID, byNumber.ID)

	byKey, err := repo.FindByIdempotency(ctx, "cust-1", "k-1")
	require.NoError(t, err)
	assert.Equal(t, o.ID, byKey.ID)

	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrderRepository_UniqueConstraints(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newOrder(t, "ORD-1", "k-1")))
	assert.ErrorIs(t, repo.Create(ctx, newOrder(t, "ORD-1", "")), domain.ErrDuplicateNumber)
	err := repo.Create(ctx, newOrder(t, "ORD-2", "k-1"))
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.NotErrorIs(t, err, domain.ErrDuplicateNumber)

	require.NoError(t, repo.Create(ctx, newOrder(t, "ORD-3", "")))
	require.NoError(t, repo.Create(ctx, newOrder(t, "ORD-4", "")))
}

func TestOrderRepository_SaveChecksVersion(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	o := newOrder(t, "ORD-1", "")
	require.NoError(t, repo.Create(ctx, o))

	a, err := repo.FindByID(ctx, o.ID)
	require.NoError(t, err)
	b, err := repo.FindByID(ctx, o.ID)
	require.NoError(t, err)

	a.Payment = payment.NewPayment(&payment.Intent{ID: "pi_1", ClientSecret: "sec"}, a.TotalAmount)
	require.NoError(t, repo.Save(ctx, a))
	assert.EqualValues(t, 2, a.Version)

	b.CancelReason = "late writer"
	assert.ErrorIs(t, repo.Save(ctx, b), domain.ErrConflict)

	got, err := repo.FindByID(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Payment)
	assert.Equal(t, "pi_1", got.Payment.IntentID)
	assert.Equal(t, "0.00 USD", got.Payment.RefundedAmount.String())
	assert.Empty(t, got.CancelReason)

	ghost := newOrder(t, "ORD-9", "")
	assert.ErrorIs(t, repo.Save(ctx, ghost), domain.ErrNotFound)
}

func TestOrderRepository_UpdateStatusAndList(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	o := newOrder(t, "ORD-1", "")
	require.NoError(t, repo.Create(ctx, o))

	stale, err := repo.ListByStatus(ctx, domain.StatusPendingPayment, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)

	none, err := repo.ListByStatus(ctx, domain.StatusPendingPayment, o.UpdatedAt.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, repo.UpdateStatus(ctx, o.ID, domain.StatusPendingPayment, domain.StatusPaid))
	assert.ErrorIs(t, repo.UpdateStatus(ctx, o.ID, domain.StatusPendingPayment, domain.StatusCancelled), domain.ErrConflict)

	got, err := repo.FindByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, got.Status)
	assert.EqualValues(t, 2, got.Version)
}
