package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockflow/internal/pkg/lock"
	"stockflow/internal/pkg/metrics"
	"stockflow/internal/service/order/domain"
)

func newReservation(t *testing.T) (*ReservationService, *memStore, *memLocker) {
	t.Helper()
	store := newMemStore()
	locker := newMemLocker()
	svc := NewReservationService(store, store, store, locker, time.Second, metrics.New("test"))
	return svc, store, locker
}

func reserveMsg(item domain.OrderItem) domain.StockUpdateMessage {
	return domain.NewStockUpdateMessage(item, domain.UpdateTypeReserve)
}

func TestReserveScenario(t *testing.T) {
	svc, store, locker := newReservation(t)
	ctx := context.Background()
	store.addProduct(1, 5, 100)
	i1 := store.addItem(domain.OrderItem{ProductID: 1, Quantity: 3})
	i2 := store.addItem(domain.OrderItem{ProductID: 1, Quantity: 4})

	d, err := svc.Handle(ctx, reserveMsg(i1))
	require.NoError(t, err)
	assert.Equal(t, DecisionConfirmed, d)
	assert.Equal(t, domain.ItemStatusConfirmed, store.item(i1.ID).Status)
	assert.True(t, store.item(i1.ID).StockReserved)
	assert.Equal(t, int64(1), store.item(i1.ID).Version)
	assert.Equal(t, int64(2), store.stock(1))

	d, err = svc.Handle(ctx, reserveMsg(i2))
	require.NoError(t, err)
	assert.Equal(t, DecisionInsufficientStock, d)
	got := store.item(i2.ID)
	assert.Equal(t, domain.ItemStatusCancelled, got.Status)
	assert.Equal(t, domain.ReasonInsufficientStock, got.Reason)
	assert.False(t, got.StockReserved)
	assert.Equal(t, int64(2), store.stock(1))

	assert.Zero(t, locker.heldKeys(), "lock must be released")
	assert.Equal(t, 2, locker.unlocked)
}

func TestReserveIsIdempotentUnderRedelivery(t *testing.T) {
	svc, store, _ := newReservation(t)
	ctx := context.Background()
	store.addProduct(1, 10, 100)
	item := store.addItem(domain.OrderItem{ProductID: 1, Quantity: 4})
	msg := reserveMsg(item)

	d, err := svc.Handle(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, DecisionConfirmed, d)

	d, err = svc.Handle(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, DecisionStale, d)
	assert.Equal(t, int64(6), store.stock(1))
	assert.Equal(t, int64(1), store.item(item.ID).Version)
}

func TestReserveStaleVersionIsNoop(t *testing.T) {
	svc, store, _ := newReservation(t)
	store.addProduct(1, 10, 100)
	item := store.addItem(domain.OrderItem{ProductID: 1, Quantity: 2, Status: domain.ItemStatusCancelling, Version: 1})

	msg := reserveMsg(item)
	msg.ExpectedOrderItemVersion = 0

	d, err := svc.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, DecisionStale, d)
	assert.Equal(t, domain.ItemStatusCancelling, store.item(item.ID).Status)
	assert.Equal(t, int64(10), store.stock(1))
}

func TestStockNeverNegative(t *testing.T) {
	svc, store, _ := newReservation(t)
	store.addProduct(1, 7, 100)

	confirmed := 0
	for i := 0; i < 10; i++ {
		item := store.addItem(domain.OrderItem{ProductID: 1, Quantity: 2})
		d, err := svc.Handle(context.Background(), reserveMsg(item))
		require.NoError(t, err)
		if d == DecisionConfirmed {
			confirmed++
		}
		assert.GreaterOrEqual(t, store.stock(1), int64(0))
	}
	assert.Equal(t, 3, confirmed)
	assert.Equal(t, int64(1), store.stock(1))
}

func TestReserveLockTimeoutIsRetryable(t *testing.T) {
	svc, store, locker := newReservation(t)
	store.addProduct(1, 5, 100)
	item := store.addItem(domain.OrderItem{ProductID: 1, Quantity: 1})
	locker.deny = true

	_, err := svc.Handle(context.Background(), reserveMsg(item))
	require.Error(t, err)
	assert.ErrorIs(t, err, lock.ErrNotAcquired)
	assert.True(t, lock.IsRetryable(err))
	assert.Equal(t, domain.ItemStatusProcessing, store.item(item.ID).Status)
	assert.Equal(t, int64(5), store.stock(1))
}

func TestReserveLockProviderFailureIsRetryable(t *testing.T) {
	svc, store, locker := newReservation(t)
	store.addProduct(1, 5, 100)
	item := store.addItem(domain.OrderItem{ProductID: 1, Quantity: 1})
	locker.err = errors.New("connection refused")

	_, err := svc.Handle(context.Background(), reserveMsg(item))
	assert.True(t, lock.IsRetryable(err))
}

func TestReserveMissingProductRowRollsBackItem(t *testing.T) {
	svc, store, _ := newReservation(t)
	store.addProduct(1, 5, 100)
	item := store.addItem(domain.OrderItem{ProductID: 1, Quantity: 1})
	store.rejectStockWrite = true

	_, err := svc.Handle(context.Background(), reserveMsg(item))
	assert.ErrorIs(t, err, domain.ErrProductNotFound)
	got := store.item(item.ID)
	assert.Equal(t, domain.ItemStatusProcessing, got.Status)
	assert.Zero(t, got.Version)
}

func TestReserveNotFound(t *testing.T) {
	svc, store, _ := newReservation(t)
	store.addProduct(1, 5, 100)

	_, err := svc.Handle(context.Background(), domain.StockUpdateMessage{
		OrderID: 1, OrderItemID: 99, UpdateType: domain.UpdateTypeReserve, ProductID: 1, Quantity: 1,
	})
	assert.ErrorIs(t, err, domain.ErrOrderItemNotFound)

	item := store.addItem(domain.OrderItem{ProductID: 42, Quantity: 1})
	_, err = svc.Handle(context.Background(), reserveMsg(item))
	assert.ErrorIs(t, err, domain.ErrProductNotFound)
}

func TestCancelCreditsReservedStockOnce(t *testing.T) {
	svc, store, _ := newReservation(t)
	ctx := context.Background()
	store.addProduct(1, 5, 100)
	item := store.addItem(domain.OrderItem{ProductID: 1, Quantity: 3})

	_, err := svc.Handle(ctx, reserveMsg(item))
	require.NoError(t, err)
	require.Equal(t, int64(2), store.stock(1))

	// 用户取消：CONFIRMED -> CANCELLING
	confirmed := store.item(item.ID)
	_, err = store.ConditionalUpdateStatus(ctx, item.ID, confirmed.Version, domain.RequestCancellation())
	require.NoError(t, err)
	cancelMsg := domain.NewStockUpdateMessage(store.item(item.ID), domain.UpdateTypeCancel)

	d, err := svc.Handle(ctx, cancelMsg)
	require.NoError(t, err)
	assert.Equal(t, DecisionCancelled, d)
	assert.Equal(t, int64(5), store.stock(1))
	got := store.item(item.ID)
	assert.Equal(t, domain.ItemStatusCancelled, got.Status)
	assert.Equal(t, domain.ReasonUserCancelled, got.Reason)

	// 重复投递不会重复归还
	d, err = svc.Handle(ctx, cancelMsg)
	require.NoError(t, err)
	assert.Equal(t, DecisionStale, d)
	assert.Equal(t, int64(5), store.stock(1))
}

func TestCancelWithoutReservationCreditsNothing(t *testing.T) {
	svc, store, _ := newReservation(t)
	ctx := context.Background()
	store.addProduct(1, 5, 100)
	item := store.addItem(domain.OrderItem{ProductID: 1, Quantity: 3})
	staleReserve := reserveMsg(item)

	_, err := store.ConditionalUpdateStatus(ctx, item.ID, 0, domain.RequestCancellation())
	require.NoError(t, err)
	cancelMsg := domain.NewStockUpdateMessage(store.item(item.ID), domain.UpdateTypeCancel)

	d, err := svc.Handle(ctx, cancelMsg)
	require.NoError(t, err)
	assert.Equal(t, DecisionCancelledNoCredit, d)
	assert.Equal(t, int64(5), store.stock(1))

	// 迟到的 RESERVE 已过期
	d, err = svc.Handle(ctx, staleReserve)
	require.NoError(t, err)
	assert.Equal(t, DecisionStale, d)
	assert.Equal(t, int64(5), store.stock(1))
	assert.Equal(t, domain.ItemStatusCancelled, store.item(item.ID).Status)
}

func TestCancelInvalidTransition(t *testing.T) {
	svc, store, _ := newReservation(t)
	store.addProduct(1, 5, 100)
	item := store.addItem(domain.OrderItem{ProductID: 1, Quantity: 1, Status: domain.ItemStatusConfirmed, Version: 1, StockReserved: true})

	_, err := svc.Handle(context.Background(), domain.NewStockUpdateMessage(item, domain.UpdateTypeCancel))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, int64(5), store.stock(1))
}

func TestHandleCancelledContext(t *testing.T) {
	svc, store, _ := newReservation(t)
	store.addProduct(1, 5, 100)
	item := store.addItem(domain.OrderItem{ProductID: 1, Quantity: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Handle(ctx, reserveMsg(item))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(5), store.stock(1))
}
