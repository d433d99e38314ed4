package infrastructure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"stockflow/internal/service/order/domain"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Discard,
	})
	require.NoError(t, err)
	return db, mock
}

func TestConditionalUpdateStatus(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGormOrderRepository(db)

	mock.ExpectExec("UPDATE `order_items` SET .*`stock_reserved`.*`version`=version \\+ 1.*WHERE.*id = \\? AND version = \\?").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := repo.ConditionalUpdateStatus(context.Background(), 7, 3, domain.Confirm())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConditionalUpdateStatusVersionMismatch(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGormOrderRepository(db)

	mock.ExpectExec("UPDATE `order_items` SET").WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := repo.ConditionalUpdateStatus(context.Background(), 7, 1, domain.CompleteCancellation())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindItemNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGormOrderRepository(db)

	mock.ExpectQuery("SELECT \\* FROM `order_items` WHERE id = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.FindItem(context.Background(), 42)
	assert.ErrorIs(t, err, domain.ErrOrderItemNotFound)
}

func TestFindItemVersion(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGormOrderRepository(db)

	mock.ExpectQuery("SELECT `id`,`version` FROM `order_items` WHERE id = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"id", "version"}).AddRow(42, 5))

	v, err := repo.FindItemVersion(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
}

func TestFindByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGormOrderRepository(db)
	now := time.Now()

	mock.ExpectQuery("SELECT \\* FROM `orders` WHERE id = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "created_at"}).AddRow(10, "u-1", now))
	mock.ExpectQuery("SELECT \\* FROM `order_items` WHERE order_id = \\? ORDER BY id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "product_id", "quantity", "purchase_price", "status", "reason", "stock_reserved", "version"}).
			AddRow(100, 10, 1, 2, 1999, "CONFIRMED", "", true, 1).
			AddRow(101, 10, 2, 1, 500, "PROCESSING", "", false, 0))

	order, err := repo.FindByID(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "u-1", order.UserID)
	require.Len(t, order.Items, 2)
	assert.Equal(t, domain.ItemStatusConfirmed, order.Items[0].Status)
	assert.True(t, order.Items[0].StockReserved)
	assert.Equal(t, domain.ItemStatusProcessing, order.Items[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrder(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGormOrderRepository(db)

	mock.ExpectExec("INSERT INTO `orders`").WillReturnResult(sqlmock.NewResult(10, 1))
	mock.ExpectExec("INSERT INTO `order_items`").WillReturnResult(sqlmock.NewResult(100, 2))

	order, err := domain.NewOrder("u-1", []domain.OrderLine{{ProductID: 1, Quantity: 2}, {ProductID: 2, Quantity: 1}},
		map[int64]int64{1: 1999, 2: 500})
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), order))

	assert.Equal(t, int64(10), order.ID)
	for _, item := range order.Items {
		assert.Equal(t, int64(10), item.OrderID)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadStockLevelForUpdate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGormProductRepository(db)

	mock.ExpectQuery("SELECT `id`,`stock_level` FROM `products` WHERE id = \\?.*FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"id", "stock_level"}).AddRow(1, 8))

	level, err := repo.ReadStockLevel(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(8), level)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadStockLevelUnknownProduct(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGormProductRepository(db)

	mock.ExpectQuery("FROM `products`").WillReturnRows(sqlmock.NewRows([]string{"id", "stock_level"}))

	_, err := repo.ReadStockLevel(context.Background(), 99)
	assert.ErrorIs(t, err, domain.ErrProductNotFound)
}

func TestWriteStockLevel(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGormProductRepository(db)

	mock.ExpectExec("UPDATE `products` SET `stock_level`=\\?.* WHERE id = \\?").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := repo.WriteStockLevel(context.Background(), 1, 6)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxSharesTransaction(t *testing.T) {
	db, mock := newMockDB(t)
	txm := NewGormTxManager(db)
	items := NewGormOrderRepository(db)
	products := NewGormProductRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(sqlmock.NewRows([]string{"id", "stock_level"}).AddRow(1, 10))
	mock.ExpectExec("UPDATE `order_items`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE `products`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := txm.WithinTx(context.Background(), func(ctx context.Context) error {
		level, err := products.ReadStockLevel(ctx, 1)
		if err != nil {
			return err
		}
		if _, err := items.ConditionalUpdateStatus(ctx, 5, 0, domain.Confirm()); err != nil {
			return err
		}
		_, err = products.WriteStockLevel(ctx, 1, level-2)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	txm := NewGormTxManager(db)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := txm.WithinTx(context.Background(), func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
