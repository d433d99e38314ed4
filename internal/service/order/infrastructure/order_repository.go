package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"stockflow/internal/service/order/domain"
)

// GormOrderRepository 同时实现 domain.OrderRepository 与 domain.OrderItemStore
type GormOrderRepository struct {
	db *gorm.DB
}

// NewGormOrderRepository 创建一个新的 GORM 仓储实例
func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

// Create 写入订单和全部订单项并回填 ID，调用方负责开启事务
func (r *GormOrderRepository) Create(ctx context.Context, order *domain.Order) error {
	db := conn(ctx, r.db)
	model := OrderModel{UserID: order.UserID, CreatedAt: order.CreatedAt}
	if err := db.Create(&model).Error; err != nil {
		return errors.Wrap(err, "insert order")
	}
	order.ID = model.ID

	items := make([]OrderItemModel, len(order.Items))
	for i := range order.Items {
		order.Items[i].OrderID = model.ID
		items[i] = FromDomainOrderItem(&order.Items[i])
	}
	if len(items) == 0 {
		return nil
	}
	if err := db.Create(&items).Error; err != nil {
		return errors.Wrap(err, "insert order items")
	}
	for i := range items {
		order.Items[i].ID = items[i].ID
	}
	return nil
}

// FindByID 根据 ID 查找订单聚合
func (r *GormOrderRepository) FindByID(ctx context.Context, id int64) (*domain.Order, error) {
	db := conn(ctx, r.db)
	var model OrderModel
	if err := db.Where("id = ?", id).Take(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, errors.Wrapf(err, "find order %d", id)
	}
	var items []OrderItemModel
	if err := db.Where("order_id = ?", id).Order("id").Find(&items).Error; err != nil {
		return nil, errors.Wrapf(err, "find items of order %d", id)
	}
	return ToDomainOrder(&model, items), nil
}

// FindItem 读取订单项当前状态
func (r *GormOrderRepository) FindItem(ctx context.Context, id int64) (*domain.OrderItem, error) {
	var model OrderItemModel
	if err := conn(ctx, r.db).Where("id = ?", id).Take(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderItemNotFound
		}
		return nil, errors.Wrapf(err, "find order item %d", id)
	}
	return ToDomainOrderItem(&model), nil
}

// FindItemVersion 只读取版本号，生产者用它来给消息打上期望版本
func (r *GormOrderRepository) FindItemVersion(ctx context.Context, id int64) (int64, error) {
	var model OrderItemModel
	err := conn(ctx, r.db).Select("id", "version").Where("id = ?", id).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, domain.ErrOrderItemNotFound
		}
		return 0, errors.Wrapf(err, "find version of order item %d", id)
	}
	return model.Version, nil
}

// ConditionalUpdateStatus 只有当 version 等于 expectedVersion 时才写入，写入后 version 加一。
// 返回受影响行数，0 表示版本已变化或订单项不存在。
func (r *GormOrderRepository) ConditionalUpdateStatus(ctx context.Context, id, expectedVersion int64, update domain.StatusUpdate) (int64, error) {
	values := map[string]interface{}{
		"status":     update.Status,
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now(),
	}
	if update.Reason != domain.ReasonNone {
		values["reason"] = update.Reason
	}
	if update.MarkReserved {
		values["stock_reserved"] = true
	}
	res := conn(ctx, r.db).Model(&OrderItemModel{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(values)
	if res.Error != nil {
		return 0, errors.Wrapf(res.Error, "update status of order item %d", id)
	}
	return res.RowsAffected, nil
}
