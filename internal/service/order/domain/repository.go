package domain

import "context"

// OrderRepository 定义了订单聚合的持久化接口。
// 它位于领域层，但由基础设施层实现。
type OrderRepository interface {
	// Create 在一个事务内写入订单及其全部订单项，并回填 ID
	Create(ctx context.Context, order *Order) error

	// FindByID 根据 ID 查找一个订单聚合（含订单项）
	FindByID(ctx context.Context, id int64) (*Order, error)
}

// OrderItemStore 是预占处理器使用的订单项存储。
// ConditionalUpdateStatus 返回受影响的行数：0 表示版本不匹配或记录不存在，这不是错误。
type OrderItemStore interface {
	FindItem(ctx context.Context, id int64) (*OrderItem, error)
	FindItemVersion(ctx context.Context, id int64) (int64, error)
	ConditionalUpdateStatus(ctx context.Context, id, expectedVersion int64, update StatusUpdate) (int64, error)
}

// ProductStore 是库存读写接口，调用方必须持有商品锁
type ProductStore interface {
	FindProduct(ctx context.Context, id int64) (*Product, error)
	ReadStockLevel(ctx context.Context, productID int64) (int64, error)
	WriteStockLevel(ctx context.Context, productID, newLevel int64) (int64, error)
}
