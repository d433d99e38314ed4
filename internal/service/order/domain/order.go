package domain

import (
	"errors"
	"time"
)

// Order 是订单聚合的根实体，只通过 ID 关联其订单项
type Order struct {
	ID        int64
	UserID    string
	Items     []OrderItem
	CreatedAt time.Time
}

// OrderStatus 是由订单项状态推导出的订单整体状态，不单独存储
type OrderStatus string

const (
	OrderStatusProcessing         OrderStatus = "PROCESSING"
	OrderStatusConfirmed          OrderStatus = "CONFIRMED"
	OrderStatusPartiallyConfirmed OrderStatus = "PARTIALLY_CONFIRMED"
	OrderStatusCancelled          OrderStatus = "CANCELLED"
	OrderStatusUnknown            OrderStatus = "UNKNOWN"
)

// Status 按以下顺序推导：
//   - 全部 CONFIRMED 为 CONFIRMED，全部 CANCELLED 为 CANCELLED
//   - 存在 PROCESSING 或 CANCELLING 时仍是 PROCESSING
//   - 存在 PROCESSING_FAILED 或 CANCELLED 时为 PARTIALLY_CONFIRMED
//   - 其余（包括没有订单项）为 UNKNOWN
func (o *Order) Status() OrderStatus {
	if len(o.Items) == 0 {
		return OrderStatusUnknown
	}
	switch {
	case o.allItems(ItemStatusConfirmed):
		return OrderStatusConfirmed
	case o.allItems(ItemStatusCancelled):
		return OrderStatusCancelled
	case o.anyItem(ItemStatusProcessing, ItemStatusCancelling):
		return OrderStatusProcessing
	case o.anyItem(ItemStatusProcessingFailed, ItemStatusCancelled):
		return OrderStatusPartiallyConfirmed
	}
	return OrderStatusUnknown
}

func (o *Order) allItems(status ItemStatus) bool {
	for _, item := range o.Items {
		if item.Status != status {
			return false
		}
	}
	return true
}

func (o *Order) anyItem(statuses ...ItemStatus) bool {
	for _, item := range o.Items {
		for _, s := range statuses {
			if item.Status == s {
				return true
			}
		}
	}
	return false
}

// ItemIDs 返回订单中所有订单项的 ID
func (o *Order) ItemIDs() []int64 {
	ids := make([]int64, 0, len(o.Items))
	for _, item := range o.Items {
		ids = append(ids, item.ID)
	}
	return ids
}

// OrderItem 订单项，版本号是乐观并发控制的锚点：
// 只有当行上的 version 等于调用方给出的期望版本时写入才会生效，生效后 version 加一。
type OrderItem struct {
	ID            int64
	OrderID       int64
	ProductID     int64
	Quantity      int64
	PurchasePrice int64 // 以分为单位，创建时从商品上捕获，之后不可变
	Status        ItemStatus
	Reason        Reason
	StockReserved bool // 库存是否已经为该订单项扣减
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OrderLine 是下单请求中的一行。ProductVersion 是下单方看到的商品版本，
// 与当前版本不一致时拒绝下单，避免基于过期的商品数据生成订单项。
type OrderLine struct {
	ProductID      int64
	ProductVersion int64
	Quantity       int64
}

// NewOrder 工厂函数，所有订单项以 PROCESSING / version 0 创建
func NewOrder(userID string, lines []OrderLine, prices map[int64]int64) (*Order, error) {
	if len(lines) == 0 {
		return nil, ErrNoItems
	}
	now := time.Now()
	order := &Order{UserID: userID, CreatedAt: now}
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, errors.New("order line quantity must be positive")
		}
		price, ok := prices[line.ProductID]
		if !ok {
			return nil, ErrProductNotFound
		}
		order.Items = append(order.Items, OrderItem{
			ProductID:     line.ProductID,
			Quantity:      line.Quantity,
			PurchasePrice: price,
			Status:        ItemStatusProcessing,
			Version:       0,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	return order, nil
}

// StatusUpdate 描述一次带版本保护的状态写入
type StatusUpdate struct {
	Status ItemStatus
	Reason Reason
	// MarkReserved 为 true 时同时记录库存已扣减
	MarkReserved bool
}

// Confirm 预占成功
func Confirm() StatusUpdate {
	return StatusUpdate{Status: ItemStatusConfirmed, MarkReserved: true}
}

// CancelForInsufficientStock 库存不足
func CancelForInsufficientStock() StatusUpdate {
	return StatusUpdate{Status: ItemStatusCancelled, Reason: ReasonInsufficientStock}
}

// RequestCancellation 用户发起取消
func RequestCancellation() StatusUpdate {
	return StatusUpdate{Status: ItemStatusCancelling, Reason: ReasonUserCancelled}
}

// CompleteCancellation 取消处理完成
func CompleteCancellation() StatusUpdate {
	return StatusUpdate{Status: ItemStatusCancelled, Reason: ReasonUserCancelled}
}

// MarkProcessingFailed 由预占链路以外的协作方使用
func MarkProcessingFailed() StatusUpdate {
	return StatusUpdate{Status: ItemStatusProcessingFailed}
}

// Apply 在内存中应用一次状态写入，用于构造写后视图
func (i *OrderItem) Apply(update StatusUpdate) {
	i.Status = update.Status
	if update.Reason != ReasonNone {
		i.Reason = update.Reason
	}
	if update.MarkReserved {
		i.StockReserved = true
	}
	i.Version++
	i.UpdatedAt = time.Now()
}
