package infrastructure

import (
	"time"

	"stockflow/internal/service/order/domain"
)

// OrderModel 对应数据库中的 orders 表
type OrderModel struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	UserID    string `gorm:"size:64;index"`
	CreatedAt time.Time
}

// TableName 指定 GORM 应该使用的表名
func (OrderModel) TableName() string {
	return "orders"
}

// OrderItemModel 对应数据库中的 order_items 表
type OrderItemModel struct {
	ID            int64             `gorm:"primaryKey;autoIncrement"`
	OrderID       int64             `gorm:"index;not null"`
	ProductID     int64             `gorm:"index;not null"`
	Quantity      int64             `gorm:"not null"`
	PurchasePrice int64             `gorm:"not null"`
	Status        domain.ItemStatus `gorm:"type:varchar(32);not null"`
	Reason        domain.Reason     `gorm:"type:varchar(32);not null;default:''"`
	StockReserved bool              `gorm:"not null;default:false"`
	Version       int64             `gorm:"not null;default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName 指定 GORM 应该使用的表名
func (OrderItemModel) TableName() string {
	return "order_items"
}

// ProductModel 对应数据库中的 products 表
type ProductModel struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	Name       string `gorm:"size:128"`
	Price      int64  `gorm:"not null"`
	StockLevel int64  `gorm:"not null"`
	Version    int64  `gorm:"not null;default:0"`
	UpdatedAt  time.Time
}

// TableName 指定 GORM 应该使用的表名
func (ProductModel) TableName() string {
	return "products"
}

// AllModels 用于 AutoMigrate
func AllModels() []interface{} {
	return []interface{}{&OrderModel{}, &OrderItemModel{}, &ProductModel{}}
}
