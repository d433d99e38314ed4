package infrastructure

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stockflow/internal/service/order/domain"
)

// GormProductRepository 是 domain.ProductStore 的 GORM 实现
type GormProductRepository struct {
	db *gorm.DB
}

// NewGormProductRepository 创建一个新的 GORM 仓储实例
func NewGormProductRepository(db *gorm.DB) *GormProductRepository {
	return &GormProductRepository{db: db}
}

// FindProduct 读取商品，下单时用来捕获价格
func (r *GormProductRepository) FindProduct(ctx context.Context, id int64) (*domain.Product, error) {
	var model ProductModel
	if err := conn(ctx, r.db).Where("id = ?", id).Take(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrProductNotFound
		}
		return nil, errors.Wrapf(err, "find product %d", id)
	}
	return ToDomainProduct(&model), nil
}

// ReadStockLevel 在事务内以 FOR UPDATE 读取库存
func (r *GormProductRepository) ReadStockLevel(ctx context.Context, productID int64) (int64, error) {
	var model ProductModel
	err := conn(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id", "stock_level").
		Where("id = ?", productID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, domain.ErrProductNotFound
		}
		return 0, errors.Wrapf(err, "read stock of product %d", productID)
	}
	return model.StockLevel, nil
}

// WriteStockLevel 写入新的库存值，返回受影响行数。
// 库存变化不改变商品版本，版本只跟随商品资料（名称、价格）变化。
func (r *GormProductRepository) WriteStockLevel(ctx context.Context, productID, newLevel int64) (int64, error) {
	res := conn(ctx, r.db).Model(&ProductModel{}).
		Where("id = ?", productID).
		Update("stock_level", newLevel)
	if res.Error != nil {
		return 0, errors.Wrapf(res.Error, "write stock of product %d", productID)
	}
	return res.RowsAffected, nil
}

// Save 新建或覆盖商品，供初始化数据使用
func (r *GormProductRepository) Save(ctx context.Context, product *domain.Product) error {
	model := ProductModel{
		ID:         product.ID,
		Name:       product.Name,
		Price:      product.Price,
		StockLevel: product.StockLevel,
		Version:    product.Version,
	}
	if err := conn(ctx, r.db).Save(&model).Error; err != nil {
		return errors.Wrapf(err, "save product %d", product.ID)
	}
	product.ID = model.ID
	return nil
}
