package infrastructure

import "stockflow/internal/service/order/domain"

// ToDomainOrderItem 将数据库模型转换为领域模型
func ToDomainOrderItem(model *OrderItemModel) *domain.OrderItem {
	if model == nil {
		return nil
	}
	return &domain.OrderItem{
		ID:            model.ID,
		OrderID:       model.OrderID,
		ProductID:     model.ProductID,
		Quantity:      model.Quantity,
		PurchasePrice: model.PurchasePrice,
		Status:        model.Status,
		Reason:        model.Reason,
		StockReserved: model.StockReserved,
		Version:       model.Version,
		CreatedAt:     model.CreatedAt,
		UpdatedAt:     model.UpdatedAt,
	}
}

// FromDomainOrderItem 将领域模型转换为数据库模型
func FromDomainOrderItem(item *domain.OrderItem) OrderItemModel {
	return OrderItemModel{
		ID:            item.ID,
		OrderID:       item.OrderID,
		ProductID:     item.ProductID,
		Quantity:      item.Quantity,
		PurchasePrice: item.PurchasePrice,
		Status:        item.Status,
		Reason:        item.Reason,
		StockReserved: item.StockReserved,
		Version:       item.Version,
		CreatedAt:     item.CreatedAt,
		UpdatedAt:     item.UpdatedAt,
	}
}

// ToDomainOrder 组装订单聚合
func ToDomainOrder(model *OrderModel, items []OrderItemModel) *domain.Order {
	if model == nil {
		return nil
	}
	order := &domain.Order{ID: model.ID, UserID: model.UserID, CreatedAt: model.CreatedAt}
	for i := range items {
		order.Items = append(order.Items, *ToDomainOrderItem(&items[i]))
	}
	return order
}

// ToDomainProduct 将数据库模型转换为领域模型
func ToDomainProduct(model *ProductModel) *domain.Product {
	if model == nil {
		return nil
	}
	return &domain.Product{
		ID:         model.ID,
		Name:       model.Name,
		Price:      model.Price,
		StockLevel: model.StockLevel,
		Version:    model.Version,
	}
}
