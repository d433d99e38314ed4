package domain

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// UpdateType 库存变更请求的类型
type UpdateType string

const (
	UpdateTypeReserve UpdateType = "RESERVE"
	UpdateTypeCancel  UpdateType = "CANCEL"
)

// Valid 只接受两种已定义的类型
func (t UpdateType) Valid() bool {
	return t == UpdateTypeReserve || t == UpdateTypeCancel
}

// StockUpdateMessage 是写入流的库存变更请求，发布后不可变。
// ExpectedOrderItemVersion 是入队时订单项的版本，用于乐观并发保护。
type StockUpdateMessage struct {
	OrderID                  int64      `json:"orderId"`
	OrderItemID              int64      `json:"orderItemId"`
	ExpectedOrderItemVersion int64      `json:"expectedOrderItemVersion"`
	UpdateType               UpdateType `json:"updateType"`
	ProductID                int64      `json:"productId"`
	Quantity                 int64      `json:"quantity"`
}

// NewStockUpdateMessage 根据订单项当前的版本、数量和商品构造消息
func NewStockUpdateMessage(item OrderItem, updateType UpdateType) StockUpdateMessage {
	return StockUpdateMessage{
		OrderID:                  item.OrderID,
		OrderItemID:              item.ID,
		ExpectedOrderItemVersion: item.Version,
		UpdateType:               updateType,
		ProductID:                item.ProductID,
		Quantity:                 item.Quantity,
	}
}

// Validate 做最小字段校验，防止消费者处理脏消息
func (m StockUpdateMessage) Validate() error {
	switch {
	case m.OrderID <= 0:
		return errors.Wrap(ErrInvalidMessage, "orderId is required")
	case m.OrderItemID <= 0:
		return errors.Wrap(ErrInvalidMessage, "orderItemId is required")
	case m.ProductID <= 0:
		return errors.Wrap(ErrInvalidMessage, "productId is required")
	case m.ExpectedOrderItemVersion < 0:
		return errors.Wrap(ErrInvalidMessage, "expectedOrderItemVersion must not be negative")
	case m.Quantity <= 0:
		return errors.Wrap(ErrInvalidMessage, "quantity must be > 0")
	case !m.UpdateType.Valid():
		return errors.Wrapf(ErrInvalidMessage, "unknown updateType %q", m.UpdateType)
	}
	return nil
}

// Marshal 序列化为流条目 message 字段的内容
func (m StockUpdateMessage) Marshal() (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "marshal stock update message")
	}
	return string(data), nil
}

// wireMessage 用指针字段区分“缺失”和“零值”，所有字段都必须出现
type wireMessage struct {
	OrderID                  *int64      `json:"orderId"`
	OrderItemID              *int64      `json:"orderItemId"`
	ExpectedOrderItemVersion *int64      `json:"expectedOrderItemVersion"`
	UpdateType               *UpdateType `json:"updateType"`
	ProductID                *int64      `json:"productId"`
	Quantity                 *int64      `json:"quantity"`
}

// ParseStockUpdateMessage 反序列化并校验，任何失败都归类为 ErrInvalidMessage（毒消息）
func ParseStockUpdateMessage(raw string) (StockUpdateMessage, error) {
	var w wireMessage
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return StockUpdateMessage{}, errors.Wrap(ErrInvalidMessage, err.Error())
	}
	missing := ""
	switch {
	case w.OrderID == nil:
		missing = "orderId"
	case w.OrderItemID == nil:
		missing = "orderItemId"
	case w.ExpectedOrderItemVersion == nil:
		missing = "expectedOrderItemVersion"
	case w.UpdateType == nil:
		missing = "updateType"
	case w.ProductID == nil:
		missing = "productId"
	case w.Quantity == nil:
		missing = "quantity"
	}
	if missing != "" {
		return StockUpdateMessage{}, errors.Wrap(ErrInvalidMessage, fmt.Sprintf("field %s is missing", missing))
	}
	m := StockUpdateMessage{
		OrderID:                  *w.OrderID,
		OrderItemID:              *w.OrderItemID,
		ExpectedOrderItemVersion: *w.ExpectedOrderItemVersion,
		UpdateType:               *w.UpdateType,
		ProductID:                *w.ProductID,
		Quantity:                 *w.Quantity,
	}
	if err := m.Validate(); err != nil {
		return StockUpdateMessage{}, err
	}
	return m, nil
}
