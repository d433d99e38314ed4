package domain

import "errors"

var (
	ErrInvalidMessage    = errors.New("invalid stock update message")
	ErrProductNotFound   = errors.New("product not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderItemNotFound = errors.New("order item not found")
	ErrNoItems           = errors.New("no order items given")
	ErrNotCancellable    = errors.New("order item is not cancellable in its current status")
	ErrInvalidTransition = errors.New("order item status transition not allowed")

	// ErrProductVersionMismatch 下单方看到的商品版本已经过期
	ErrProductVersionMismatch = errors.New("product version mismatch")
	// ErrOrderItemsNotFound 请求的订单项不属于该订单
	ErrOrderItemsNotFound = errors.New("order items not found in order")
)

// ErrConcurrentUpdate 订单项在重读之后仍被并发修改
var ErrConcurrentUpdate = errors.New("order item modified concurrently")
