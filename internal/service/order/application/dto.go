// internal/service/order/application/dto.go
package application

import "stockflow/internal/service/order/domain"

// PlaceOrderCommand 是下单用例的输入数据
type PlaceOrderCommand struct {
	UserID string
	Lines  []domain.OrderLine
}

// PlaceOrderResult 是下单用例的输出数据；订单项此时仍是 PROCESSING，
// 预占结果需要通过 GetOrder 轮询获得
type PlaceOrderResult struct {
	Order  *domain.Order
	Report PublishReport
}

// OrderView 是轮询方读到的订单视图
type OrderView struct {
	Order  *domain.Order
	Status domain.OrderStatus
}

// CancelResult 记录一次取消请求中实际进入 CANCELLING 的订单项和被跳过的订单项
type CancelResult struct {
	Cancelling []int64
	Skipped    []int64
	Report     PublishReport
}

// PublishReport 是生产者逐条追加的结果，失败不会中断其他订单项
type PublishReport struct {
	Appended []int64
	EntryIDs []string
	Failed   []int64
}

// AllAppended 判断是否全部追加成功
func (r PublishReport) AllAppended() bool {
	return len(r.Failed) == 0
}
