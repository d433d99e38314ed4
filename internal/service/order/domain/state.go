package domain

// ItemStatus 定义了订单项的生命周期状态
type ItemStatus string

const (
	ItemStatusProcessing       ItemStatus = "PROCESSING"        // 已下单，等待库存预占结果
	ItemStatusConfirmed        ItemStatus = "CONFIRMED"         // 库存预占成功
	ItemStatusProcessingFailed ItemStatus = "PROCESSING_FAILED" // 其他协作方判定处理失败，预占链路不会进入该状态
	ItemStatusCancelling       ItemStatus = "CANCELLING"        // 用户已发起取消，等待库存归还
	ItemStatusCancelled        ItemStatus = "CANCELLED"         // 已取消
)

// Reason 记录失败或取消的原因，只在对应路径上设置
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonInsufficientStock Reason = "INSUFFICIENT_STOCK"
	ReasonUserCancelled     Reason = "USER_CANCELLED"
)

// transitions 是订单项状态机的完整转移表
var transitions = map[ItemStatus][]ItemStatus{
	ItemStatusProcessing: {ItemStatusConfirmed, ItemStatusCancelled, ItemStatusCancelling, ItemStatusProcessingFailed},
	ItemStatusConfirmed:  {ItemStatusCancelling},
	ItemStatusCancelling: {ItemStatusCancelled},
}

// Valid 判断是否为已声明的状态
func (s ItemStatus) Valid() bool {
	switch s {
	case ItemStatusProcessing, ItemStatusConfirmed, ItemStatusProcessingFailed, ItemStatusCancelling, ItemStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo 判断状态机是否允许从 s 迁移到 next
func (s ItemStatus) CanTransitionTo(next ItemStatus) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Cancellable 只有处理中和已确认的订单项可以被用户取消
func (s ItemStatus) Cancellable() bool {
	return s.CanTransitionTo(ItemStatusCancelling)
}

// Terminal 对于预占链路而言，CONFIRMED 与 CANCELLED 是终态
func (s ItemStatus) Terminal() bool {
	return s == ItemStatusConfirmed || s == ItemStatusCancelled || s == ItemStatusProcessingFailed
}
