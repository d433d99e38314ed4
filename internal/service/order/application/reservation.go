package application

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stockflow/internal/pkg/lock"
	"stockflow/internal/pkg/logger"
	"stockflow/internal/pkg/metrics"
	"stockflow/internal/service/order/domain"
	"stockflow/internal/service/order/port"
)

// Decision 是处理一条库存变更消息的结果
type Decision string

const (
	DecisionConfirmed         Decision = "confirmed"
	DecisionInsufficientStock Decision = "insufficient_stock"
	DecisionCancelled         Decision = "cancelled"
	// DecisionCancelledNoCredit 取消生效，但该订单项从未扣减过库存
	DecisionCancelledNoCredit Decision = "cancelled_no_credit"
	// DecisionStale 版本不匹配，消息已过期，不做任何修改
	DecisionStale Decision = "stale"
)

// ReservationService 在商品锁和数据库事务内执行预占与取消
type ReservationService struct {
	items    domain.OrderItemStore
	products domain.ProductStore
	tx       port.TxManager
	locker   port.ProductLocker
	lockWait time.Duration
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

func NewReservationService(items domain.OrderItemStore, products domain.ProductStore, tx port.TxManager,
	locker port.ProductLocker, lockWait time.Duration, m *metrics.Metrics) *ReservationService {
	return &ReservationService{
		items:    items,
		products: products,
		tx:       tx,
		locker:   locker,
		lockWait: lockWait,
		metrics:  m,
		tracer:   otel.Tracer(tracerName),
	}
}

// Handle 按消息类型分发。加锁失败返回 lock.ErrNotAcquired（可重试），
// 版本不匹配返回 DecisionStale 且不是错误。
func (s *ReservationService) Handle(ctx context.Context, msg domain.StockUpdateMessage) (Decision, error) {
	ctx, span := s.tracer.Start(ctx, "reservation."+string(msg.UpdateType))
	defer span.End()
	span.SetAttributes(
		attribute.Int64("order.id", msg.OrderID),
		attribute.Int64("order_item.id", msg.OrderItemID),
		attribute.Int64("order_item.expected_version", msg.ExpectedOrderItemVersion),
		attribute.Int64("product.id", msg.ProductID),
		attribute.Int64("stock.quantity", msg.Quantity),
	)

	var decide func(context.Context, domain.StockUpdateMessage) (Decision, error)
	switch msg.UpdateType {
	case domain.UpdateTypeReserve:
		decide = s.reserve
	case domain.UpdateTypeCancel:
		decide = s.cancel
	default:
		return "", errors.Wrapf(domain.ErrInvalidMessage, "unknown updateType %q", msg.UpdateType)
	}

	var decision Decision
	started := time.Now()
	err := lock.WithLock(ctx, s.locker, productLockKey(msg.ProductID), s.lockWait, func(ctx context.Context) error {
		s.metrics.LockWait.Observe(time.Since(started).Seconds())
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			var err error
			decision, err = decide(ctx, msg)
			return err
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stock update not applied")
		return "", err
	}

	s.metrics.Decisions.WithLabelValues(string(decision)).Inc()
	span.SetAttributes(attribute.String("stock.decision", string(decision)))
	logger.Ctx(ctx).Info().
		Int64("order_item_id", msg.OrderItemID).
		Int64("product_id", msg.ProductID).
		Str("update_type", string(msg.UpdateType)).
		Str("decision", string(decision)).
		Msg("stock update processed")
	return decision, nil
}

func productLockKey(productID int64) string {
	return strconv.FormatInt(productID, 10)
}

// reserve 库存足够时确认并扣减，否则以库存不足取消；两者都受版本保护
func (s *ReservationService) reserve(ctx context.Context, msg domain.StockUpdateMessage) (Decision, error) {
	level, err := s.products.ReadStockLevel(ctx, msg.ProductID)
	if err != nil {
		return "", err
	}

	if level < msg.Quantity {
		applied, err := s.guardedUpdate(ctx, msg, domain.CancelForInsufficientStock())
		if err != nil || !applied {
			return DecisionStale, err
		}
		return DecisionInsufficientStock, nil
	}

	applied, err := s.guardedUpdate(ctx, msg, domain.Confirm())
	if err != nil || !applied {
		return DecisionStale, err
	}
	if err := s.writeStock(ctx, msg.ProductID, level-msg.Quantity); err != nil {
		return "", err
	}
	return DecisionConfirmed, nil
}

// cancel 完成取消；只有状态迁移生效且订单项确实扣减过库存时才归还库存
func (s *ReservationService) cancel(ctx context.Context, msg domain.StockUpdateMessage) (Decision, error) {
	item, err := s.items.FindItem(ctx, msg.OrderItemID)
	if err != nil {
		return "", err
	}
	if item.Version != msg.ExpectedOrderItemVersion {
		return DecisionStale, nil
	}
	update := domain.CompleteCancellation()
	if !item.Status.CanTransitionTo(update.Status) {
		return "", errors.Wrapf(domain.ErrInvalidTransition, "order item %d: %s -> %s", item.ID, item.Status, update.Status)
	}

	applied, err := s.guardedUpdate(ctx, msg, update)
	if err != nil || !applied {
		return DecisionStale, err
	}
	if !item.StockReserved {
		return DecisionCancelledNoCredit, nil
	}

	level, err := s.products.ReadStockLevel(ctx, msg.ProductID)
	if err != nil {
		return "", err
	}
	if err := s.writeStock(ctx, msg.ProductID, level+msg.Quantity); err != nil {
		return "", err
	}
	return DecisionCancelled, nil
}

// guardedUpdate 返回写入是否生效。未生效时区分“订单项不存在”和“版本已变化”。
func (s *ReservationService) guardedUpdate(ctx context.Context, msg domain.StockUpdateMessage, update domain.StatusUpdate) (bool, error) {
	rows, err := s.items.ConditionalUpdateStatus(ctx, msg.OrderItemID, msg.ExpectedOrderItemVersion, update)
	if err != nil {
		return false, err
	}
	if rows > 0 {
		return true, nil
	}
	current, err := s.items.FindItemVersion(ctx, msg.OrderItemID)
	if err != nil {
		return false, err
	}
	logger.Ctx(ctx).Debug().
		Int64("order_item_id", msg.OrderItemID).
		Int64("expected_version", msg.ExpectedOrderItemVersion).
		Int64("current_version", current).
		Msg("version guard not applied, message is stale")
	return false, nil
}

func (s *ReservationService) writeStock(ctx context.Context, productID, newLevel int64) error {
	if newLevel < 0 {
		return errors.Errorf("refusing to write negative stock %d for product %d", newLevel, productID)
	}
	rows, err := s.products.WriteStockLevel(ctx, productID, newLevel)
	if err != nil {
		return err
	}
	if rows == 0 {
		// 商品行在同一事务内已被 FOR UPDATE 锁定，写不到只可能是行不存在
		return errors.Wrapf(domain.ErrProductNotFound, "product %d", productID)
	}
	return nil
}
