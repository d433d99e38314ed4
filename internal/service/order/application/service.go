// internal/service/order/application/service.go
package application

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stockflow/internal/pkg/logger"
	"stockflow/internal/service/order/domain"
	"stockflow/internal/service/order/port"
)

// OrderService 负责订单生命周期的编排：落库、发起预占、发起取消。
// 预占结果是异步的，调用方通过 GetOrder 观察订单项状态。
type OrderService struct {
	orders   domain.OrderRepository
	items    domain.OrderItemStore
	products domain.ProductStore
	tx       port.TxManager
	producer *StockUpdateProducer
	tracer   trace.Tracer
}

func NewOrderService(orders domain.OrderRepository, items domain.OrderItemStore, products domain.ProductStore,
	tx port.TxManager, producer *StockUpdateProducer) *OrderService {
	return &OrderService{
		orders:   orders,
		items:    items,
		products: products,
		tx:       tx,
		producer: producer,
		tracer:   otel.Tracer(tracerName),
	}
}

// PlaceOrder 在一个事务内写入订单，提交后为每个订单项发布 RESERVE
func (s *OrderService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (*PlaceOrderResult, error) {
	ctx, span := s.tracer.Start(ctx, "app.PlaceOrder")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", cmd.UserID), attribute.Int("order.lines", len(cmd.Lines)))

	if len(cmd.Lines) == 0 {
		return nil, domain.ErrNoItems
	}

	// 价格在下单时从商品上捕获
	prices := make(map[int64]int64, len(cmd.Lines))
	versions := make(map[int64]int64, len(cmd.Lines))
	for _, line := range cmd.Lines {
		if _, ok := prices[line.ProductID]; ok {
			continue
		}
		product, err := s.products.FindProduct(ctx, line.ProductID)
		if err != nil {
			span.RecordError(err)
			return nil, errors.Wrapf(err, "product %d", line.ProductID)
		}
		prices[line.ProductID] = product.Price
		versions[line.ProductID] = product.Version
	}
	for _, line := range cmd.Lines {
		if current := versions[line.ProductID]; line.ProductVersion != current {
			err := errors.Wrapf(domain.ErrProductVersionMismatch, "product %d: expected %d, found %d",
				line.ProductID, line.ProductVersion, current)
			span.RecordError(err)
			return nil, err
		}
	}

	order, err := domain.NewOrder(cmd.UserID, cmd.Lines, prices)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		return s.orders.Create(ctx, order)
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save order")
		return nil, err
	}
	span.SetAttributes(attribute.Int64("order.id", order.ID))

	report, err := s.producer.Publish(ctx, order.Items, domain.UpdateTypeReserve)
	if err != nil {
		return nil, err
	}
	if !report.AllAppended() {
		// 没有 outbox，订单项会停留在 PROCESSING
		logger.Ctx(ctx).Warn().Int64("order_id", order.ID).Ints64("order_item_ids", report.Failed).
			Msg("order saved but some reservations were not enqueued")
	}

	logger.Ctx(ctx).Info().Int64("order_id", order.ID).Str("user_id", order.UserID).Int("items", len(order.Items)).
		Msg("order placed, reservations enqueued")
	return &PlaceOrderResult{Order: order, Report: report}, nil
}

// CancelOrder 把订单中所有可取消的订单项迁移到 CANCELLING 并发布 CANCEL，不可取消的跳过
func (s *OrderService) CancelOrder(ctx context.Context, orderID int64) (*CancelResult, error) {
	ctx, span := s.tracer.Start(ctx, "app.CancelOrder")
	defer span.End()
	span.SetAttributes(attribute.Int64("order.id", orderID))

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	result, err := s.cancelItems(ctx, order, order.ItemIDs())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// CancelItems 取消订单中的部分订单项。任何一个 ID 不属于该订单时整体拒绝，
// 返回 domain.ErrOrderItemsNotFound，不做任何修改。
func (s *OrderService) CancelItems(ctx context.Context, orderID int64, itemIDs []int64) (*CancelResult, error) {
	ctx, span := s.tracer.Start(ctx, "app.CancelItems")
	defer span.End()
	span.SetAttributes(attribute.Int64("order.id", orderID), attribute.Int64Slice("order_item.ids", itemIDs))

	if len(itemIDs) == 0 {
		return nil, domain.ErrNoItems
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	owned := make(map[int64]bool, len(order.Items))
	for _, item := range order.Items {
		owned[item.ID] = true
	}
	var missing []int64
	for _, id := range itemIDs {
		if !owned[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		err := errors.Wrapf(domain.ErrOrderItemsNotFound, "order %d: %v", orderID, missing)
		span.RecordError(err)
		return nil, err
	}

	result, err := s.cancelItems(ctx, order, itemIDs)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// cancelItems 对 order 中 ID 在 itemIDs 内的订单项发起取消
func (s *OrderService) cancelItems(ctx context.Context, order *domain.Order, itemIDs []int64) (*CancelResult, error) {
	wanted := make(map[int64]bool, len(itemIDs))
	for _, id := range itemIDs {
		wanted[id] = true
	}

	result := &CancelResult{}
	var toPublish []domain.OrderItem
	for _, item := range order.Items {
		if !wanted[item.ID] {
			continue
		}
		cancelled, err := s.requestCancellation(ctx, item)
		if err != nil {
			if errors.Is(err, domain.ErrNotCancellable) || errors.Is(err, domain.ErrConcurrentUpdate) {
				result.Skipped = append(result.Skipped, item.ID)
				continue
			}
			return nil, err
		}
		result.Cancelling = append(result.Cancelling, cancelled.ID)
		toPublish = append(toPublish, *cancelled)
	}

	if len(toPublish) > 0 {
		var err error
		if result.Report, err = s.producer.Publish(ctx, toPublish, domain.UpdateTypeCancel); err != nil {
			return nil, err
		}
	}
	logger.Ctx(ctx).Info().Int64("order_id", order.ID).
		Ints64("cancelling", result.Cancelling).Ints64("skipped", result.Skipped).
		Msg("order cancellation requested")
	return result, nil
}

// CancelItem 取消单个订单项，状态不允许时返回 domain.ErrNotCancellable
func (s *OrderService) CancelItem(ctx context.Context, itemID int64) (*CancelResult, error) {
	ctx, span := s.tracer.Start(ctx, "app.CancelItem")
	defer span.End()
	span.SetAttributes(attribute.Int64("order_item.id", itemID))

	item, err := s.items.FindItem(ctx, itemID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	cancelled, err := s.requestCancellation(ctx, *item)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	report, err := s.producer.Publish(ctx, []domain.OrderItem{*cancelled}, domain.UpdateTypeCancel)
	if err != nil {
		return nil, err
	}
	return &CancelResult{Cancelling: []int64{cancelled.ID}, Report: report}, nil
}

// requestCancellation 以版本保护迁移到 CANCELLING；保护失败时重读一次再试
func (s *OrderService) requestCancellation(ctx context.Context, item domain.OrderItem) (*domain.OrderItem, error) {
	update := domain.RequestCancellation()
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			current, err := s.items.FindItem(ctx, item.ID)
			if err != nil {
				return nil, err
			}
			item = *current
		}
		if !item.Status.Cancellable() {
			return nil, errors.Wrapf(domain.ErrNotCancellable, "order item %d is %s", item.ID, item.Status)
		}
		rows, err := s.items.ConditionalUpdateStatus(ctx, item.ID, item.Version, update)
		if err != nil {
			return nil, err
		}
		if rows > 0 {
			item.Apply(update)
			return &item, nil
		}
	}
	return nil, errors.Wrapf(domain.ErrConcurrentUpdate, "order item %d", item.ID)
}

// MarkFailed 供预占链路以外的协作方把 PROCESSING 的订单项标记为失败
func (s *OrderService) MarkFailed(ctx context.Context, itemID, expectedVersion int64) error {
	item, err := s.items.FindItem(ctx, itemID)
	if err != nil {
		return err
	}
	update := domain.MarkProcessingFailed()
	if !item.Status.CanTransitionTo(update.Status) {
		return errors.Wrapf(domain.ErrInvalidTransition, "order item %d: %s -> %s", itemID, item.Status, update.Status)
	}
	rows, err := s.items.ConditionalUpdateStatus(ctx, itemID, expectedVersion, update)
	if err != nil {
		return err
	}
	if rows == 0 {
		return errors.Wrapf(domain.ErrConcurrentUpdate, "order item %d expected version %d", itemID, expectedVersion)
	}
	logger.Ctx(ctx).Warn().Int64("order_item_id", itemID).Msg("order item marked as processing failed")
	return nil
}

// GetOrder 返回订单、订单项的当前状态以及推导出的订单整体状态
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*OrderView, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &OrderView{Order: order, Status: order.Status()}, nil
}
