package application

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"stockflow/internal/pkg/metrics"
	"stockflow/internal/service/order/domain"
)

func TestPublishRejectsEmptyInput(t *testing.T) {
	pub := &memPublisher{}
	p := NewStockUpdateProducer(pub, metrics.New("test"))

	_, err := p.Publish(context.Background(), nil, domain.UpdateTypeReserve)
	assert.ErrorIs(t, err, domain.ErrNoItems)
	assert.Zero(t, pub.calls)
}

func TestPublishOneMessagePerItem(t *testing.T) {
	pub := &memPublisher{}
	p := NewStockUpdateProducer(pub, metrics.New("test"))
	items := []domain.OrderItem{
		{ID: 11, OrderID: 1, ProductID: 100, Quantity: 2, Version: 0},
		{ID: 12, OrderID: 1, ProductID: 200, Quantity: 1, Version: 3},
	}

	report, err := p.Publish(context.Background(), items, domain.UpdateTypeReserve)
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 12}, report.Appended)
	assert.Len(t, report.EntryIDs, 2)
	assert.True(t, report.AllAppended())

	msgs := pub.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.StockUpdateMessage{
		OrderID: 1, OrderItemID: 12, ExpectedOrderItemVersion: 3,
		UpdateType: domain.UpdateTypeReserve, ProductID: 200, Quantity: 1,
	}, msgs[1])
}

func TestPublishFailureDoesNotAbortSiblings(t *testing.T) {
	pub := &memPublisher{failAt: map[int]error{1: errors.New("redis down")}}
	p := NewStockUpdateProducer(pub, metrics.New("test"))
	items := []domain.OrderItem{
		{ID: 11, OrderID: 1, ProductID: 100, Quantity: 2},
		{ID: 12, OrderID: 1, ProductID: 200, Quantity: 1},
		// 数量非法，序列化前的校验失败
		{ID: 13, OrderID: 1, ProductID: 300, Quantity: 0},
	}

	report, err := p.Publish(context.Background(), items, domain.UpdateTypeCancel)
	require.NoError(t, err)
	assert.Equal(t, []int64{12}, report.Appended)
	assert.Equal(t, []int64{11, 13}, report.Failed)
	assert.False(t, report.AllAppended())
	require.Len(t, pub.messages(), 1)
	assert.Equal(t, domain.UpdateTypeCancel, pub.messages()[0].UpdateType)
}

func TestPublishCarriesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "place-order")
	defer span.End()

	pub := &memPublisher{}
	p := NewStockUpdateProducer(pub, metrics.New("test"))
	_, err := p.Publish(ctx, []domain.OrderItem{{ID: 1, OrderID: 1, ProductID: 1, Quantity: 1}}, domain.UpdateTypeReserve)
	require.NoError(t, err)

	require.Len(t, pub.entries, 1)
	assert.Contains(t, pub.entries[0]["traceparent"], span.SpanContext().TraceID().String())
	assert.NotEmpty(t, pub.entries[0][FieldMessage])
}
