// cmd/order-simulator/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"stockflow/internal/pkg/bootstrap"
	"stockflow/internal/pkg/db"
	"stockflow/internal/pkg/metrics"
	"stockflow/internal/pkg/redis"
	"stockflow/internal/pkg/stream"
	"stockflow/internal/pkg/tracing"
	"stockflow/internal/service/order/application"
	"stockflow/internal/service/order/domain"
	"stockflow/internal/service/order/infrastructure"
	"stockflow/internal/service/order/infrastructure/adapter"
)

const serviceName = "order-simulator"

var (
	numOrders   = flag.Int("orders", 20, "number of orders to place")
	numProducts = flag.Int("products", 3, "number of products to seed")
	initStock   = flag.Int64("stock", 10, "initial stock level of every seeded product")
	cancelRatio = flag.Float64("cancel-ratio", 0.2, "fraction of orders cancelled right after placement")
	settle      = flag.Duration("settle", 10*time.Second, "how long to wait for the processor before printing results")
)

// 模拟上游下单方：写入商品，随机下单和取消，最后打印每个订单项的最终状态
func main() {
	flag.Parse()

	cfg, err := bootstrap.Init(serviceName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.InitTracerProvider(serviceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}
	defer tp.Shutdown(context.Background())

	gdb, err := db.Open(db.Options{DSN: cfg.Infra.MySQL.DSN})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect mysql")
	}
	defer db.Close(gdb)
	if err := gdb.AutoMigrate(infrastructure.AllModels()...); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate schema")
	}

	redisClient, err := redis.NewClient(ctx, cfg.Infra.Redis.Addrs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize redis client")
	}
	defer redisClient.Close()

	orders := infrastructure.NewGormOrderRepository(gdb)
	products := infrastructure.NewGormProductRepository(gdb)
	publisher := adapter.NewStreamRedisAdapter(stream.New(redisClient.GetClient(), cfg.Stream.Key, cfg.Stream.Group))
	producer := application.NewStockUpdateProducer(publisher, metrics.New("stockflow_simulator"))
	svc := application.NewOrderService(orders, orders, products, infrastructure.NewGormTxManager(gdb), producer)

	productIDs := make([]int64, 0, *numProducts)
	productVersions := make(map[int64]int64, *numProducts)
	for i := 0; i < *numProducts; i++ {
		p := &domain.Product{Name: fmt.Sprintf("simulated-product-%d", i+1), Price: int64(100 * (i + 1)), StockLevel: *initStock}
		if err := products.Save(ctx, p); err != nil {
			log.Fatal().Err(err).Msg("failed to seed product")
		}
		productIDs = append(productIDs, p.ID)
		productVersions[p.ID] = p.Version
	}
	log.Info().Ints64("product_ids", productIDs).Int64("stock", *initStock).Msg("✅ Products seeded")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var placed []int64
	for i := 0; i < *numOrders && ctx.Err() == nil; i++ {
		lines := make([]domain.OrderLine, 0, 2)
		for j := 0; j < 1+rng.Intn(2); j++ {
			productID := productIDs[rng.Intn(len(productIDs))]
			lines = append(lines, domain.OrderLine{
				ProductID:      productID,
				ProductVersion: productVersions[productID],
				Quantity:       int64(1 + rng.Intn(4)),
			})
		}
		res, err := svc.PlaceOrder(ctx, application.PlaceOrderCommand{UserID: fmt.Sprintf("user-%d", rng.Intn(5)), Lines: lines})
		if err != nil {
			log.Error().Err(err).Msg("failed to place order")
			continue
		}
		placed = append(placed, res.Order.ID)

		if rng.Float64() < *cancelRatio {
			// 多行订单一半概率只取消第一行
			if len(res.Order.Items) > 1 && rng.Intn(2) == 0 {
				_, err = svc.CancelItems(ctx, res.Order.ID, []int64{res.Order.Items[0].ID})
			} else {
				_, err = svc.CancelOrder(ctx, res.Order.ID)
			}
			if err != nil {
				log.Error().Err(err).Int64("order_id", res.Order.ID).Msg("failed to cancel order")
			}
		}
	}

	log.Info().Int("orders", len(placed)).Dur("settle", *settle).Msg("waiting for the stock processor")
	select {
	case <-ctx.Done():
		return
	case <-time.After(*settle):
	}

	for _, id := range placed {
		view, err := svc.GetOrder(ctx, id)
		if err != nil {
			log.Error().Err(err).Int64("order_id", id).Msg("failed to read order")
			continue
		}
		order := view.Order
		log.Info().Int64("order_id", order.ID).Str("status", string(view.Status)).Msg("order")
		for _, item := range order.Items {
			log.Info().
				Int64("order_id", order.ID).
				Int64("order_item_id", item.ID).
				Int64("product_id", item.ProductID).
				Int64("quantity", item.Quantity).
				Str("status", string(item.Status)).
				Str("reason", string(item.Reason)).
				Msg("order item")
		}
	}
	for _, id := range productIDs {
		p, err := products.FindProduct(ctx, id)
		if err == nil {
			log.Info().Int64("product_id", p.ID).Int64("stock", p.StockLevel).Msg("final stock level")
		}
	}
}
