package domain

// Product 商品是被许多订单共享的可变资源，库存只能在持有商品锁时修改
type Product struct {
	ID         int64
	Name       string
	Price      int64
	StockLevel int64
	Version    int64
}
