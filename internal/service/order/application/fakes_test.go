package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stockflow/internal/pkg/lock"
	"stockflow/internal/service/order/domain"
)

// memStore 是订单、订单项、商品的内存实现，WithinTx 在出错时回滚快照
type memStore struct {
	mu          sync.Mutex
	nextOrderID int64
	nextItemID  int64
	orders      map[int64]domain.Order
	items       map[int64]domain.OrderItem
	products    map[int64]domain.Product

	// rejectStockWrite 让 WriteStockLevel 返回 0 行，模拟商品行已被删除
	rejectStockWrite bool
	// beforeUpdate 在条件更新前调用一次，用于模拟并发写入
	beforeUpdate func(s *memStore, id int64)
	// stockReadDelay 拉长读库存与写库存之间的窗口，没有商品锁时并发写入必然互相覆盖
	stockReadDelay time.Duration
}

func newMemStore() *memStore {
	return &memStore{
		orders:   map[int64]domain.Order{},
		items:    map[int64]domain.OrderItem{},
		products: map[int64]domain.Product{},
	}
}

func (s *memStore) addProduct(id, stock, price int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[id] = domain.Product{ID: id, Name: fmt.Sprintf("product-%d", id), Price: price, StockLevel: stock}
}

func (s *memStore) bumpProductVersion(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.products[id]
	p.Version++
	s.products[id] = p
}

func (s *memStore) addItem(item domain.OrderItem) domain.OrderItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextItemID++
	if item.ID == 0 {
		item.ID = s.nextItemID
	}
	if item.OrderID == 0 {
		item.OrderID = 1
	}
	if item.Status == "" {
		item.Status = domain.ItemStatusProcessing
	}
	s.items[item.ID] = item
	return item
}

func (s *memStore) item(id int64) domain.OrderItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[id]
}

func (s *memStore) stock(id int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products[id].StockLevel
}

func (s *memStore) Create(_ context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextOrderID++
	order.ID = s.nextOrderID
	for i := range order.Items {
		s.nextItemID++
		order.Items[i].ID = s.nextItemID
		order.Items[i].OrderID = order.ID
		s.items[order.Items[i].ID] = order.Items[i]
	}
	s.orders[order.ID] = domain.Order{ID: order.ID, UserID: order.UserID, CreatedAt: order.CreatedAt}
	return nil
}

func (s *memStore) FindByID(_ context.Context, id int64) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	for itemID := int64(1); itemID <= s.nextItemID; itemID++ {
		if item, ok := s.items[itemID]; ok && item.OrderID == id {
			order.Items = append(order.Items, item)
		}
	}
	return &order, nil
}

func (s *memStore) FindItem(_ context.Context, id int64) (*domain.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, domain.ErrOrderItemNotFound
	}
	return &item, nil
}

func (s *memStore) FindItemVersion(ctx context.Context, id int64) (int64, error) {
	item, err := s.FindItem(ctx, id)
	if err != nil {
		return 0, err
	}
	return item.Version, nil
}

func (s *memStore) ConditionalUpdateStatus(_ context.Context, id, expectedVersion int64, update domain.StatusUpdate) (int64, error) {
	s.mu.Lock()
	hook := s.beforeUpdate
	s.beforeUpdate = nil
	s.mu.Unlock()
	if hook != nil {
		hook(s, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok || item.Version != expectedVersion {
		return 0, nil
	}
	item.Apply(update)
	s.items[id] = item
	return 1, nil
}

func (s *memStore) FindProduct(_ context.Context, id int64) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	return &p, nil
}

func (s *memStore) ReadStockLevel(ctx context.Context, productID int64) (int64, error) {
	p, err := s.FindProduct(ctx, productID)
	if err != nil {
		return 0, err
	}
	if s.stockReadDelay > 0 {
		time.Sleep(s.stockReadDelay)
	}
	return p.StockLevel, nil
}

func (s *memStore) WriteStockLevel(_ context.Context, productID, newLevel int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok || s.rejectStockWrite {
		return 0, nil
	}
	if newLevel < 0 {
		return 0, fmt.Errorf("negative stock %d", newLevel)
	}
	p.StockLevel = newLevel
	s.products[productID] = p
	return 1, nil
}

func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	items := make(map[int64]domain.OrderItem, len(s.items))
	for k, v := range s.items {
		items[k] = v
	}
	products := make(map[int64]domain.Product, len(s.products))
	for k, v := range s.products {
		products[k] = v
	}
	s.mu.Unlock()

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.items, s.products = items, products
		s.mu.Unlock()
		return err
	}
	return nil
}

// memLocker 是单进程的可重入锁，持有者取自 ctx
type memLocker struct {
	mu       sync.Mutex
	held     map[string]*memHold
	deny     bool
	err      error
	unlocked int
}

type memHold struct {
	owner string
	count int
}

func newMemLocker() *memLocker {
	return &memLocker{held: map[string]*memHold{}}
}

func (l *memLocker) TryLock(ctx context.Context, key string, wait time.Duration) (bool, error) {
	owner := lock.OwnerFrom(ctx)
	deadline := time.Now().Add(wait)
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		l.mu.Lock()
		if l.err != nil {
			err := l.err
			l.mu.Unlock()
			return false, err
		}
		if l.deny {
			l.mu.Unlock()
			return false, nil
		}
		h := l.held[key]
		if h == nil || h.owner == owner {
			if h == nil {
				h = &memHold{owner: owner}
				l.held[key] = h
			}
			h.count++
			l.mu.Unlock()
			return true, nil
		}
		l.mu.Unlock()
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (l *memLocker) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.held[key]
	if h == nil || h.owner != lock.OwnerFrom(ctx) {
		return lock.ErrNotHeld
	}
	h.count--
	if h.count == 0 {
		delete(l.held, key)
	}
	l.unlocked++
	return nil
}

func (l *memLocker) Held(ctx context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.held[key]
	return h != nil && h.owner == lock.OwnerFrom(ctx)
}

func (l *memLocker) heldKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// memPublisher 记录追加的字段，failAt 中的调用序号（从 1 开始）返回错误
type memPublisher struct {
	mu      sync.Mutex
	calls   int
	failAt  map[int]error
	entries []map[string]string
}

func (p *memPublisher) Append(_ context.Context, fields map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if err, ok := p.failAt[p.calls]; ok {
		return "", err
	}
	p.entries = append(p.entries, fields)
	return fmt.Sprintf("%d-0", p.calls), nil
}

func (p *memPublisher) messages() []domain.StockUpdateMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.StockUpdateMessage, 0, len(p.entries))
	for _, e := range p.entries {
		msg, err := domain.ParseStockUpdateMessage(e[FieldMessage])
		if err != nil {
			panic(err)
		}
		out = append(out, msg)
	}
	return out
}
