package units

import (
	"context"
	"sync"
	"time"

	"orrery/internal/kernel"
	"orrery/internal/logger"
	"orrery/internal/model"

	"golang.org/x/sync/singleflight"
)

// ProductUnit 持有品种元数据，是所有单元共享的只读目录。
type ProductUnit struct {
	kernel.Base

	mu       sync.RWMutex
	products map[string]model.Product
}

func NewProductUnit() *ProductUnit {
	return &ProductUnit{
		Base:     kernel.NewBase("product"),
		products: make(map[string]model.Product),
	}
}

// Set 写入品种元数据。重复写入以最后一次为准（品种语义上不可变，
// 重复通常来自同一数据源的幂等加载）。
func (u *ProductUnit) Set(p model.Product) {
	u.mu.Lock()
	u.products[p.ProductID] = p
	u.mu.Unlock()
}

func (u *ProductUnit) Get(productID string) (model.Product, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	p, ok := u.products[productID]
	return p, ok
}

// ProductSource 是外部行情源的品种查询接口。
type ProductSource interface {
	FetchProduct(ctx context.Context, productID string) (model.Product, error)
}

// ProductLoadingUnit 按需从外部数据源加载品种元数据。
// 同一 product_id 的并发加载会合并为一次在途请求。
type ProductLoadingUnit struct {
	kernel.Base

	k        *kernel.Kernel
	products *ProductUnit
	source   ProductSource
	retry    time.Duration

	sf singleflight.Group

	mu    sync.Mutex
	tasks map[string]*productTask
}

type productTask struct {
	done chan struct{}
	err  error
}

func NewProductLoadingUnit(k *kernel.Kernel, products *ProductUnit, source ProductSource) *ProductLoadingUnit {
	return &ProductLoadingUnit{
		Base:     kernel.NewBase("product-loading"),
		k:        k,
		products: products,
		source:   source,
		retry:    5 * time.Second,
		tasks:    make(map[string]*productTask),
	}
}

// LoadProduct 同步加载一个品种（HTTP/预热路径使用）。同一 id 的并发
// 调用通过 singleflight 合并。加载成功后品种进入目录。
func (u *ProductLoadingUnit) LoadProduct(ctx context.Context, productID string) (model.Product, error) {
	if p, ok := u.products.Get(productID); ok {
		return p, nil
	}
	v, err, _ := u.sf.Do(productID, func() (any, error) {
		p, err := u.source.FetchProduct(ctx, productID)
		if err != nil {
			return nil, err
		}
		if p.ProductID == "" {
			return nil, ErrProductNotFound
		}
		return p, nil
	})
	if err != nil {
		return model.Product{}, err
	}
	p := v.(model.Product)
	u.products.Set(p)
	return p, nil
}

// Ensure 在内核线程上发起一次异步加载并返回完成通知。若品种已在目录
// 中则返回已关闭的通道。失败按固定间隔无限重试，直到 ctx 取消。
func (u *ProductLoadingUnit) Ensure(ctx context.Context, productID string) <-chan struct{} {
	u.mu.Lock()
	if t, ok := u.tasks[productID]; ok {
		u.mu.Unlock()
		return t.done
	}
	t := &productTask{done: make(chan struct{})}
	u.tasks[productID] = t
	u.mu.Unlock()

	if _, ok := u.products.Get(productID); ok {
		close(t.done)
		return t.done
	}

	u.k.Acquire()
	go func() {
		defer u.k.Release()
		for {
			p, err := u.LoadProduct(ctx, productID)
			if err == nil {
				u.k.Post(func() {
					logger.Debugf("[product-loading] loaded %s", productID)
					_ = p // already in the catalog via LoadProduct
					close(t.done)
				})
				return
			}
			if ctx.Err() != nil {
				// 内核此时可能已随 ctx 停机，直接关闭
				t.err = ctx.Err()
				close(t.done)
				return
			}
			logger.Warnf("[product-loading] fetch %s failed: %v, retrying in %s", productID, err, u.retry)
			select {
			case <-ctx.Done():
				t.err = ctx.Err()
				close(t.done)
				return
			case <-time.After(u.retry):
			}
		}
	}()
	return t.done
}

// Err 返回任务的终态错误（仅在 ctx 取消时非空）。
func (u *ProductLoadingUnit) Err(productID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if t, ok := u.tasks[productID]; ok {
		return t.err
	}
	return nil
}
