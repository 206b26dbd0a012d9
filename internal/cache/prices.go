package cache

import (
	"context"
	"log"
	"sync"
	"time"

	"propfirm-engine/internal/market"
)

const priceKeyPrefix = "price:"
const priceTTL = 30 * time.Second

// PricePublisher mirrors accepted ticks into Redis hashes
// (price:<symbol>) so dashboards and sibling services can read the
// derived book without a feed of their own. Publishing is buffered and
// never blocks the tick path.
type PricePublisher struct {
	cache *CacheService
	ticks chan market.PriceTick

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// NewPricePublisher wires a publisher over the shared cache service.
func NewPricePublisher(cache *CacheService) *PricePublisher {
	return &PricePublisher{
		cache:    cache,
		ticks:    make(chan market.PriceTick, 512),
		stopChan: make(chan struct{}),
	}
}

// OnPriceTick queues a tick for publication. Drops under backpressure;
// a newer tick always follows.
func (p *PricePublisher) OnPriceTick(tick market.PriceTick) {
	select {
	case p.ticks <- tick:
	default:
	}
}

// Start launches the publish loop.
func (p *PricePublisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.wg.Add(1)
	go p.run()
	log.Printf("[CACHE] price publisher started")
}

// Stop halts the publish loop.
func (p *PricePublisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.started = false
	close(p.stopChan)
	p.wg.Wait()
	log.Printf("[CACHE] price publisher stopped")
}

func (p *PricePublisher) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case tick := <-p.ticks:
			p.publish(tick)
		}
	}
}

func (p *PricePublisher) publish(tick market.PriceTick) {
	key := priceKeyPrefix + tick.Symbol
	p.cache.do(func(ctx context.Context) error {
		pipe := p.cache.client.Pipeline()
		pipe.HSet(ctx, key, map[string]any{
			"bid":       tick.Bid.String(),
			"ask":       tick.Ask.String(),
			"mid":       tick.Mid.String(),
			"spreadBps": tick.SpreadBps,
			"ts":        tick.Timestamp.UTC().Format(time.RFC3339Nano),
		})
		pipe.Expire(ctx, key, priceTTL)
		_, err := pipe.Exec(ctx)
		return err
	})
}
