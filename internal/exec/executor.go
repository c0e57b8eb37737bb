package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"opt-scalp-bot/internal/state"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// Order is a gateway order request plus a client order id used for
// idempotent placement.
type Order struct {
	Symbol        string
	Exchange      string
	Action        string
	Quantity      int
	PriceType     string
	Product       string
	Price         float64
	ClientOrderID string
}

type Gateway interface {
	PlaceOrder(ctx context.Context, order Order) (string, error)
}

// Executor places orders at most once per client order id. Known ids are
// cached in memory and persisted in the kv store so a restart cannot
// double-place.
type Executor struct {
	gateway Gateway
	store   state.Store
	log     *zap.Logger

	mu    sync.Mutex
	cache map[string]string
}

const placeAttempts = 5

func New(gateway Gateway, store state.Store, log *zap.Logger) *Executor {
	return &Executor{
		gateway: gateway,
		store:   store,
		log:     log,
		cache:   make(map[string]string),
	}
}

func (e *Executor) PlaceOrder(ctx context.Context, order Order) (string, error) {
	if order.ClientOrderID == "" {
		return e.placeWithRetry(ctx, order)
	}
	cacheKey := "cloid:" + order.ClientOrderID
	e.mu.Lock()
	if oid, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return oid, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if oid, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return "", err
		} else if ok {
			e.mu.Lock()
			e.cache[cacheKey] = oid
			e.mu.Unlock()
			return oid, nil
		}
	}
	orderID, err := e.placeWithRetry(ctx, order)
	if err != nil {
		return "", err
	}
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, orderID); err != nil {
			e.log.Warn("failed to persist order id", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = orderID
	e.mu.Unlock()
	return orderID, nil
}

func (e *Executor) placeWithRetry(ctx context.Context, order Order) (string, error) {
	b := &backoff.Backoff{
		Min:    200 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	var lastErr error
	for attempt := 0; attempt < placeAttempts; attempt++ {
		orderID, err := e.gateway.PlaceOrder(ctx, order)
		if err == nil {
			if orderID == "" {
				return "", errors.New("empty order id")
			}
			return orderID, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return "", fmt.Errorf("order placement failed after %d attempts: %w", placeAttempts, lastErr)
}
