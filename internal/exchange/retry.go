package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/skalibog/macross/internal/config"
	"github.com/skalibog/macross/pkg/logger"
	"github.com/skalibog/macross/pkg/models"
)

// Retrying повторяет временные ошибки вложенной биржи с экспоненциальной паузой.
// Повтор ордера идет с тем же ClientOrderID.
type Retrying struct {
	next     Exchange
	attempts int
	minWait  time.Duration
	maxWait  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRetrying оборачивает биржу
func NewRetrying(next Exchange, cfg config.RetryConfig) *Retrying {
	return &Retrying{
		next:     next,
		attempts: max(cfg.Attempts, 1),
		minWait:  time.Duration(cfg.MinBackoffMS) * time.Millisecond,
		maxWait:  time.Duration(cfg.MaxBackoffMS) * time.Millisecond,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func retry[T any](ctx context.Context, r *Retrying, op string, call func() (T, error)) (T, error) {
	b := &backoff.Backoff{Min: r.minWait, Max: r.maxWait, Factor: 2, Jitter: true}
	var (
		res T
		err error
	)
	for attempt := 1; attempt <= r.attempts; attempt++ {
		res, err = call()
		if err == nil || !Transient(err) || attempt == r.attempts {
			return res, err
		}
		wait := b.Duration()
		logger.Warn("Временная ошибка биржи, повтор",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		if serr := r.sleep(ctx, wait); serr != nil {
			return res, err
		}
	}
	return res, err
}

func (r *Retrying) Setup(ctx context.Context, symbols []models.Symbol) error {
	_, err := retry(ctx, r, "setup", func() (struct{}, error) {
		return struct{}{}, r.next.Setup(ctx, symbols)
	})
	return err
}

func (r *Retrying) GetLatestBar(ctx context.Context, symbol models.Symbol) (models.PriceBar, error) {
	return retry(ctx, r, "latest_bar", func() (models.PriceBar, error) {
		return r.next.GetLatestBar(ctx, symbol)
	})
}

func (r *Retrying) GetAccountBalance(ctx context.Context) (decimal.Decimal, error) {
	return retry(ctx, r, "balance", func() (decimal.Decimal, error) {
		return r.next.GetAccountBalance(ctx)
	})
}

func (r *Retrying) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	return retry(ctx, r, "place_order", func() (models.OrderResult, error) {
		return r.next.PlaceOrder(ctx, req)
	})
}

func (r *Retrying) ClosePosition(ctx context.Context, req models.CloseRequest) (models.OrderResult, error) {
	return retry(ctx, r, "close_position", func() (models.OrderResult, error) {
		return r.next.ClosePosition(ctx, req)
	})
}

func (r *Retrying) GetOrder(ctx context.Context, ref models.OrderRef) (models.OrderResult, error) {
	return retry(ctx, r, "get_order", func() (models.OrderResult, error) {
		return r.next.GetOrder(ctx, ref)
	})
}

func (r *Retrying) CancelOrder(ctx context.Context, ref models.OrderRef) error {
	_, err := retry(ctx, r, "cancel_order", func() (struct{}, error) {
		return struct{}{}, r.next.CancelOrder(ctx, ref)
	})
	return err
}

// Restore передает контрольную точку вложенной бирже, если та хранит состояние в памяти
func (r *Retrying) Restore(positions []models.Position, realized decimal.Decimal) error {
	rs, ok := r.next.(Restorer)
	if !ok {
		return nil
	}
	if err := rs.Restore(positions, realized); err != nil {
		return fmt.Errorf("ошибка восстановления %T: %w", r.next, err)
	}
	return nil
}

func (r *Retrying) MinNotional(symbol models.Symbol) decimal.Decimal {
	return r.next.MinNotional(symbol)
}
