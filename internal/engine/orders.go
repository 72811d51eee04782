package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/skalibog/macross/internal/exchange"
	"github.com/skalibog/macross/pkg/logger"
	"github.com/skalibog/macross/pkg/models"
)

// errOrderUnknown ордер мог исполниться, но биржа так и не сообщила итог
var errOrderUnknown = errors.New("итог ордера неизвестен")

const defaultPollInterval = 500 * time.Millisecond

// orderRef ссылка на ордер по ответу биржи. Alpaca назначает свой ClientOrderID при закрытии.
func orderRef(sym models.Symbol, clientOrderID string, res models.OrderResult) models.OrderRef {
	ref := models.OrderRef{Symbol: sym, OrderID: res.OrderID, ClientOrderID: clientOrderID}
	if res.ClientOrderID != "" {
		ref.ClientOrderID = res.ClientOrderID
	}
	return ref
}

// recoverOrder ищет ордер после ошибки выставления: запрос мог дойти до биржи.
// Возвращает исходную ошибку, если ордера на бирже нет.
func (e *Engine) recoverOrder(settle context.Context, ref models.OrderRef, placeErr error) (models.OrderResult, error) {
	if errors.Is(placeErr, exchange.ErrOrderRejected) {
		return models.OrderResult{}, placeErr
	}
	ctx, cancel := context.WithTimeout(settle, e.orderWait)
	defer cancel()

	res, err := e.ex.GetOrder(ctx, ref)
	if err != nil {
		if !errors.Is(err, exchange.ErrOrderNotFound) {
			logger.Warn("Не удалось проверить ордер после ошибки выставления",
				zap.String("symbol", ref.Symbol.Name),
				zap.String("client_order_id", ref.ClientOrderID),
				zap.Error(err))
		}
		return models.OrderResult{}, placeErr
	}
	logger.Warn("Ордер найден на бирже после ошибки выставления",
		zap.String("symbol", ref.Symbol.Name),
		zap.String("client_order_id", ref.ClientOrderID),
		zap.String("status", string(res.Status)),
		zap.NamedError("place_error", placeErr))
	return res, nil
}

// awaitOrder опрашивает ордер до конечного статуса. Если за orderWait статус
// не стал конечным, остаток отменяется и итог решает последний ответ биржи.
func (e *Engine) awaitOrder(settle context.Context, ref models.OrderRef, res models.OrderResult) (models.OrderResult, error) {
	if res.Terminal() {
		return res, nil
	}
	logger.Info("Ордер ожидает исполнения",
		zap.String("symbol", ref.Symbol.Name),
		zap.String("order_id", ref.OrderID),
		zap.String("client_order_id", ref.ClientOrderID))

	ctx, cancel := context.WithTimeout(settle, e.orderWait)
	defer cancel()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return e.cancelOrder(settle, ref)
		case <-ticker.C:
		}

		got, err := e.ex.GetOrder(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return e.cancelOrder(settle, ref)
			}
			logger.Warn("Ошибка опроса ордера", zap.String("client_order_id", ref.ClientOrderID), zap.Error(err))
			continue
		}
		if got.Terminal() {
			return got, nil
		}
	}
}

// cancelOrder снимает остаток и перечитывает ордер. Незакрытый итог это errOrderUnknown.
func (e *Engine) cancelOrder(settle context.Context, ref models.OrderRef) (models.OrderResult, error) {
	ctx, cancel := context.WithTimeout(settle, e.orderWait)
	defer cancel()

	// исполненный ордер отменить нельзя, итог покажет GetOrder
	if err := e.ex.CancelOrder(ctx, ref); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
		logger.Warn("Ошибка отмены ордера", zap.String("client_order_id", ref.ClientOrderID), zap.Error(err))
	}

	res, err := e.ex.GetOrder(ctx, ref)
	if err != nil {
		return res, fmt.Errorf("%w: %s %s: %w", errOrderUnknown, ref.Symbol.Name, ref.ClientOrderID, err)
	}
	if !res.Terminal() {
		return res, fmt.Errorf("%w: %s %s статус %s после отмены", errOrderUnknown, ref.Symbol.Name, ref.ClientOrderID, res.Status)
	}
	return res, nil
}
