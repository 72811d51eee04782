package engine

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/skalibog/macross/internal/position"
	"github.com/skalibog/macross/internal/risk"
)

var errBookClosed = errors.New("книга позиций остановлена")

// book владеет трекером позиций и предохранителем просадки.
// Все изменения идут через одну горутину, поэтому резерв атомарен между символами.
type book struct {
	tracker *position.Tracker
	guard   *risk.DrawdownGuard

	// realized реализованный результат с момента старта
	realized decimal.Decimal
	// cashDelta изменение свободных денег за текущий тик: маржа открытий и закрытий
	cashDelta decimal.Decimal

	cmds chan func(*book)
	quit chan struct{}
	done chan struct{}
}

func newBook(tracker *position.Tracker, guard *risk.DrawdownGuard) *book {
	b := &book{
		tracker: tracker,
		guard:   guard,
		cmds:    make(chan func(*book)),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *book) run() {
	defer close(b.done)
	for {
		select {
		case fn := <-b.cmds:
			fn(b)
		case <-b.quit:
			return
		}
	}
}

// do выполняет fn в горутине книги. Принятая команда всегда выполняется до конца,
// отмена ctx действует только до момента приема.
func (b *book) do(ctx context.Context, fn func(*book)) error {
	finished := make(chan struct{})
	cmd := func(bk *book) {
		defer close(finished)
		fn(bk)
	}
	select {
	case b.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.quit:
		return errBookClosed
	}
	<-finished
	return nil
}

// stop останавливает горутину книги и ждет ее завершения
func (b *book) stop() {
	select {
	case <-b.quit:
	default:
		close(b.quit)
	}
	<-b.done
}

// query выполняет fn в книге и возвращает ее результат
func query[T any](ctx context.Context, b *book, fn func(*book) (T, error)) (T, error) {
	var (
		res T
		err error
	)
	if derr := b.do(ctx, func(bk *book) { res, err = fn(bk) }); derr != nil {
		return res, derr
	}
	return res, err
}
