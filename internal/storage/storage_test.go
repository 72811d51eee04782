package storage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/skalibog/macross/internal/config"
	"github.com/skalibog/macross/pkg/models"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFileStorageJournal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}

	for i := 0; i < 5; i++ {
		sample := models.EquitySample{Timestamp: t0.Add(time.Duration(i) * time.Minute), Equity: decimal.NewFromInt(int64(1000 + i))}
		if err := s.SaveEquity(ctx, sample); err != nil {
			t.Fatalf("SaveEquity: %v", err)
		}
	}
	decision := models.Decision{
		Tick:          t0,
		Symbol:        "BTC/USDT",
		Stage:         models.StageSettling,
		Signal:        models.ActionBuy,
		Outcome:       models.OutcomeOpened,
		ReservationID: "r-1",
		Price:         decimal.RequireFromString("42000.5"),
		Quantity:      decimal.RequireFromString("0.001"),
	}
	if err := s.SaveDecision(ctx, decision); err != nil {
		t.Fatalf("SaveDecision: %v", err)
	}
	if err := s.SaveTrade(ctx, models.ClosedTrade{ExitPrice: decimal.NewFromInt(1), ClosedAt: t0}); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}

	recent, err := s.RecentEquity(ctx, 3)
	if err != nil {
		t.Fatalf("RecentEquity: %v", err)
	}
	if len(recent) != 3 || !recent[0].Equity.Equal(decimal.NewFromInt(1002)) || !recent[2].Equity.Equal(decimal.NewFromInt(1004)) {
		t.Fatalf("хвост капитала %+v", recent)
	}
	if !recent[2].Timestamp.Equal(t0.Add(4 * time.Minute)) {
		t.Fatalf("время снимка %s", recent[2].Timestamp)
	}

	decisions, err := s.ReadDecisions()
	if err != nil {
		t.Fatalf("ReadDecisions: %v", err)
	}
	if len(decisions) != 1 {
		t.Fatalf("решений %d", len(decisions))
	}
	got := decisions[0]
	if got.Symbol != decision.Symbol || got.Outcome != decision.Outcome || !got.Price.Equal(decision.Price) || got.ReservationID != "r-1" {
		t.Fatalf("решение после чтения %+v", got)
	}

	s.Close()
	if err := s.SaveEquity(ctx, models.EquitySample{Timestamp: t0}); err == nil {
		t.Fatalf("запись в закрытый журнал должна быть ошибкой")
	}
}

func TestFileStorageAppendsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		s, err := NewFileStorage(dir)
		if err != nil {
			t.Fatalf("NewFileStorage: %v", err)
		}
		if err := s.SaveEquity(ctx, models.EquitySample{Timestamp: t0.Add(time.Duration(i) * time.Hour), Equity: decimal.NewFromInt(1)}); err != nil {
			t.Fatalf("SaveEquity: %v", err)
		}
		s.Close()
	}
	s, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	defer s.Close()
	recent, err := s.RecentEquity(ctx, 0)
	if err != nil || len(recent) != 2 {
		t.Fatalf("после переоткрытия %d снимков, %v", len(recent), err)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, config.StorageConfig{Type: "none"})
	if err != nil {
		t.Fatalf("New(none): %v", err)
	}
	if _, ok := s.(Nop); !ok {
		t.Fatalf("ожидался Nop, получено %T", s)
	}

	s, err = New(ctx, config.StorageConfig{Type: "file", Path: t.TempDir()})
	if err != nil {
		t.Fatalf("New(file): %v", err)
	}
	s.Close()

	if _, err := New(ctx, config.StorageConfig{Type: "mongo"}); err == nil {
		t.Fatalf("неизвестный тип должен быть ошибкой")
	}
}
