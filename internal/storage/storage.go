package storage

import (
	"context"
	"fmt"

	"github.com/skalibog/macross/internal/config"
	"github.com/skalibog/macross/pkg/models"
)

// Storage журнал решений, сделок и кривой капитала
type Storage interface {
	SaveEquity(ctx context.Context, sample models.EquitySample) error
	SaveDecision(ctx context.Context, decision models.Decision) error
	SaveTrade(ctx context.Context, trade models.ClosedTrade) error
	// RecentEquity последние limit снимков капитала в хронологическом порядке
	RecentEquity(ctx context.Context, limit int) ([]models.EquitySample, error)
	Close()
}

// New создает хранилище по типу из конфигурации
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case "influxdb":
		return NewInfluxDBStorage(ctx, cfg)
	case "postgres":
		return NewPostgresStorage(ctx, cfg)
	case "file":
		return NewFileStorage(cfg.Path)
	case "none", "":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("неизвестный тип хранилища %q", cfg.Type)
	}
}

// Nop хранилище, которое ничего не сохраняет
type Nop struct{}

func (Nop) SaveEquity(context.Context, models.EquitySample) error { return nil }

func (Nop) SaveDecision(context.Context, models.Decision) error { return nil }

func (Nop) SaveTrade(context.Context, models.ClosedTrade) error { return nil }

func (Nop) RecentEquity(context.Context, int) ([]models.EquitySample, error) { return nil, nil }

func (Nop) Close() {}
