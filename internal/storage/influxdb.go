package storage

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/skalibog/macross/internal/config"
	"github.com/skalibog/macross/pkg/logger"
	"github.com/skalibog/macross/pkg/models"
)

// InfluxDBStorage реализует интерфейс Storage с использованием InfluxDB
type InfluxDBStorage struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	writeAPI api.WriteAPI
	org      string
	bucket   string
}

// NewInfluxDBStorage создает новое хранилище InfluxDB
func NewInfluxDBStorage(ctx context.Context, cfg config.StorageConfig) (*InfluxDBStorage, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Проверка соединения
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ошибка соединения с InfluxDB: %w", err)
	}
	if health == nil || health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("InfluxDB не в состоянии 'pass': %+v", health)
	}

	writeAPI := client.WriteAPI(cfg.Organization, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logger.Error("Ошибка записи в InfluxDB", zap.Error(err))
		}
	}()

	return &InfluxDBStorage{
		client:   client,
		queryAPI: client.QueryAPI(cfg.Organization),
		writeAPI: writeAPI,
		org:      cfg.Organization,
		bucket:   cfg.Bucket,
	}, nil
}

// Close сбрасывает буфер записи и закрывает соединение
func (s *InfluxDBStorage) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}

// SaveEquity сохраняет снимок капитала
func (s *InfluxDBStorage) SaveEquity(_ context.Context, sample models.EquitySample) error {
	equity, _ := sample.Equity.Float64()
	s.writeAPI.WritePoint(influxdb2.NewPoint(
		"equity",
		map[string]string{},
		map[string]interface{}{"equity": equity},
		sample.Timestamp,
	))
	s.writeAPI.Flush()
	return nil
}

// SaveDecision сохраняет решение по символу
func (s *InfluxDBStorage) SaveDecision(_ context.Context, d models.Decision) error {
	price, _ := d.Price.Float64()
	qty, _ := d.Quantity.Float64()
	s.writeAPI.WritePoint(influxdb2.NewPoint(
		"decisions",
		map[string]string{
			"symbol":  d.Symbol,
			"signal":  string(d.Signal),
			"outcome": string(d.Outcome),
		},
		map[string]interface{}{
			"stage":          string(d.Stage),
			"reason":         d.Reason,
			"reservation_id": d.ReservationID,
			"price":          price,
			"quantity":       qty,
			"error":          d.Error,
		},
		d.Tick,
	))
	return nil
}

// SaveTrade сохраняет закрытую сделку
func (s *InfluxDBStorage) SaveTrade(_ context.Context, t models.ClosedTrade) error {
	entry, _ := t.Position.EntryPrice.Float64()
	exit, _ := t.ExitPrice.Float64()
	qty, _ := t.Position.Quantity.Float64()
	pnl, _ := t.RealizedPnL.Float64()
	s.writeAPI.WritePoint(influxdb2.NewPoint(
		"trades",
		map[string]string{
			"symbol": t.Position.Symbol,
			"side":   string(t.Position.Side),
		},
		map[string]interface{}{
			"entry_price":  entry,
			"exit_price":   exit,
			"quantity":     qty,
			"leverage":     t.Position.Leverage,
			"realized_pnl": pnl,
			"opened_at":    t.Position.OpenedAt.Unix(),
		},
		t.ClosedAt,
	))
	s.writeAPI.Flush()
	return nil
}

// RecentEquity получает последние снимки капитала
func (s *InfluxDBStorage) RecentEquity(ctx context.Context, limit int) ([]models.EquitySample, error) {
	// Формируем Flux-запрос
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -30d)
			|> filter(fn: (r) => r._measurement == "equity" and r._field == "equity")
			|> sort(columns: ["_time"], desc: true)
			|> limit(n: %d)
	`, s.bucket, limit)

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса капитала: %w", err)
	}

	var samples []models.EquitySample
	for result.Next() {
		record := result.Record()
		value, _ := record.Value().(float64)
		samples = append(samples, models.EquitySample{
			Timestamp: record.Time(),
			Equity:    decimal.NewFromFloat(value),
		})
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", result.Err())
	}

	// запрос идет от новых к старым
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples, nil
}
