package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/skalibog/macross/pkg/logger"
	"github.com/skalibog/macross/pkg/models"
)

// Префикс переменных окружения для секретов
const EnvPrefix = "MACROSS"

// Config представляет полную конфигурацию приложения
type Config struct {
	Exchange ExchangeConfig `yaml:"exchange"`
	Trading  TradingConfig  `yaml:"trading"`
	Strategy StrategyConfig `yaml:"strategy"`
	Risk     RiskConfig     `yaml:"risk"`
	System   SystemConfig   `yaml:"system"`
	Retry    RetryConfig    `yaml:"retry"`
	Storage  StorageConfig  `yaml:"storage"`
	Notify   NotifyConfig   `yaml:"notify"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ExchangeConfig содержит настройки подключения к бирже
type ExchangeConfig struct {
	ID          string  `yaml:"id"`
	APIKey      string  `yaml:"api_key"`
	Secret      string  `yaml:"secret"`
	Testnet     bool    `yaml:"testnet"`
	MinNotional float64 `yaml:"min_notional"`
}

// TradingConfig содержит настройки торговли
type TradingConfig struct {
	// Enabled false включает сухой прогон на бумажной бирже
	Enabled      bool           `yaml:"enabled"`
	Timeframe    string         `yaml:"timeframe"`
	PaperBalance float64        `yaml:"paper_balance"`
	Symbols      []SymbolConfig `yaml:"symbols"`
}

// SymbolConfig настройки одного символа
type SymbolConfig struct {
	Symbol            string `yaml:"symbol"`
	Market            string `yaml:"market"`
	Leverage          int    `yaml:"leverage"`
	MarginMode        string `yaml:"margin_mode"`
	QuantityPrecision *int32 `yaml:"quantity_precision"`
}

// StrategyConfig тип стратегии и ее периоды
type StrategyConfig struct {
	Type       string         `yaml:"type"`
	MAType     string         `yaml:"ma_type"`
	AllowShort bool           `yaml:"allow_short"`
	Params     StrategyParams `yaml:"params"`
}

// StrategyParams периоды средних. Симметричная стратегия использует short/long,
// асимметричная четыре независимых периода.
type StrategyParams struct {
	ShortPeriod     int `yaml:"short_period"`
	LongPeriod      int `yaml:"long_period"`
	BuyShortPeriod  int `yaml:"buy_short_period"`
	BuyLongPeriod   int `yaml:"buy_long_period"`
	SellShortPeriod int `yaml:"sell_short_period"`
	SellLongPeriod  int `yaml:"sell_long_period"`
}

// RiskConfig настройки риск-менеджмента
type RiskConfig struct {
	MaxOpenTrades int     `yaml:"max_open_trades"`
	MaxDrawdown   float64 `yaml:"max_drawdown"`
	// DrawdownCheckInterval в секундах
	DrawdownCheckInterval int     `yaml:"drawdown_check_interval"`
	Sizing                string  `yaml:"sizing"`
	BaseSize              float64 `yaml:"base_size"`
	MaxSize               float64 `yaml:"max_size"`
	RiskPerTrade          float64 `yaml:"risk_per_trade"`
	StopLossPct           float64 `yaml:"stop_loss_pct"`
	EquityRetention       int     `yaml:"equity_retention"`
}

// SystemConfig настройки цикла и процесса
type SystemConfig struct {
	// LoopInterval в секундах
	LoopInterval int `yaml:"loop_interval"`
	// TickTimeout в секундах, по умолчанию равен LoopInterval
	TickTimeout int    `yaml:"tick_timeout"`
	Workers     int    `yaml:"workers"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	LogJSONFile string `yaml:"log_json_file"`
	StateFile   string `yaml:"state_file"`
	StatusAddr  string `yaml:"status_addr"`
}

// RetryConfig повторы временных ошибок биржи
type RetryConfig struct {
	Attempts     int `yaml:"attempts"`
	MinBackoffMS int `yaml:"min_backoff_ms"`
	MaxBackoffMS int `yaml:"max_backoff_ms"`
}

// StorageConfig настройки хранения данных
type StorageConfig struct {
	Type         string `yaml:"type"`
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
	DSN          string `yaml:"dsn"`
	Path         string `yaml:"path"`
}

// NotifyConfig настройки уведомлений
type NotifyConfig struct {
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID int64  `yaml:"telegram_chat_id"`
}

// TracingConfig настройки jaeger
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	ServiceName string `yaml:"service_name"`
}

// Load загружает конфигурацию из файла, накладывает секреты из окружения и проверяет ее
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	logger.Debug("Загружена конфигурация", zap.String("path", path), zap.String("exchange", cfg.Exchange.ID))
	logger.Info("Загружена конфигурация", zap.Int("symbols", len(cfg.Trading.Symbols)), zap.String("strategy", cfg.Strategy.Type))
	return cfg, nil
}

// Parse разбирает YAML строго: неизвестные ключи это ошибка
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора файла конфигурации: %w", err)
	}

	cfg.applyEnv(envOverlay())
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envOverlay читает секреты из переменных окружения MACROSS_*
func envOverlay() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range []string{
		"exchange.api_key",
		"exchange.secret",
		"storage.token",
		"storage.dsn",
		"notify.telegram_token",
	} {
		_ = v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	}
	return v
}

func (c *Config) applyEnv(v *viper.Viper) {
	override := func(dst *string, key string) {
		if val := v.GetString(key); val != "" {
			*dst = val
		}
	}
	override(&c.Exchange.APIKey, "exchange.api_key")
	override(&c.Exchange.Secret, "exchange.secret")
	override(&c.Storage.Token, "storage.token")
	override(&c.Storage.DSN, "storage.dsn")
	override(&c.Notify.TelegramToken, "notify.telegram_token")
}

func (c *Config) applyDefaults() {
	if c.Exchange.ID == "" {
		c.Exchange.ID = "binance"
	}
	c.Exchange.ID = strings.ToLower(c.Exchange.ID)
	if c.Exchange.MinNotional == 0 {
		c.Exchange.MinNotional = 5
	}
	if c.Trading.Timeframe == "" {
		c.Trading.Timeframe = "1m"
	}
	if c.Trading.PaperBalance == 0 {
		c.Trading.PaperBalance = 1000
	}
	for i := range c.Trading.Symbols {
		s := &c.Trading.Symbols[i]
		if s.Market == "" {
			s.Market = string(models.MarketSpot)
		}
		if s.Market == string(models.MarketFutures) {
			if s.Leverage == 0 {
				s.Leverage = 1
			}
			if s.MarginMode == "" {
				s.MarginMode = string(models.MarginIsolated)
			}
		}
	}
	if c.Strategy.MAType == "" {
		c.Strategy.MAType = "sma"
	}
	if c.Risk.Sizing == "" {
		if c.Risk.BaseSize > 0 {
			c.Risk.Sizing = SizingFractional
		} else {
			c.Risk.Sizing = SizingEqual
		}
	}
	if c.Risk.EquityRetention == 0 {
		c.Risk.EquityRetention = 1440
	}
	if c.System.LoopInterval == 0 {
		c.System.LoopInterval = 60
	}
	if c.System.TickTimeout == 0 {
		c.System.TickTimeout = c.System.LoopInterval
	}
	if c.System.Workers == 0 {
		c.System.Workers = 8
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "info"
	}
	if c.System.StateFile == "" {
		c.System.StateFile = "state/macross.json"
	}
	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = 3
	}
	if c.Retry.MinBackoffMS == 0 {
		c.Retry.MinBackoffMS = 200
	}
	if c.Retry.MaxBackoffMS == 0 {
		c.Retry.MaxBackoffMS = 3000
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "none"
	}
}

// LoopInterval интервал тика
func (c *Config) LoopInterval() time.Duration {
	return time.Duration(c.System.LoopInterval) * time.Second
}

// TickTimeout предельная длительность одного тика
func (c *Config) TickTimeout() time.Duration {
	return time.Duration(c.System.TickTimeout) * time.Second
}

// CheckInterval минимальный интервал между проверками просадки
func (r RiskConfig) CheckInterval() time.Duration {
	return time.Duration(r.DrawdownCheckInterval) * time.Second
}

// Symbols нормализованные символы
func (c *Config) Symbols() []models.Symbol {
	out := make([]models.Symbol, 0, len(c.Trading.Symbols))
	for _, s := range c.Trading.Symbols {
		precision := int32(6)
		if s.QuantityPrecision != nil {
			precision = *s.QuantityPrecision
		}
		out = append(out, models.NewSymbol(s.Symbol, models.MarketKind(s.Market), s.Leverage, models.MarginMode(s.MarginMode), precision))
	}
	return out
}

// Marshal сериализует конфигурацию обратно в YAML без секретов
func (c Config) Marshal() ([]byte, error) {
	c.Exchange.APIKey, c.Exchange.Secret = redact(c.Exchange.APIKey), redact(c.Exchange.Secret)
	c.Storage.Token, c.Storage.DSN = redact(c.Storage.Token), redact(c.Storage.DSN)
	c.Notify.TelegramToken = redact(c.Notify.TelegramToken)
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	_ = enc.Close()
	return buf.Bytes(), nil
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
