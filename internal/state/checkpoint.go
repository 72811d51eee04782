package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"

	"github.com/skalibog/macross/internal/risk"
	"github.com/skalibog/macross/pkg/models"
)

// Checkpoint состояние, переживающее перезапуск: защелка остановки и открытые позиции
type Checkpoint struct {
	SavedAt   time.Time         `json:"saved_at"`
	Risk      risk.RiskState    `json:"risk"`
	Positions []models.Position `json:"positions"`
	// RealizedPnL накопленный результат с момента старта процесса
	RealizedPnL string `json:"realized_pnl,omitempty"`
}

// Store файл контрольной точки
type Store struct {
	path string
}

// NewStore создает хранилище контрольной точки. Пустой путь отключает сохранение.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path путь к файлу
func (s *Store) Path() string { return s.path }

// Save атомарно записывает контрольную точку через временный файл
func (s *Store) Save(cp Checkpoint) error {
	if s.path == "" {
		return nil
	}
	data, err := sonic.ConfigStd.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации контрольной точки: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("ошибка создания каталога состояния: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("ошибка записи контрольной точки: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("ошибка замены контрольной точки: %w", err)
	}
	return nil
}

// Load читает контрольную точку. Отсутствие файла не ошибка: ok=false.
func (s *Store) Load() (cp Checkpoint, ok bool, err error) {
	if s.path == "" {
		return Checkpoint{}, false, nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("ошибка чтения контрольной точки: %w", err)
	}
	if err := sonic.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("ошибка разбора контрольной точки %s: %w", s.path, err)
	}
	return cp, true, nil
}
