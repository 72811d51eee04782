package storage

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/skalibog/macross/pkg/models"
)

const (
	equityFile    = "equity.ndjson"
	decisionsFile = "decisions.ndjson"
	tradesFile    = "trades.ndjson"
)

// FileStorage журнал в файлах NDJSON, по файлу на вид записей
type FileStorage struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewFileStorage открывает каталог журнала, создавая его при необходимости
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ошибка создания каталога журнала: %w", err)
	}
	s := &FileStorage{dir: dir, files: make(map[string]*os.File)}
	for _, name := range []string{equityFile, decisionsFile, tradesFile} {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("ошибка открытия %s: %w", name, err)
		}
		s.files[name] = f
	}
	return s, nil
}

func (s *FileStorage) append(name string, v any) error {
	line, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("ошибка сериализации записи %s: %w", name, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[name]
	if !ok {
		return fmt.Errorf("журнал %s закрыт", name)
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("ошибка записи в %s: %w", name, err)
	}
	return nil
}

func (s *FileStorage) SaveEquity(_ context.Context, sample models.EquitySample) error {
	return s.append(equityFile, sample)
}

func (s *FileStorage) SaveDecision(_ context.Context, d models.Decision) error {
	return s.append(decisionsFile, d)
}

func (s *FileStorage) SaveTrade(_ context.Context, t models.ClosedTrade) error {
	return s.append(tradesFile, t)
}

// RecentEquity читает хвост файла капитала
func (s *FileStorage) RecentEquity(ctx context.Context, limit int) ([]models.EquitySample, error) {
	f, err := os.Open(filepath.Join(s.dir, equityFile))
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия журнала капитала: %w", err)
	}
	defer f.Close()

	var samples []models.EquitySample
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var sample models.EquitySample
		if err := sonic.Unmarshal(scanner.Bytes(), &sample); err != nil {
			return nil, fmt.Errorf("ошибка разбора журнала капитала: %w", err)
		}
		samples = append(samples, sample)
		if limit > 0 && len(samples) > limit {
			samples = samples[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения журнала капитала: %w", err)
	}
	return samples, nil
}

// ReadDecisions все решения из журнала
func (s *FileStorage) ReadDecisions() ([]models.Decision, error) {
	f, err := os.Open(filepath.Join(s.dir, decisionsFile))
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия журнала решений: %w", err)
	}
	defer f.Close()

	var out []models.Decision
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var d models.Decision
		if err := sonic.Unmarshal(scanner.Bytes(), &d); err != nil {
			return nil, fmt.Errorf("ошибка разбора журнала решений: %w", err)
		}
		out = append(out, d)
	}
	return out, scanner.Err()
}

func (s *FileStorage) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, f := range s.files {
		_ = f.Sync()
		_ = f.Close()
		delete(s.files, name)
	}
}
