package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/mmeshcher/shaka-agent/internal/model"
)

// ErrNoState возвращается LoadSnapshot, если файл состояния ещё не создан.
var ErrNoState = errors.New("state file not found")

// LinkStats содержит счётчики последовательного канала Marshall.
type LinkStats struct {
	LinkReady  bool      `json:"link_ready"`
	PollCount  int64     `json:"poll_count"`
	CRCErrors  int64     `json:"crc_errors"`
	CommErrors int64     `json:"comm_errors"`
	LastPoll   time.Time `json:"last_poll"`
}

// APIStats содержит счётчики обращений к HTTPS API платёжной системы.
type APIStats struct {
	Calls    int64     `json:"calls"`
	Errors   int64     `json:"errors"`
	LastCall time.Time `json:"last_call"`
}

// Snapshot описывает состояние бэкенда для HTTP-ответов и файла состояния.
type Snapshot struct {
	Connected  bool               `json:"connected"`
	Simulation bool               `json:"simulation"`
	Protocol   string             `json:"protocol"`
	State      model.State        `json:"state"`
	Session    *model.VendSession `json:"session"`
	Timestamp  time.Time          `json:"timestamp"`
	ReaderID   string             `json:"reader_id,omitempty"`
	LinkStats  *LinkStats         `json:"link_stats,omitempty"`
	APIStats   *APIStats          `json:"api_stats,omitempty"`
}

// APICounter ведёт статистику вызовов API. Безопасен для конкурентного использования.
type APICounter struct {
	calls    atomic.Int64
	errors   atomic.Int64
	lastCall atomic.Int64
}

// Call учитывает один вызов API.
func (c *APICounter) Call() {
	c.calls.Add(1)
	c.lastCall.Store(time.Now().UnixNano())
}

// Fail учитывает ошибку вызова API.
func (c *APICounter) Fail() {
	c.errors.Add(1)
}

// Stats возвращает текущие значения счётчиков.
func (c *APICounter) Stats() *APIStats {
	s := &APIStats{
		Calls:  c.calls.Load(),
		Errors: c.errors.Load(),
	}
	if ns := c.lastCall.Load(); ns != 0 {
		s.LastCall = time.Unix(0, ns).UTC()
	}
	return s
}

// StateFile сохраняет снимок состояния в JSON-файл для других процессов.
type StateFile struct {
	path string
}

// NewStateFile создаёт хранилище снимков по указанному пути.
func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

// Path возвращает путь к файлу состояния.
func (f *StateFile) Path() string {
	return f.path
}

// Save атомарно записывает снимок через временный файл и os.Rename.
func (f *StateFile) Save(s Snapshot) (err error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err = os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// Load читает снимок из файла.
func (f *StateFile) Load() (*Snapshot, error) {
	return LoadSnapshot(f.path)
}

// LoadSnapshot читает снимок из файла по пути. Возвращает ErrNoState, если файла нет.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoState
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	return &s, nil
}
