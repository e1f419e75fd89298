// internal/adjust/store.go
package adjust

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Limites das entidades number expostas no Home Assistant.
const (
	BaselineMin = 0
	BaselineMax = 999999
	DecimalMin  = 0
	DecimalMax  = 9
)

// Values são os dois ajustes persistidos por medidor. O core nunca
// aplica esses valores no número detectado — isso é papel de quem
// consome o estado (camada de apresentação).
type Values struct {
	Baseline int `json:"baseline"`
	Decimal  int `json:"decimal"`
}

// Store guarda um Values por medidor num arquivo JSON
// (<dir>/<slug>.json), no espírito do storage por-entidade do host.
// Mutex porque os callbacks de MQTT podem chegar concorrentes.
type Store struct {
	dir string

	mu    sync.Mutex
	cache map[string]Values
}

func NewStore(dir string) *Store {
	return &Store{
		dir:   dir,
		cache: make(map[string]Values),
	}
}

// NewStoreFromEnv usa METERBUS_DATA_DIR (default /var/lib/meter-bus).
func NewStoreFromEnv() *Store {
	dir := os.Getenv("METERBUS_DATA_DIR")
	if dir == "" {
		dir = "/var/lib/meter-bus"
	}
	return NewStore(filepath.Join(dir, "adjust"))
}

// Get devolve os ajustes do medidor; ausência de arquivo = defaults.
func (s *Store) Get(slug string) Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(slug)
}

func (s *Store) SetBaseline(slug string, v int) error {
	if v < BaselineMin || v > BaselineMax {
		return fmt.Errorf("baseline %d fora de [%d,%d]", v, BaselineMin, BaselineMax)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	vals := s.load(slug)
	vals.Baseline = v
	return s.save(slug, vals)
}

func (s *Store) SetDecimal(slug string, v int) error {
	if v < DecimalMin || v > DecimalMax {
		return fmt.Errorf("decimal %d fora de [%d,%d]", v, DecimalMin, DecimalMax)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	vals := s.load(slug)
	vals.Decimal = v
	return s.save(slug, vals)
}

func (s *Store) path(slug string) string {
	return filepath.Join(s.dir, slug+".json")
}

func (s *Store) load(slug string) Values {
	if v, ok := s.cache[slug]; ok {
		return v
	}
	var vals Values
	data, err := os.ReadFile(s.path(slug))
	if err == nil {
		// arquivo corrompido vira defaults; não é fatal
		_ = json.Unmarshal(data, &vals)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return vals
	}
	s.cache[slug] = vals
	return vals
}

func (s *Store) save(slug string, vals Values) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create adjust dir: %w", err)
	}
	data, err := json.Marshal(vals)
	if err != nil {
		return fmt.Errorf("marshal adjust values: %w", err)
	}
	if err := os.WriteFile(s.path(slug), data, 0o644); err != nil {
		return fmt.Errorf("write adjust file: %w", err)
	}
	s.cache[slug] = vals
	return nil
}
