package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	logx "jobsched/pkg/logx"
)

// Manager owns the committed config and fans new versions out to
// subscribers. Only configs that parse and validate are committed.
type Manager struct {
	path string
	log  logx.Logger

	mu   sync.RWMutex
	cfg  *Config
	sum  uint64
	subs map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{path: path, subs: map[chan *Config]struct{}{}}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// Load reads, validates and commits the file.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.read()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cfg, m.sum = cfg, fingerprint(cfg)
	m.mu.Unlock()
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) read() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return decode(m.path, raw)
}

func decode(path string, raw []byte) (*Config, error) {
	name := filepath.Base(path)
	data, err := toJSON(path, raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode %s: trailing data", name)
	}
	return cfg, nil
}

// Subscribe returns a channel that receives every committed config after
// the call. The channel is closed by Unsubscribe.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

// reload is what Watch runs once writes settle. It reports whether a new
// config was committed and published.
func (m *Manager) reload() bool {
	cfg, err := m.read()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return false
	}
	sum := fingerprint(cfg)

	m.mu.Lock()
	defer m.mu.Unlock()
	if sum == m.sum {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return false
	}
	if err := Validate(cfg); err != nil {
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		return false
	}
	m.cfg, m.sum = cfg, sum
	for ch := range m.subs {
		if !offerLatest(ch, cfg) {
			m.log.Debug("config update dropped", logx.Int("queue_cap", cap(ch)))
		}
	}
	m.log.Debug("config published", logx.String("path", m.path), logx.String("sum", fmt.Sprintf("%016x", sum)))
	return true
}

// offerLatest sends cfg without blocking, evicting the oldest queued
// config when the buffer is full.
func offerLatest(ch chan *Config, cfg *Config) bool {
	for range 2 {
		select {
		case ch <- cfg:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}
