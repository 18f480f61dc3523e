package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/dhcgn/mbox-mood/model"
)

// FileName is the cache file created inside the cache directory.
const FileName = "analysis.jsonl"

// Key identifies a cached analysis. The same message analysed by a different
// engine or at a different sensitivity is a different entry.
type Key struct {
	Hash        string
	Engine      string
	Sensitivity float64
}

func (k Key) String() string {
	return k.Hash + "|" + k.Engine + "|" + strconv.FormatFloat(k.Sensitivity, 'f', 3, 64)
}

type Cache interface {
	Get(key Key) (model.Analysis, bool)
	Put(key Key, a model.Analysis) error
	Snapshot() Snapshot
}

type Snapshot struct {
	Entries int
	Hits    int
	Misses  int
}

type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]model.Analysis
	hits    int
	misses  int
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]model.Analysis)}
}

func (m *MemoryCache) Get(key Key) (model.Analysis, bool) {
	if key.Hash == "" {
		return model.Analysis{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.entries[key.String()]
	if ok {
		m.hits++
	} else {
		m.misses++
	}
	return a, ok
}

func (m *MemoryCache) Put(key Key, a model.Analysis) error {
	if key.Hash == "" {
		return nil
	}

	m.mu.Lock()
	m.entries[key.String()] = a
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{Entries: len(m.entries), Hits: m.hits, Misses: m.misses}
}

// FileCache persists analyses so reruns over the same mailbox skip the engine.
type FileCache struct {
	*MemoryCache
	path    string
	persist bool
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

type fileRecord struct {
	Hash        string         `json:"hash"`
	Engine      string         `json:"engine"`
	Sensitivity float64        `json:"sensitivity"`
	Analysis    model.Analysis `json:"analysis"`
}

func NewFileCache(cacheDir string, persist bool) (*FileCache, error) {
	if strings.TrimSpace(cacheDir) == "" {
		return nil, fmt.Errorf("cache directory is empty")
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	cache := &FileCache{
		MemoryCache: NewMemoryCache(),
		path:        filepath.Join(cacheDir, FileName),
		persist:     persist,
	}

	if err := cache.load(); err != nil {
		return nil, err
	}

	if persist {
		file, err := os.OpenFile(cache.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open cache file for append: %w", err)
		}
		cache.file = file
		cache.writer = bufio.NewWriterSize(file, 64*1024)
	}

	return cache, nil
}

// Path returns the location of the cache file.
func (f *FileCache) Path() string {
	return f.path
}

func (f *FileCache) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open cache file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record fileRecord
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse cache line %d: %w", line, err)
		}
		if record.Hash == "" {
			continue
		}

		key := Key{Hash: record.Hash, Engine: record.Engine, Sensitivity: record.Sensitivity}
		f.mu.Lock()
		f.entries[key.String()] = record.Analysis
		f.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read cache file: %w", err)
	}

	return nil
}

func (f *FileCache) Put(key Key, a model.Analysis) error {
	if key.Hash == "" {
		return nil
	}

	k := key.String()
	f.mu.Lock()
	if _, exists := f.entries[k]; exists {
		f.mu.Unlock()
		return nil
	}
	f.entries[k] = a
	f.mu.Unlock()

	if !f.persist {
		return nil
	}

	record := fileRecord{Hash: key.Hash, Engine: key.Engine, Sensitivity: key.Sensitivity, Analysis: a}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode cache record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write cache record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}

	return nil
}

// Flush writes any buffered data to the underlying file.
func (f *FileCache) Flush() error {
	if !f.persist || f.writer == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush cache file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync cache file: %w", err)
	}
	return nil
}

// Close flushes and closes the cache file.
func (f *FileCache) Close() error {
	if !f.persist || f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if f.writer != nil {
		if err := f.writer.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush cache file: %w", err)
		}
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync cache file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close cache file: %w", err)
	}
	f.file = nil

	return firstErr
}
