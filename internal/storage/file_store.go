package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore wraps a MemoryStore and periodically snapshots it to a JSON
// file, giving single-appliance durability without a database dependency.
// It is not safe for multi-process use.
type FileStore struct {
	*MemoryStore
	path string

	mu       sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}
}

type fileSnapshot struct {
	Users    map[string]User          `json:"users"`
	Sales    []Sale                   `json:"sales"`
	Sources  map[string]Source        `json:"sources"`
	Rates    map[string]Rate          `json:"rates"`
	Failures map[string]FailureRecord `json:"failures"`
	Events   map[string]OperatorEvent `json:"events"`
}

// NewFileStore loads path if it exists and starts a background snapshotter.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		MemoryStore: NewMemoryStore(),
		path:        path,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	go fs.snapshotLoop()
	return fs, nil
}

func (fs *FileStore) load() error {
	data, err := os.ReadFile(fs.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	m := fs.MemoryStore
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, u := range snap.Users {
		m.users[id] = u
		if u.MAC != "" {
			m.byMAC[u.MAC] = id
		}
		if u.ClientID != "" {
			m.byClient[u.ClientID] = id
		}
		if u.UserCode != "" {
			m.byCode[u.UserCode] = id
		}
		if u.IP != "" {
			m.byIP[u.IP] = id
		}
	}
	m.sales = append(m.sales, snap.Sales...)
	for id, s := range snap.Sources {
		m.sources[id] = s
	}
	for id, r := range snap.Rates {
		m.rates[id] = r
	}
	for mac, f := range snap.Failures {
		m.failures[mac] = f
	}
	for id, e := range snap.Events {
		m.events[id] = e
	}
	return nil
}

func (fs *FileStore) snapshot() error {
	m := fs.MemoryStore
	m.mu.RLock()
	snap := fileSnapshot{
		Users:    cloneMap(m.users),
		Sales:    append([]Sale(nil), m.sales...),
		Sources:  cloneMap(m.sources),
		Rates:    cloneMap(m.rates),
		Failures: cloneMap(m.failures),
		Events:   cloneMap(m.events),
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if dir := filepath.Dir(fs.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, fs.path)
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (fs *FileStore) snapshotLoop() {
	defer close(fs.doneCh)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-fs.stopCh:
			_ = fs.snapshot()
			return
		case <-ticker.C:
			_ = fs.snapshot()
		}
	}
}

// Close flushes a final snapshot and stops the background writer.
func (fs *FileStore) Close() error {
	close(fs.stopCh)
	<-fs.doneCh
	return nil
}

var _ Store = (*FileStore)(nil)
