package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store implementation suitable for tests and
// development appliances without a database.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]User // userID -> User
	byMAC    map[string]string
	byCode   map[string]string
	byClient map[string]string
	byIP     map[string]string

	sales    []Sale
	sources  map[string]Source
	rates    map[string]Rate
	failures map[string]FailureRecord
	events   map[string]OperatorEvent
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]User),
		byMAC:    make(map[string]string),
		byCode:   make(map[string]string),
		byClient: make(map[string]string),
		byIP:     make(map[string]string),
		sources:  make(map[string]Source),
		rates:    make(map[string]Rate),
		failures: make(map[string]FailureRecord),
		events:   make(map[string]OperatorEvent),
	}
}

func (m *MemoryStore) Close() error { return nil }

func normMAC(mac string) string { return strings.ToLower(strings.TrimSpace(mac)) }

func (m *MemoryStore) FindUserByCookie(_ context.Context, clientID string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byClient[clientID]
	if !ok {
		return User{}, ErrNotFound
	}
	return m.users[id], nil
}

func (m *MemoryStore) FindUserByMAC(_ context.Context, mac string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byMAC[normMAC(mac)]
	if !ok {
		return User{}, ErrNotFound
	}
	return m.users[id], nil
}

func (m *MemoryStore) FindUserByCode(_ context.Context, userCode string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byCode[strings.ToUpper(userCode)]
	if !ok {
		return User{}, ErrNotFound
	}
	return m.users[id], nil
}

func (m *MemoryStore) FindUserByIP(_ context.Context, ip string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byIP[ip]
	if !ok {
		return User{}, ErrNotFound
	}
	return m.users[id], nil
}

// UpsertUser writes u, reindexing secondary keys. Callers are expected to
// have resolved MAC/IP ownership conflicts before calling (IdentityResolver,
// ClaimMAC, AssignIP); UpsertUser itself does not enforce the single-owner
// invariant beyond keeping indexes consistent for this user_id.
func (m *MemoryStore) UpsertUser(_ context.Context, u User) error {
	if u.UserID == "" {
		u.UserID = uuid.NewString()
	}
	u.MAC = normMAC(u.MAC)

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.users[u.UserID]; ok {
		if old.MAC != u.MAC {
			delete(m.byMAC, old.MAC)
		}
		if old.ClientID != u.ClientID {
			delete(m.byClient, old.ClientID)
		}
		if old.UserCode != u.UserCode {
			delete(m.byCode, strings.ToUpper(old.UserCode))
		}
		if old.IP != u.IP {
			delete(m.byIP, old.IP)
		}
	}

	m.users[u.UserID] = u
	if u.MAC != "" {
		m.byMAC[u.MAC] = u.UserID
	}
	if u.ClientID != "" {
		m.byClient[u.ClientID] = u.UserID
	}
	if u.UserCode != "" {
		m.byCode[strings.ToUpper(u.UserCode)] = u.UserID
	}
	if u.IP != "" {
		m.byIP[u.IP] = u.UserID
	}
	return nil
}

// ClaimMAC rewrites userID's MAC to newMAC, deleting any stale User record
// that currently owns newMAC (the single-owner invariant).
func (m *MemoryStore) ClaimMAC(_ context.Context, userID, newMAC string) error {
	newMAC = normMAC(newMAC)

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}

	if staleID, ok := m.byMAC[newMAC]; ok && staleID != userID {
		stale := m.users[staleID]
		delete(m.byMAC, stale.MAC)
		delete(m.byClient, stale.ClientID)
		delete(m.byCode, strings.ToUpper(stale.UserCode))
		delete(m.byIP, stale.IP)
		delete(m.users, staleID)
	}

	delete(m.byMAC, u.MAC)
	u.MAC = newMAC
	m.byMAC[newMAC] = userID
	m.users[userID] = u
	return nil
}

// AssignIP clears ip from any other active record, then assigns it to userID.
func (m *MemoryStore) AssignIP(_ context.Context, userID, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}

	if otherID, exists := m.byIP[ip]; exists && otherID != userID {
		other := m.users[otherID]
		other.IP = ""
		m.users[otherID] = other
		delete(m.byIP, ip)
	}

	if u.IP != "" {
		delete(m.byIP, u.IP)
	}
	u.IP = ip
	m.byIP[ip] = userID
	m.users[userID] = u
	return nil
}

func (m *MemoryStore) Decrement(_ context.Context, userID string, seconds int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return 0, ErrNotFound
	}
	u.CreditSeconds -= seconds
	if u.CreditSeconds < 0 {
		u.CreditSeconds = 0
	}
	m.users[userID] = u
	return u.CreditSeconds, nil
}

func (m *MemoryStore) AddCredit(_ context.Context, userID string, seconds int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return 0, ErrNotFound
	}
	u.CreditSeconds += seconds
	u.TotalSecondsEver += seconds
	m.users[userID] = u
	return u.CreditSeconds, nil
}

func (m *MemoryStore) setFlag(userID string, paused, connected bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Paused = paused
	u.Connected = connected
	m.users[userID] = u
	return nil
}

func (m *MemoryStore) TouchTraffic(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.LastTrafficAt = at
	m.users[userID] = u
	return nil
}

func (m *MemoryStore) Pause(_ context.Context, userID string) error  { return m.setFlag(userID, true, false) }
func (m *MemoryStore) Resume(_ context.Context, userID string) error { return m.setFlag(userID, false, true) }

func (m *MemoryStore) Expire(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.CreditSeconds = 0
	u.Connected = false
	m.users[userID] = u
	return nil
}

func (m *MemoryStore) IterateActive(_ context.Context) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		if u.CreditSeconds > 0 && !u.Paused {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendSale(_ context.Context, sale Sale) error {
	if sale.ID == "" {
		sale.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sales = append(m.sales, sale)
	return nil
}

func (m *MemoryStore) ListSales(_ context.Context, since time.Time) ([]Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Sale, 0, len(m.sales))
	for _, s := range m.sales {
		if !s.Timestamp.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertSource(_ context.Context, src Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[src.ID] = src
	return nil
}

func (m *MemoryStore) GetSource(_ context.Context, id string) (Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sources[id]
	if !ok {
		return Source{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) ListSources(_ context.Context) ([]Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Source, 0, len(m.sources))
	for _, s := range m.sources {
		out = append(out, s)
	}
	return out, nil
}

func (m *MemoryStore) TouchSourceHeartbeat(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok {
		return ErrNotFound
	}
	s.LastActiveAt = at
	m.sources[id] = s
	return nil
}

func (m *MemoryStore) ListRates(_ context.Context) ([]Rate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Rate, 0, len(m.rates))
	for _, r := range m.rates {
		out = append(out, r)
	}
	return out, nil
}

func (m *MemoryStore) UpsertRate(_ context.Context, r Rate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates[r.ID] = r
	return nil
}

func (m *MemoryStore) GetFailureRecord(_ context.Context, mac string) (FailureRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.failures[normMAC(mac)]
	if !ok {
		return FailureRecord{MAC: normMAC(mac)}, nil
	}
	return rec, nil
}

func (m *MemoryStore) IncrementFailure(_ context.Context, mac string, banUntil *time.Time) (FailureRecord, error) {
	mac = normMAC(mac)
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.failures[mac]
	rec.MAC = mac
	rec.Count++
	if banUntil != nil {
		rec.BannedUntil = banUntil
	}
	m.failures[mac] = rec
	return rec, nil
}

func (m *MemoryStore) ClearFailure(_ context.Context, mac string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, normMAC(mac))
	return nil
}

func (m *MemoryStore) EnqueueEvent(_ context.Context, evt OperatorEvent) (string, error) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Status == "" {
		evt.Status = EventPending
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[evt.ID] = evt
	return evt.ID, nil
}

func (m *MemoryStore) DequeueEvents(_ context.Context, limit int) ([]OperatorEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	out := make([]OperatorEvent, 0, limit)
	for _, e := range m.events {
		if e.Status != EventPending {
			continue
		}
		if !e.NextAttemptAt.IsZero() && e.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkEventProcessing(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = EventProcessing
	m.events[id] = e
	return nil
}

func (m *MemoryStore) MarkEventDelivered(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = EventDelivered
	m.events[id] = e
	return nil
}

func (m *MemoryStore) MarkEventFailed(_ context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	e.Attempts++
	e.LastError = errMsg
	e.NextAttemptAt = nextAttemptAt
	if e.Attempts >= 10 {
		e.Status = EventDeadLetter
	} else {
		e.Status = EventPending
	}
	m.events[id] = e
	return nil
}
