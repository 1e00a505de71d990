package store

import (
	"sort"
	"sync"

	"github.com/chainguild/cgp/protocol/event"
)

// MemoryStore is a process-memory LogStore: a mutex-guarded map of ordered
// per-guild event slices, with a seq→index side index so DeleteEvent finds
// its event without a scan (removal itself is O(n): it shifts the slice and
// renumbers the index entries after it), and a separate heads map so the next
// expected seq survives interior deletes (mirrors SQLiteStore's heads
// table; len(log) alone would undercount once retention pruning has
// removed a non-tail event).
type MemoryStore struct {
	mu      sync.RWMutex
	logs    map[event.GuildID][]event.Event
	indexOf map[event.GuildID]map[uint64]int
	heads   map[event.GuildID]int64
}

// NewMemoryStore returns an empty in-memory LogStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs:    map[event.GuildID][]event.Event{},
		indexOf: map[event.GuildID]map[uint64]int{},
		heads:   map[event.GuildID]int64{},
	}
}

func (m *MemoryStore) Append(guild event.GuildID, e event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	head, ok := m.heads[guild]
	if !ok {
		head = -1
	}
	if e.Seq != uint64(head+1) {
		return ErrOutOfOrder
	}
	idx, ok := m.indexOf[guild]
	if !ok {
		idx = map[uint64]int{}
		m.indexOf[guild] = idx
	}
	log := m.logs[guild]
	idx[e.Seq] = len(log)
	m.logs[guild] = append(log, e)
	m.heads[guild] = int64(e.Seq)
	return nil
}

func (m *MemoryStore) GetLog(guild event.GuildID) ([]event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.logs[guild]
	out := make([]event.Event, 0, len(log))
	for _, e := range log {
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryStore) GetLastEvent(guild event.GuildID) (event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.logs[guild]
	if len(log) == 0 {
		return event.Event{}, ErrGuildNotFound
	}
	return log[len(log)-1], nil
}

func (m *MemoryStore) GetGuildIDs() ([]event.GuildID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]event.GuildID, 0, len(m.logs))
	for id, log := range m.logs {
		if len(log) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (m *MemoryStore) DeleteEvent(guild event.GuildID, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexOf[guild]
	if !ok {
		return ErrGuildNotFound
	}
	i, ok := idx[seq]
	if !ok {
		return ErrEventNotFound
	}
	log := m.logs[guild]
	log = append(log[:i], log[i+1:]...)
	m.logs[guild] = log
	delete(idx, seq)
	for s, pos := range idx {
		if pos > i {
			idx[s] = pos - 1
		}
	}
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
