package store

import (
	"context"
	"sort"

	"geotrack-svr/internal/codec"
)

// Memory keeps statuses in a map of per-source slices sorted by timestamp.
// Nothing survives a restart.
type Memory struct {
	statuses map[codec.SourceID][]codec.Status
	dupes    DupeStrategy
}

func NewMemory(dupes DupeStrategy) *Memory {
	return &Memory{
		statuses: make(map[codec.SourceID][]codec.Status),
		dupes:    dupes,
	}
}

func (m *Memory) PersistStatus(_ context.Context, s codec.Status) error {
	resolved, changed := m.dupes.Resolve(m.lookup(s.Key()), s)
	if changed {
		m.put(resolved)
	}
	return nil
}

func (m *Memory) GetStatuses(_ context.Context, id codec.SourceID, r TimeRange) ([]codec.Status, error) {
	list := m.statuses[id]
	start := sort.Search(len(list), func(i int) bool {
		return r.AfterStart(list[i].Timestamp)
	})
	out := []codec.Status{}
	for _, s := range list[start:] {
		if !r.BeforeEnd(s.Timestamp) {
			break
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}

// Sources returns how many distinct sources are stored.
func (m *Memory) Sources() int {
	return len(m.statuses)
}

// lookup returns a copy of the record stored under k, or nil.
func (m *Memory) lookup(k codec.Key) *codec.Status {
	list := m.statuses[k.SourceID]
	i, found := search(list, k.Unix)
	if !found {
		return nil
	}
	s := list[i]
	return &s
}

// put stores s as the final value for its key, bypassing the strategy.
func (m *Memory) put(s codec.Status) {
	list := m.statuses[s.SourceID]
	i, found := search(list, s.Timestamp.Unix())
	if found {
		list[i] = s
		return
	}
	list = append(list, codec.Status{})
	copy(list[i+1:], list[i:])
	list[i] = s
	m.statuses[s.SourceID] = list
}

func search(list []codec.Status, unix int64) (int, bool) {
	i := sort.Search(len(list), func(i int) bool {
		return list[i].Timestamp.Unix() >= unix
	})
	return i, i < len(list) && list[i].Timestamp.Unix() == unix
}
