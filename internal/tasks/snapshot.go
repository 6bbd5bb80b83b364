package tasks

import (
	"sort"
	"time"
)

// HistoryState tracks the most recent history load.
type HistoryState struct {
	Loading  bool      `json:"loading"`
	Error    string    `json:"error,omitempty"`
	LoadedAt time.Time `json:"loaded_at,omitempty"`
	Count    int       `json:"count"`
}

// Snapshot is an immutable view of the store. Callers must not modify the
// maps it exposes.
type Snapshot struct {
	Version    uint64
	Partitions Partitions
	Visible    map[string]struct{}
	Connected  bool
	History    HistoryState
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Partitions: Partitions{
			Active:    map[string]Record{},
			Completed: map[string]Record{},
			Failed:    map[string]Record{},
		},
		Visible: map[string]struct{}{},
	}
}

func (s *Snapshot) IsVisible(id string) bool {
	_, ok := s.Visible[id]
	return ok
}

func (s *Snapshot) Get(id string) (Record, bool) {
	rec, _, ok := s.Partitions.Lookup(id)
	return rec, ok
}

// All returns every record, active first, then completed, then failed; each
// bucket ordered newest first.
func (s *Snapshot) All() []Record {
	out := make([]Record, 0, s.Partitions.Total())
	for _, name := range AllPartitions {
		out = append(out, sortedNewestFirst(s.Partitions.bucket(name))...)
	}
	return out
}

func (s *Snapshot) Partition(name Partition) []Record {
	return sortedNewestFirst(s.Partitions.bucket(name))
}

func (s *Snapshot) ByOperation(op OperationKind) []Record {
	return s.filter(func(r Record) bool { return r.Operation == op })
}

func (s *Snapshot) ByStatus(status Status) []Record {
	return s.filter(func(r Record) bool { return r.Status == status })
}

// ByRange keeps records whose UpdatedAt lies in [start, end].
func (s *Snapshot) ByRange(start, end time.Time) []Record {
	return s.filter(func(r Record) bool {
		return !r.UpdatedAt.Before(start) && !r.UpdatedAt.After(end)
	})
}

// Notifications returns the visible records, newest first.
func (s *Snapshot) Notifications() []Record {
	out := make([]Record, 0, len(s.Visible))
	for id := range s.Visible {
		if rec, ok := s.Get(id); ok {
			out = append(out, rec)
		}
	}
	sortNewestFirst(out)
	return out
}

func (s *Snapshot) filter(keep func(Record) bool) []Record {
	var out []Record
	for _, rec := range s.All() {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out
}

func sortedNewestFirst(m map[string]Record) []Record {
	out := make([]Record, 0, len(m))
	for _, rec := range m {
		out = append(out, rec)
	}
	sortNewestFirst(out)
	return out
}

func sortNewestFirst(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].UpdatedAt.Equal(recs[j].UpdatedAt) {
			return recs[i].UpdatedAt.After(recs[j].UpdatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
