package tasks

import "time"

// Capacities bounds each partition. A zero value means unbounded.
type Capacities struct {
	Active    int
	Completed int
	Failed    int
}

func DefaultCapacities() Capacities {
	return Capacities{Active: 20, Completed: 100, Failed: 50}
}

func (c Capacities) For(p Partition) int {
	switch p {
	case PartitionCompleted:
		return c.Completed
	case PartitionFailed:
		return c.Failed
	default:
		return c.Active
	}
}

// Partitions is an immutable view of the three retention buckets. Apply
// never mutates its input; it returns a value that shares every map it did
// not need to touch.
type Partitions struct {
	Active    map[string]Record
	Completed map[string]Record
	Failed    map[string]Record
}

func (p Partitions) bucket(name Partition) map[string]Record {
	switch name {
	case PartitionCompleted:
		return p.Completed
	case PartitionFailed:
		return p.Failed
	default:
		return p.Active
	}
}

func (p *Partitions) setBucket(name Partition, m map[string]Record) {
	switch name {
	case PartitionCompleted:
		p.Completed = m
	case PartitionFailed:
		p.Failed = m
	default:
		p.Active = m
	}
}

// Lookup finds id across all buckets.
func (p Partitions) Lookup(id string) (Record, Partition, bool) {
	for _, name := range AllPartitions {
		if rec, ok := p.bucket(name)[id]; ok {
			return rec, name, true
		}
	}
	return Record{}, "", false
}

func (p Partitions) Len(name Partition) int {
	return len(p.bucket(name))
}

func (p Partitions) Total() int {
	return len(p.Active) + len(p.Completed) + len(p.Failed)
}

type OutcomeKind string

const (
	OutcomeInserted OutcomeKind = "inserted"
	OutcomeUpdated  OutcomeKind = "updated"
	OutcomeStale    OutcomeKind = "stale"
	OutcomeInvalid  OutcomeKind = "invalid"
	OutcomeExists   OutcomeKind = "exists"
)

// Outcome describes what a single transition did.
type Outcome struct {
	Kind OutcomeKind
	// From is empty when the id was not previously held.
	From Partition
	To   Partition
	// Evicted is set when the insert pushed To over capacity. It may be the
	// record that was just inserted.
	Evicted *Record
}

// Applied reports whether the partitions changed.
func (o Outcome) Applied() bool {
	return o.Kind == OutcomeInserted || o.Kind == OutcomeUpdated
}

// Placed reports whether the incoming record is still held after eviction.
func (o Outcome) Placed(id string) bool {
	return o.Applied() && (o.Evicted == nil || o.Evicted.ID != id)
}

// Apply runs the transition for one incoming record: stale rejection, removal
// from the previous bucket, insertion into the bucket for its status and
// oldest-first eviction when that bucket overflows.
func Apply(p Partitions, rec Record, caps Capacities) (Partitions, Outcome) {
	if rec.ID == "" || !rec.Status.Valid() {
		return p, Outcome{Kind: OutcomeInvalid}
	}
	existing, from, found := p.Lookup(rec.ID)
	if found && existing.UpdatedAt.After(rec.UpdatedAt) {
		return p, Outcome{Kind: OutcomeStale, From: from, To: from}
	}

	rec = rec.withDerived()
	if found && rec.CreatedAt.IsZero() {
		rec.CreatedAt = existing.CreatedAt
	}

	next := p
	to := rec.Status.Partition()
	out := Outcome{Kind: OutcomeInserted, To: to}
	if found {
		out.Kind = OutcomeUpdated
		out.From = from
		if from != to {
			next.setBucket(from, without(p.bucket(from), rec.ID))
		}
	}

	target := with(next.bucket(to), rec)
	if limit := caps.For(to); limit > 0 && len(target) > limit {
		victim := oldest(target)
		delete(target, victim.ID)
		out.Evicted = &victim
	}
	next.setBucket(to, target)
	return next, out
}

// oldest picks the member with the smallest UpdatedAt; ties go to the
// lexically smaller id so the choice does not depend on map order.
func oldest(m map[string]Record) Record {
	var (
		victim Record
		first  = true
	)
	for _, rec := range m {
		if first || rec.UpdatedAt.Before(victim.UpdatedAt) ||
			(rec.UpdatedAt.Equal(victim.UpdatedAt) && rec.ID < victim.ID) {
			victim = rec
			first = false
		}
	}
	return victim
}

func with(m map[string]Record, rec Record) map[string]Record {
	out := make(map[string]Record, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[rec.ID] = rec
	return out
}

func without(m map[string]Record, id string) map[string]Record {
	out := make(map[string]Record, len(m))
	for k, v := range m {
		if k != id {
			out[k] = v
		}
	}
	return out
}

// Placeholder builds the started record used for optimistic insertion.
func Placeholder(id string, op OperationKind, now time.Time) Record {
	now = now.UTC().Truncate(time.Millisecond)
	return Record{
		ID:        id,
		Operation: op,
		Status:    StatusStarted,
		CreatedAt: now,
		UpdatedAt: now,
	}.withDerived()
}
