// Package ledger holds one player's resource balances.
//
// Entries are keyed by (type, owner) so a player can never end up with two
// balances for the same resource. A Ledger is not safe for concurrent use;
// it belongs to the session goroutine that owns the player.
package ledger

import (
	"errors"
	"sort"

	"github.com/google/uuid"
	"harvest-exchange/internal/model"
)

var ErrInvalidAmount = errors.New("amount must be a positive integer")

type entryKey struct {
	typ   model.ResourceType
	owner string
}

type Ledger struct {
	owner   string
	entries map[entryKey]*model.Resource
}

func New(owner string) *Ledger {
	return &Ledger{owner: owner, entries: make(map[entryKey]*model.Resource)}
}

// Load rebuilds a ledger from persisted entries. Entries with the same
// (type, owner) are merged by summing their amounts; negative amounts are
// clamped to zero.
func Load(owner string, resources []model.Resource) *Ledger {
	l := New(owner)
	for _, r := range resources {
		if r.OwnerID == "" {
			r.OwnerID = owner
		}
		if r.Amount < 0 {
			r.Amount = 0
		}
		k := entryKey{r.Type, r.OwnerID}
		if e, ok := l.entries[k]; ok {
			e.Amount += r.Amount
			continue
		}
		cp := r
		if cp.ID == "" {
			cp.ID = newEntryID(cp.Type)
		}
		l.entries[k] = &cp
	}
	return l
}

func (l *Ledger) Owner() string { return l.owner }

// ── Mutations ────────────────────────────────────────

// AddResource credits amount of t, creating the entry if needed.
func (l *Ledger) AddResource(t model.ResourceType, amount int) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	k := entryKey{t, l.owner}
	e, ok := l.entries[k]
	if !ok {
		e = &model.Resource{ID: newEntryID(t), Type: t, OwnerID: l.owner}
		l.entries[k] = e
	}
	e.Amount += amount
	return nil
}

// RemoveResource debits amount of t. It returns false and leaves the
// ledger untouched when the entry is missing or too small.
func (l *Ledger) RemoveResource(t model.ResourceType, amount int) bool {
	if amount <= 0 {
		return false
	}
	e, ok := l.entries[entryKey{t, l.owner}]
	if !ok || e.Amount < amount {
		return false
	}
	e.Amount -= amount
	return true
}

// ── Queries ──────────────────────────────────────────

func (l *Ledger) Balance(t model.ResourceType) int {
	if e, ok := l.entries[entryKey{t, l.owner}]; ok {
		return e.Amount
	}
	return 0
}

// Has reports whether an entry for t exists holding at least amount.
func (l *Ledger) Has(t model.ResourceType, amount int) bool {
	e, ok := l.entries[entryKey{t, l.owner}]
	return ok && e.Amount >= amount
}

// Totals returns the owner's balance for every known resource type.
func (l *Ledger) Totals() map[model.ResourceType]int {
	out := make(map[model.ResourceType]int, len(model.ResourceTypes))
	for _, t := range model.ResourceTypes {
		out[t] = l.Balance(t)
	}
	return out
}

// Snapshot returns copies of all entries, ordered by owner then type.
func (l *Ledger) Snapshot() []model.Resource {
	out := make([]model.Resource, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OwnerID != out[j].OwnerID {
			return out[i].OwnerID < out[j].OwnerID
		}
		return out[i].Type < out[j].Type
	})
	return out
}

func (l *Ledger) Clone() *Ledger {
	return Load(l.owner, l.Snapshot())
}

func newEntryID(t model.ResourceType) string {
	return string(t) + "-" + uuid.New().String()
}
