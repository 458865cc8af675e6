package transcript

import (
	"strings"
	"sync"
)

// Event is one engine update for the utterance in progress. A partial event
// may be revised; a final one concludes the utterance.
type Event struct {
	Text    string `json:"text"`
	Partial bool   `json:"partial"`
}

// Entry is one utterance in the history. Entries stop changing once
// Partial is false.
type Entry struct {
	Index    int    `json:"index"`
	Text     string `json:"text"`
	Partial  bool   `json:"partial"`
	Revision uint64 `json:"revision"`
}

type MutationKind string

const (
	MutationAppend MutationKind = "append"
	MutationUpdate MutationKind = "update"
)

// Mutation describes one display change produced by Apply.
type Mutation struct {
	Kind  MutationKind `json:"kind"`
	Entry Entry        `json:"entry"`
}

// Delta lists the entries changed after a given version.
type Delta struct {
	Version uint64  `json:"version"`
	Entries []Entry `json:"entries"`
}

// Reconciler folds event batches into an append-only history in which only
// the trailing entry may be partial.
type Reconciler struct {
	mu      sync.RWMutex
	entries []Entry
	version uint64
}

func NewReconciler() *Reconciler {
	return &Reconciler{}
}

// Apply folds events into the history in order and returns the resulting
// mutations. Several updates to the same entry within one batch are
// reported individually.
func (r *Reconciler) Apply(events []Event) []Mutation {
	if len(events) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	mutations := make([]Mutation, 0, len(events))
	for _, e := range events {
		r.version++
		last := len(r.entries) - 1
		if last < 0 || !r.entries[last].Partial {
			entry := Entry{Index: last + 1, Text: e.Text, Partial: e.Partial, Revision: r.version}
			r.entries = append(r.entries, entry)
			mutations = append(mutations, Mutation{Kind: MutationAppend, Entry: entry})
			continue
		}
		// A final event finalizes even when its text is empty or unchanged.
		entry := &r.entries[last]
		entry.Text = e.Text
		entry.Partial = e.Partial
		entry.Revision = r.version
		mutations = append(mutations, Mutation{Kind: MutationUpdate, Entry: *entry})
	}
	return mutations
}

// Snapshot returns a copy of the full history.
func (r *Reconciler) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Entry(nil), r.entries...)
}

// Since returns entries whose revision is newer than version. Only the
// trailing partial entry is ever revised, so the scan stops at the first
// entry at or below version.
func (r *Reconciler) Since(version uint64) Delta {
	r.mu.RLock()
	defer r.mu.RUnlock()

	start := len(r.entries)
	for start > 0 && r.entries[start-1].Revision > version {
		start--
	}
	return Delta{
		Version: r.version,
		Entries: append([]Entry{}, r.entries[start:]...),
	}
}

func (r *Reconciler) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Text joins the text of every entry with newlines.
func (r *Reconciler) Text() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var b strings.Builder
	for i, e := range r.entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.Text)
	}
	return b.String()
}
