package transcript

import (
	"math/rand"
	"testing"
)

func TestRevisionsCollapseIntoOneEntry(t *testing.T) {
	r := NewReconciler()
	mutations := r.Apply([]Event{
		{Text: "he", Partial: true},
		{Text: "hello", Partial: true},
		{Text: "hello world", Partial: false},
	})

	entries := r.Snapshot()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Text != "hello world" || entries[0].Partial {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
	if len(mutations) != 3 {
		t.Fatalf("expected 3 mutations, got %d", len(mutations))
	}
	if mutations[0].Kind != MutationAppend || mutations[1].Kind != MutationUpdate || mutations[2].Kind != MutationUpdate {
		t.Fatalf("unexpected mutation kinds: %+v", mutations)
	}
}

func TestPartialAfterFinalAppends(t *testing.T) {
	r := NewReconciler()
	r.Apply([]Event{{Text: "done", Partial: false}})
	r.Apply([]Event{{Text: "next", Partial: true}})

	entries := r.Snapshot()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Text != "done" || entries[0].Partial {
		t.Fatalf("finalized entry changed: %+v", entries[0])
	}
	if entries[1].Text != "next" || !entries[1].Partial || entries[1].Index != 1 {
		t.Fatalf("unexpected trailing entry: %+v", entries[1])
	}
}

func TestEmptyFinalStillFinalizes(t *testing.T) {
	r := NewReconciler()
	r.Apply([]Event{{Text: "maybe", Partial: true}, {Text: "", Partial: false}})
	entries := r.Snapshot()
	if len(entries) != 1 || entries[0].Text != "" || entries[0].Partial {
		t.Fatalf("expected empty finalized entry, got %+v", entries)
	}

	r.Apply([]Event{{Text: "same", Partial: true}, {Text: "same", Partial: false}})
	entries = r.Snapshot()
	if len(entries) != 2 || entries[1].Partial {
		t.Fatalf("unchanged final text must finalize, got %+v", entries)
	}
}

func TestAtMostOneTrailingPartial(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	r := NewReconciler()
	for batch := 0; batch < 200; batch++ {
		events := make([]Event, rng.Intn(5))
		for i := range events {
			events[i] = Event{Text: "w", Partial: rng.Intn(3) != 0}
		}
		r.Apply(events)

		entries := r.Snapshot()
		for i, e := range entries {
			if e.Partial && i != len(entries)-1 {
				t.Fatalf("batch %d: non-trailing partial entry at %d", batch, i)
			}
			if e.Index != i {
				t.Fatalf("batch %d: entry %d has index %d", batch, i, e.Index)
			}
		}
	}
}

func TestFinalizedEntriesNeverChange(t *testing.T) {
	r := NewReconciler()
	r.Apply([]Event{{Text: "first", Partial: false}, {Text: "sec", Partial: true}})
	before := r.Snapshot()[0]
	r.Apply([]Event{{Text: "second", Partial: true}, {Text: "second.", Partial: false}, {Text: "third", Partial: false}})
	after := r.Snapshot()
	if after[0] != before {
		t.Fatalf("finalized entry mutated: %+v -> %+v", before, after[0])
	}
	if len(after) != 3 || after[1].Text != "second." || after[2].Text != "third" {
		t.Fatalf("unexpected history: %+v", after)
	}
	if r.Text() != "first\nsecond.\nthird" {
		t.Fatalf("unexpected text: %q", r.Text())
	}
}

func TestSinceReturnsChangedEntries(t *testing.T) {
	r := NewReconciler()
	if d := r.Since(0); d.Version != 0 || len(d.Entries) != 0 {
		t.Fatalf("expected empty delta, got %+v", d)
	}
	r.Apply([]Event{{Text: "one", Partial: false}, {Text: "tw", Partial: true}})
	v := r.Version()

	if d := r.Since(v); len(d.Entries) != 0 || d.Version != v {
		t.Fatalf("expected no changes since %d, got %+v", v, d)
	}

	r.Apply([]Event{{Text: "two", Partial: true}})
	d := r.Since(v)
	if len(d.Entries) != 1 || d.Entries[0].Text != "two" || d.Entries[0].Index != 1 {
		t.Fatalf("expected revised trailing entry, got %+v", d)
	}

	r.Apply([]Event{{Text: "two!", Partial: false}, {Text: "three", Partial: true}})
	d = r.Since(v)
	if len(d.Entries) != 2 || d.Entries[0].Text != "two!" || d.Entries[1].Text != "three" {
		t.Fatalf("unexpected delta: %+v", d)
	}
	if all := r.Since(0); len(all.Entries) != 3 {
		t.Fatalf("expected full history from version 0, got %d entries", len(all.Entries))
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	r := NewReconciler()
	r.Apply([]Event{{Text: "keep", Partial: true}})
	snap := r.Snapshot()
	snap[0].Text = "tampered"
	if r.Snapshot()[0].Text != "keep" {
		t.Fatal("snapshot aliases history")
	}
	if r.Apply(nil) != nil || r.Version() != 1 {
		t.Fatal("empty batch must not change history")
	}
}
