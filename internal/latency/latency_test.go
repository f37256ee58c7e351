package latency

import (
	"testing"
	"time"

	"github.com/crusader-labs/lull/internal/model"
)

func TestPushEvictsOldestPastCapacity(t *testing.T) {
	var updates int
	d := NewData(3, func() { updates++ })

	for i := 0; i < 5; i++ {
		d.Push(model.RawPing{Index: uint64(i), Sent: time.Duration(i) * time.Millisecond})
	}

	got, _ := d.Snapshot()
	if len(got) != 3 {
		t.Fatalf("len(got) = %d, want 3", len(got))
	}
	want := []uint64{2, 3, 4}
	for i, p := range got {
		if p.Index != want[i] {
			t.Fatalf("got[%d].Index = %d, want %d", i, p.Index, want[i])
		}
	}
	if updates != 5 {
		t.Fatalf("updates = %d, want 5", updates)
	}
}

func TestSetStateAndSnapshot(t *testing.T) {
	d := NewData(4, nil)
	if _, s := d.Snapshot(); s != Connecting {
		t.Fatalf("initial state = %v, want Connecting", s)
	}
	d.SetState(Syncing)
	if d.State() != Syncing {
		t.Fatalf("State() = %v, want Syncing", d.State())
	}
	d.SetState(Monitoring)
	_, s := d.Snapshot()
	if s != Monitoring {
		t.Fatalf("Snapshot state = %v, want Monitoring", s)
	}
}

func TestHistoryCapacity(t *testing.T) {
	cases := []struct {
		history, interval int64
		want              int
	}{
		{10_000_000, 100_000, 100},
		{0, 100_000, 1},
		{10_000_000, 0, 1},
	}
	for _, c := range cases {
		if got := HistoryCapacity(c.history, c.interval); got != c.want {
			t.Fatalf("HistoryCapacity(%d, %d) = %d, want %d", c.history, c.interval, got, c.want)
		}
	}
}

func TestNewDataMinimumCapacity(t *testing.T) {
	d := NewData(0, nil)
	d.Push(model.RawPing{Index: 1})
	d.Push(model.RawPing{Index: 2})
	got, _ := d.Snapshot()
	if len(got) != 1 || got[0].Index != 2 {
		t.Fatalf("got %+v, want single most-recent entry", got)
	}
}
