package strategy

import (
	"fmt"
	"testing"
	"time"

	"polymarket-updown/pkg/types"
)

func TestDedupSetRemembersAndEvicts(t *testing.T) {
	t.Parallel()

	d := NewDedupSet(3)
	if d.Seen("a") {
		t.Error("fresh hash reported as seen")
	}
	if !d.Seen("a") {
		t.Error("repeated hash not reported as seen")
	}

	d.Seen("b")
	d.Seen("c")
	// Capacity 3 is full; inserting "d" evicts the oldest ("a").
	d.Seen("d")
	if d.Len() != 3 {
		t.Errorf("len = %d, want 3", d.Len())
	}
	if d.Seen("a") {
		t.Error("evicted hash still reported as seen")
	}
	if !d.Seen("d") {
		t.Error("recent hash lost")
	}
}

func TestDedupSetChurn(t *testing.T) {
	t.Parallel()

	d := NewDedupSet(8)
	for i := range 100 {
		if d.Seen(fmt.Sprintf("tx-%d", i)) {
			t.Fatalf("tx-%d falsely seen", i)
		}
	}
	if d.Len() != 8 {
		t.Errorf("len = %d, want 8", d.Len())
	}
}

func TestFlowWindowEviction(t *testing.T) {
	t.Parallel()

	f := NewFlow(30 * time.Second)
	key := types.MarketKey{Slug: "m", Outcome: types.OutcomeUp}
	now := time.Now()

	f.Record(key, 10, now.Add(-40*time.Second)) // stale
	f.Record(key, 5, now.Add(-10*time.Second))
	f.Record(key, 5, now)

	if got := f.WindowUSD(key, now); got != 10 {
		t.Errorf("WindowUSD = %v, want 10", got)
	}
	// $10 of $20 reference volume confirms at 0.5.
	if got := f.Confirmation(key, now); got != 0.5 {
		t.Errorf("Confirmation = %v, want 0.5", got)
	}

	other := types.MarketKey{Slug: "m", Outcome: types.OutcomeDown}
	if got := f.Confirmation(other, now); got != 0 {
		t.Errorf("opposite outcome confirmation = %v, want 0", got)
	}

	f.Forget("m")
	if got := f.WindowUSD(key, now); got != 0 {
		t.Errorf("after Forget = %v, want 0", got)
	}
}
