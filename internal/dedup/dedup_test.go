package dedup

import (
	"fmt"
	"testing"
	"time"
)

func TestSeenMarksAndChecks(t *testing.T) {
	c := New(time.Minute, 10)

	if c.Seen("1:1") {
		t.Fatalf("fresh key reported as seen")
	}
	if !c.Seen("1:1") {
		t.Fatalf("repeated key not reported as seen")
	}
	if c.Seen("1:2") {
		t.Fatalf("distinct key reported as seen")
	}
}

func TestSeenExpiresAfterTTL(t *testing.T) {
	c := New(time.Minute, 10)
	now := time.Now()
	c.now = func() time.Time { return now }

	if c.Seen("k") {
		t.Fatalf("fresh key reported as seen")
	}

	now = now.Add(2 * time.Minute)
	if c.Seen("k") {
		t.Fatalf("expired key still reported as seen")
	}
	if !c.Seen("k") {
		t.Fatalf("re-added key not reported as seen")
	}
}

func TestCapEvictsOldest(t *testing.T) {
	c := New(time.Hour, 3)

	for i := 0; i < 3; i++ {
		c.Seen(fmt.Sprintf("k%d", i))
	}
	c.Seen("k3") // evicts k0

	if c.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", c.Len())
	}
	if c.Seen("k0") {
		t.Fatalf("evicted key still reported as seen")
	}
	if !c.Seen("k3") {
		t.Fatalf("newest key not reported as seen")
	}
}
