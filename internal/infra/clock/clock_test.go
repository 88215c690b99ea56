package clock

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestManual(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManual(start)
	if !c.Now().Equal(start) {
		t.Fatal("start time")
	}
	if got := c.Advance(time.Minute); !got.Equal(start.Add(time.Minute)) || !c.Now().Equal(got) {
		t.Fatalf("advance: %v", got)
	}
	c.Set(start)
	if !c.Now().Equal(start) {
		t.Fatal("set")
	}
}

func TestUUID(t *testing.T) {
	a, b := UUID{}.NewID(), UUID{}.NewID()
	if a == b {
		t.Fatal("ids collide")
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Fatalf("not a uuid: %v", err)
	}
}
