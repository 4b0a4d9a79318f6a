package hub

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"virtualworld/pkg/frame"
)

func testConn(queueDepth int) *Connection {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return &Connection{
		hub:    &Hub{logger: logger},
		id:     "c1",
		userID: "alice",
		send:   make(chan []byte, queueDepth),
	}
}

func TestEnqueueDropsOldestWhenFull(t *testing.T) {
	t.Parallel()
	c := testConn(2)

	if !c.Enqueue(frame.Encode(frame.TypePong, struct{}{})) {
		t.Fatal("first enqueue should succeed cleanly")
	}
	if !c.Enqueue(frame.Encode(frame.TypePong, struct{}{})) {
		t.Fatal("second enqueue should succeed cleanly")
	}
	// Queue full: the third enqueue reports the drop but still lands.
	if c.Enqueue(frame.Encode(frame.TypeMessage, frame.MessageOut{MessageID: "m3"})) {
		t.Error("enqueue into a full queue should report the drop")
	}
	if got := len(c.send); got != 2 {
		t.Errorf("queue depth after drop = %d, want 2", got)
	}
}

func TestFloodBudget(t *testing.T) {
	t.Parallel()
	c := testConn(1)

	for i := 0; i < floodLimit; i++ {
		if c.recordValidationError() {
			t.Fatalf("budget tripped at event %d, limit is %d", i+1, floodLimit)
		}
	}
	if !c.recordValidationError() {
		t.Errorf("budget should trip past %d events in the window", floodLimit)
	}
}

func TestFloodBudgetWindowExpires(t *testing.T) {
	t.Parallel()
	c := testConn(1)

	// Stale events outside the window do not count.
	old := time.Now().Add(-2 * floodWindow)
	for i := 0; i < floodLimit; i++ {
		c.floodEvents = append(c.floodEvents, old)
	}
	if c.recordValidationError() {
		t.Error("expired events should not trip the budget")
	}
	if len(c.floodEvents) != 1 {
		t.Errorf("kept %d events, want only the fresh one", len(c.floodEvents))
	}
}

func TestLandRoomTracking(t *testing.T) {
	t.Parallel()
	c := testConn(1)
	if c.LandRoom() != "" {
		t.Error("fresh connection should have no land room")
	}
	c.SetLandRoom("land_3_3")
	if c.LandRoom() != "land_3_3" {
		t.Errorf("land room = %q, want land_3_3", c.LandRoom())
	}
}
