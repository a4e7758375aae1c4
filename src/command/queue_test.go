package command

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/mural/src/common"
)

func newTestCommand(t *testing.T, cache *Cache, id uint32) *Command {
	cmd := cache.Alloc(uuid.Nil, "", 64)
	if err := cmd.Fill(newPingData(t, id)); err != nil {
		t.Fatal(err)
	}
	return cmd
}

func requestID(t *testing.T, cmd *Command) uint32 {
	var ping struct{ RequestID uint32 }
	if err := cmd.Decode(&ping); err != nil {
		t.Fatal(err)
	}
	return ping.RequestID
}

func TestQueueOrder(t *testing.T) {
	cache := NewCache()
	q := NewQueue("test", common.NewTestEntry(t, common.TestLogLevel))
	defer q.Close()

	for i := uint32(1); i <= 3; i++ {
		q.Push(newTestCommand(t, cache, i))
	}
	q.PushFront(newTestCommand(t, cache, 100))
	q.Push(newTestCommand(t, cache, 4))

	expected := []uint32{100, 1, 2, 3, 4}
	for _, e := range expected {
		cmd := q.Pop()
		if id := requestID(t, cmd); id != e {
			t.Fatalf("expected %d, got %d", e, id)
		}
	}
}

func TestQueuePopReleasesPrevious(t *testing.T) {
	cache := NewCache()
	q := NewQueue("test", common.NewTestEntry(t, common.TestLogLevel))
	defer q.Close()

	q.Push(newTestCommand(t, cache, 1))
	q.Push(newTestCommand(t, cache, 2))

	first := q.Pop()
	if first.IsFree() {
		t.Fatalf("popped command should be valid until the next pop")
	}

	second := q.Pop()
	if !first.IsFree() {
		t.Fatalf("second pop should release the first command")
	}

	second.Retain()
	if q.TryPop() != nil {
		t.Fatalf("TryPop on an empty queue should return nil")
	}
	if second.IsFree() {
		t.Fatalf("retained command should survive the next pop")
	}
	second.Release()
}

func TestQueuePopBlocks(t *testing.T) {
	cache := NewCache()
	q := NewQueue("test", common.NewTestEntry(t, common.TestLogLevel))
	defer q.Close()

	got := make(chan uint32)
	go func() {
		got <- requestID(t, q.Pop())
	}()

	select {
	case <-got:
		t.Fatalf("Pop returned on an empty queue")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push(newTestCommand(t, cache, 7))

	select {
	case id := <-got:
		if id != 7 {
			t.Fatalf("expected 7, got %d", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("Pop did not wake up")
	}
}

func TestQueuePopTimeout(t *testing.T) {
	q := NewQueue("test", common.NewTestEntry(t, common.TestLogLevel))
	defer q.Close()

	start := time.Now()
	cmd, ok := q.PopTimeout(20 * time.Millisecond)
	if ok || cmd != nil {
		t.Fatalf("PopTimeout on an empty queue should fail")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("PopTimeout returned early")
	}
}

func TestQueueCloseDrains(t *testing.T) {
	cache := NewCache()
	q := NewQueue("test", common.NewTestEntry(t, common.TestLogLevel))

	cmds := []*Command{newTestCommand(t, cache, 1), newTestCommand(t, cache, 2)}
	for _, cmd := range cmds {
		q.Push(cmd)
	}

	done := make(chan struct{})
	go func() {
		// drains the two commands, then blocks until Close
		q.Pop()
		q.Pop()
		if q.Pop() != nil {
			t.Errorf("Pop on a closed queue should return nil")
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Close did not wake up the consumer")
	}

	for i, cmd := range cmds {
		if !cmd.IsFree() {
			t.Fatalf("command %d should be released", i)
		}
	}

	late := newTestCommand(t, cache, 3)
	q.Push(late)
	if !late.IsFree() {
		t.Fatalf("Push on a closed queue should release the command")
	}
}

func TestQueueCloseWithPending(t *testing.T) {
	cache := NewCache()
	q := NewQueue("test", common.NewTestEntry(t, common.TestLogLevel))

	cmd := newTestCommand(t, cache, 1)
	q.Push(cmd)
	q.Close()

	if !cmd.IsFree() {
		t.Fatalf("pending command should be released on Close")
	}
}

func TestQueueBack(t *testing.T) {
	cache := NewCache()
	q := NewQueue("test", common.NewTestEntry(t, common.TestLogLevel))
	defer q.Close()

	if q.Back(func(*Command) {}) {
		t.Fatalf("Back on an empty queue should report false")
	}

	q.Push(newTestCommand(t, cache, 1))
	q.Push(newTestCommand(t, cache, 2))

	var id uint32
	q.Back(func(cmd *Command) { id = requestID(t, cmd) })
	if id != 2 || q.Len() != 2 {
		t.Fatalf("Back should peek the newest command without popping it")
	}
}
