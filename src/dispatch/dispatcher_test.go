package dispatch

import (
	"testing"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/mural/src/command"
	"github.com/mosaicnetworks/mural/src/common"
	"github.com/mosaicnetworks/mural/src/packet"
)

func newCommand(t *testing.T, cache *command.Cache, cmdID uint32) *command.Command {
	data, err := packet.NewNodePacket(cmdID, &packet.Ping{RequestID: 1}).Marshal()
	if err != nil {
		t.Fatal(err)
	}
	cmd := cache.Alloc(uuid.Nil, "", uint64(len(data)))
	if err := cmd.Fill(data); err != nil {
		t.Fatal(err)
	}
	return cmd
}

func TestDispatchUnregistered(t *testing.T) {
	d := NewDispatcher()
	cache := command.NewCache()

	cmd := newCommand(t, cache, packet.CmdNodePing)
	defer cmd.Release()

	if ok, _ := d.DispatchCommand(cmd); ok {
		t.Fatalf("dispatching an unregistered command should fail")
	}
	if cmd.RefCount() != 1 {
		t.Fatalf("failed dispatch should not take a reference")
	}
}

func TestDispatchInline(t *testing.T) {
	d := NewDispatcher()
	cache := command.NewCache()

	calls := 0
	d.RegisterCommand(packet.CmdNodePing, func(cmd *command.Command) Result {
		calls++
		return Error
	}, nil)

	if !d.Registered(packet.CmdNodePing) {
		t.Fatalf("command should be registered")
	}

	cmd := newCommand(t, cache, packet.CmdNodePing)
	defer cmd.Release()

	ok, res := d.DispatchCommand(cmd)
	if !ok || res != Error {
		t.Fatalf("inline dispatch should report the handler result, got %v %v", ok, res)
	}
	if calls != 1 {
		t.Fatalf("handler should run once, ran %d times", calls)
	}
}

func TestDispatchQueued(t *testing.T) {
	d := NewDispatcher()
	cache := command.NewCache()
	queue := command.NewQueue("test", common.NewTestEntry(t, common.TestLogLevel))
	defer queue.Close()

	calls := 0
	d.RegisterCommand(packet.CmdNodePing, func(cmd *command.Command) Result {
		calls++
		return Handled
	}, queue)

	cmd := newCommand(t, cache, packet.CmdNodePing)
	if ok, _ := d.DispatchCommand(cmd); !ok {
		t.Fatalf("dispatch should succeed")
	}
	if calls != 0 {
		t.Fatalf("queued handler should not run on dispatch")
	}

	// the queue holds its own reference
	cmd.Release()
	if cmd.IsFree() {
		t.Fatalf("queued command should still be held")
	}

	popped := queue.Pop()
	if popped != cmd {
		t.Fatalf("unexpected command in queue")
	}
	if res := d.InvokeCommand(popped); res != Handled || calls != 1 {
		t.Fatalf("InvokeCommand should run the handler, got %v after %d calls", res, calls)
	}

	d.Unregister(packet.CmdNodePing)
	if res := d.InvokeCommand(popped); res != Discard {
		t.Fatalf("unregistered command should be discarded, got %v", res)
	}
}
