package stage

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/mural/src/common"
	"github.com/mosaicnetworks/mural/src/config"
	"github.com/mosaicnetworks/mural/src/dispatch"
	"github.com/mosaicnetworks/mural/src/metrics"
	"github.com/mosaicnetworks/mural/src/net"
	"github.com/mosaicnetworks/mural/src/node"
	"github.com/mosaicnetworks/mural/src/object"
	"github.com/mosaicnetworks/mural/src/packet"
	"github.com/mosaicnetworks/mural/src/state"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type recorder struct {
	NopCallbacks

	mu       sync.Mutex
	frames   []uint32
	versions []object.Version
	finished []uint32
	exits    int

	failInit bool
	gate     chan struct{}
}

func (r *recorder) ConfigInit(initID uint32) bool {
	return !r.failInit
}

func (r *recorder) ConfigExit() bool {
	r.mu.Lock()
	r.exits++
	r.mu.Unlock()
	return true
}

func (r *recorder) FrameStart(frameID uint32, frame uint32, version object.Version) {
	r.mu.Lock()
	r.frames = append(r.frames, frame)
	r.versions = append(r.versions, version)
	r.mu.Unlock()
}

func (r *recorder) FrameFinish(frameID uint32, frame uint32) {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	r.finished = append(r.finished, frame)
	r.mu.Unlock()
}

func (r *recorder) startedFrames() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint32{}, r.frames...)
}

func newTestNode(t *testing.T) (*node.Node, *net.InmemTransport) {
	conf := config.NewTestConfig(t, common.TestLogLevel)
	_, trans := net.NewInmemTransport("")
	n := node.NewNode(conf, uuid.New(), trans)
	n.RunAsync()
	return n, trans
}

// buildTree attaches a node stage with pipes, each with one window holding
// one channel.
func buildTree(t *testing.T, tree *Tree, pipes int, model ThreadModel, cb Callbacks) []*Stage {
	opts := Options{Model: model, Timeout: time.Second}

	root, _, err := tree.NewStage(LevelNode, "node", 0, cb, opts)
	if err != nil {
		t.Fatal(err)
	}
	stages := []*Stage{root}

	for i := 0; i < pipes; i++ {
		pipe, _, err := tree.NewStage(LevelPipe, "pipe", root.ID(), cb, opts)
		if err != nil {
			t.Fatal(err)
		}
		window, _, err := tree.NewStage(LevelWindow, "window", pipe.ID(), cb, opts)
		if err != nil {
			t.Fatal(err)
		}
		channel, _, err := tree.NewStage(LevelChannel, "channel", window.ID(), cb, opts)
		if err != nil {
			t.Fatal(err)
		}
		stages = append(stages, pipe, window, channel)
	}
	return stages
}

func waitFor(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTree(t *testing.T) {
	n, _ := newTestNode(t)
	defer n.Shutdown()

	tree := NewTree(n)
	defer tree.Close()

	opts := Options{Model: DrawSync, Timeout: time.Second}

	root, detachRoot, err := tree.NewStage(LevelNode, "node", 0, nil, opts)
	if err != nil {
		t.Fatal(err)
	}
	if root.State() != state.Mapped || !root.IsRunning() {
		t.Fatalf("new stage should be mapped and running")
	}

	if _, _, err := tree.NewStage(LevelPipe, "pipe", 42, nil, opts); err != ErrUnknownStage {
		t.Fatalf("expected ErrUnknownStage, got %v", err)
	}
	if _, _, err := tree.NewStage(LevelNode, "node", root.ID(), nil, opts); err != ErrInvalidLevel {
		t.Fatalf("expected ErrInvalidLevel, got %v", err)
	}

	pipe, detachPipe, err := tree.NewStage(LevelPipe, "pipe", root.ID(), nil, opts)
	if err != nil {
		t.Fatal(err)
	}
	window, _, err := tree.NewStage(LevelWindow, "window", pipe.ID(), nil, opts)
	if err != nil {
		t.Fatal(err)
	}

	if p := tree.Parent(window.ID()); p != pipe {
		t.Fatalf("window parent should be the pipe")
	}
	if c := tree.Children(root.ID()); len(c) != 1 || c[0] != pipe {
		t.Fatalf("root should have the pipe as only child")
	}

	order := []uint32{}
	tree.Walk(func(s *Stage) bool {
		order = append(order, s.ID())
		return true
	})
	if len(order) != 3 || order[0] != root.ID() || order[1] != pipe.ID() || order[2] != window.ID() {
		t.Fatalf("walk should visit parents first, got %v", order)
	}

	if err := detachRoot(); err != ErrHasChildren {
		t.Fatalf("expected ErrHasChildren, got %v", err)
	}

	window.Stop()
	if window.IsRunning() {
		t.Fatalf("window goroutine should be stopped")
	}
	if err := detachPipe(); err != ErrHasChildren {
		t.Fatalf("expected ErrHasChildren, got %v", err)
	}

	// a running stage can not be detached
	_, detachLeaf, err := tree.NewStage(LevelChannel, "channel", pipe.ID(), nil, opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := detachLeaf(); err != ErrRunning {
		t.Fatalf("expected ErrRunning, got %v", err)
	}

	if tree.Len() != 4 {
		t.Fatalf("expected 4 stages, got %d", tree.Len())
	}
}

func TestDetach(t *testing.T) {
	n, _ := newTestNode(t)
	defer n.Shutdown()

	tree := NewTree(n)
	defer tree.Close()

	opts := Options{Model: Async}

	root, _, err := tree.NewStage(LevelNode, "node", 0, nil, opts)
	if err != nil {
		t.Fatal(err)
	}
	pipe, detach, err := tree.NewStage(LevelPipe, "pipe", root.ID(), nil, opts)
	if err != nil {
		t.Fatal(err)
	}

	pipe.Stop()
	if err := detach(); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if err := detach(); err != ErrDetached {
		t.Fatalf("expected ErrDetached, got %v", err)
	}
	if tree.Stage(pipe.ID()) != nil || len(root.Children()) != 0 {
		t.Fatalf("pipe should be removed from the tree")
	}
	if pipe.State() != state.Stopped {
		t.Fatalf("detached stage should be stopped, not %v", pipe.State())
	}

	// ids are not reused
	other, _, err := tree.NewStage(LevelPipe, "pipe", root.ID(), nil, opts)
	if err != nil {
		t.Fatal(err)
	}
	if other.ID() == pipe.ID() {
		t.Fatalf("stage id %d reused", other.ID())
	}

	// commands for the detached pipe are dropped right away instead of
	// waiting for the pending timeout
	dropped := n.GetStats()["dropped_commands"]
	err = n.SendLocal(packet.NewStagePacket(packet.CmdStageFrameStart, pipe.ID(), &packet.FrameStart{
		Version:     object.VersionFirst,
		FrameID:     1,
		FrameNumber: 1,
	}))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "the command for the detached stage to be dropped", func() bool {
		return n.GetStats()["dropped_commands"] != dropped
	})
	if other.CurrentFrame() != 0 {
		t.Fatalf("command for the detached stage reached stage %d", other.ID())
	}
}

func TestRouteDetached(t *testing.T) {
	n, _ := newTestNode(t)
	defer n.Shutdown()

	tree := NewTree(n)
	defer tree.Close()

	root, _, err := tree.NewStage(LevelNode, "node", 0, nil, Options{Model: Async})
	if err != nil {
		t.Fatal(err)
	}
	detachedID := root.ID()

	tree.Close()

	for _, tc := range []struct {
		id      uint32
		routed  bool
		result  dispatch.Result
		comment string
	}{
		{detachedID, true, dispatch.Discard, "detached"},
		{detachedID + 1, false, dispatch.Handled, "not attached yet"},
	} {
		data, err := packet.NewStagePacket(packet.CmdStageFrameStart, tc.id, &packet.FrameStart{
			Version:     object.VersionFirst,
			FrameID:     1,
			FrameNumber: 1,
		}).Marshal()
		if err != nil {
			t.Fatal(err)
		}
		cmd := n.Cache().Alloc(n.ID(), "", uint64(len(data)))
		if err := cmd.Fill(data); err != nil {
			t.Fatal(err)
		}
		routed, res := tree.RouteCommand(cmd)
		cmd.Release()
		if routed != tc.routed || res != tc.result {
			t.Fatalf("%s stage: got (%v, %v), expected (%v, %v)", tc.comment, routed, res, tc.routed, tc.result)
		}
	}
}

func TestFrames(t *testing.T) {
	for _, model := range []ThreadModel{Async, DrawSync, LocalSync} {
		t.Run(model.String(), func(t *testing.T) {
			n, _ := newTestNode(t)
			defer n.Shutdown()

			tree := NewTree(n)
			defer tree.Close()

			cb := &recorder{}
			stages := buildTree(t, tree, 2, model, cb)

			driver := NewDriver(n, 1, 2*time.Second)
			driver.AddTree(n.ID(), tree)

			if err := driver.ConfigInit(7); err != nil {
				t.Fatalf("ConfigInit: %v", err)
			}
			for _, s := range stages {
				if s.State() != state.Running {
					t.Fatalf("stage %d should be running, not %v", s.ID(), s.State())
				}
			}

			// finished is read before unlocked, and unlocked before current,
			// so that a concurrent release can not fake a violation
			var violation atomic.Value
			sampling := make(chan struct{})
			sampled := make(chan struct{})
			go func() {
				defer close(sampled)
				for {
					select {
					case <-sampling:
						return
					default:
					}
					for _, s := range stages {
						finished := s.FinishedFrame()
						unlocked := s.UnlockedFrame()
						current := s.CurrentFrame()
						if !(current >= unlocked && unlocked >= finished) {
							violation.CompareAndSwap(nil, fmt.Sprintf("stage %d: current %d unlocked %d finished %d",
								s.ID(), current, unlocked, finished))
						}
					}
					time.Sleep(100 * time.Microsecond)
				}
			}()

			const frames = 5
			for i := 1; i <= frames; i++ {
				frame, err := driver.StartFrame(uint32(100+i), common.Uint128{Low: uint64(i)})
				if err != nil {
					t.Fatalf("StartFrame: %v", err)
				}
				if frame != uint32(i) {
					t.Fatalf("expected frame %d, got %d", i, frame)
				}
			}

			if err := driver.FinishAllFrames(2 * time.Second); err != nil {
				t.Fatalf("FinishAllFrames: %v", err)
			}
			close(sampling)
			<-sampled
			if v := violation.Load(); v != nil {
				t.Fatalf("frame counters out of order: %s", v)
			}
			if driver.FinishedFrame() != frames {
				t.Fatalf("driver should have finished %d frames, not %d", frames, driver.FinishedFrame())
			}

			for _, s := range stages {
				if s.CurrentFrame() != frames || s.UnlockedFrame() != frames || s.FinishedFrame() != frames {
					t.Fatalf("stage %d counters: %+v", s.ID(), s.Info())
				}
			}
			if started := cb.startedFrames(); len(started) != frames*len(stages) {
				t.Fatalf("expected %d frame starts, got %d", frames*len(stages), len(started))
			}

			if err := driver.ConfigExit(); err != nil {
				t.Fatalf("ConfigExit: %v", err)
			}
			for _, s := range stages {
				if s.State() != state.Stopped {
					t.Fatalf("stage %d should be stopped, not %v", s.ID(), s.State())
				}
			}
		})
	}
}

func TestConfigInitFailure(t *testing.T) {
	n, _ := newTestNode(t)
	defer n.Shutdown()

	tree := NewTree(n)
	defer tree.Close()

	s, _, err := tree.NewStage(LevelNode, "node", 0, &recorder{failInit: true}, Options{Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}

	driver := NewDriver(n, 1, time.Second)
	driver.AddTree(n.ID(), tree)

	err = driver.ConfigInit(1)
	if errors.Cause(err) != ErrInitFailed {
		t.Fatalf("expected ErrInitFailed, got %v", err)
	}
	if s.State() != state.Failed {
		t.Fatalf("stage should be failed, not %v", s.State())
	}
}

func TestConfigExitMidFrame(t *testing.T) {
	n, _ := newTestNode(t)
	defer n.Shutdown()

	tree := NewTree(n)
	defer tree.Close()

	cb := &recorder{}
	s, _, err := tree.NewStage(LevelNode, "node", 0, cb, Options{Model: LocalSync, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}

	driver := NewDriver(n, 1, time.Second)
	driver.AddTree(n.ID(), tree)

	if err := driver.ConfigInit(1); err != nil {
		t.Fatalf("ConfigInit: %v", err)
	}

	// start frame 1 without finishing it
	err = n.SendLocal(packet.NewStagePacket(packet.CmdStageFrameStart, s.ID(), &packet.FrameStart{
		Version:     object.VersionFirst,
		FrameID:     1,
		FrameNumber: 1,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !s.WaitFrameStarted(1, time.Second) {
		t.Fatalf("frame 1 should be started")
	}
	if s.FinishedFrame() != 0 || s.UnlockedFrame() != 0 {
		t.Fatalf("frame 1 should not be released yet: %+v", s.Info())
	}

	if err := driver.ConfigExit(); err != nil {
		t.Fatalf("ConfigExit: %v", err)
	}

	if s.UnlockedFrame() != 1 || s.FinishedFrame() != 1 {
		t.Fatalf("ConfigExit should release frame 1: %+v", s.Info())
	}
	if s.State() != state.Stopped {
		t.Fatalf("stage should be stopped, not %v", s.State())
	}
	waitFor(t, "the driver to see frame 1 finished", func() bool {
		return driver.FinishedFrame() == 1
	})
}

func TestForcedUnlock(t *testing.T) {
	n, _ := newTestNode(t)
	defer n.Shutdown()

	tree := NewTree(n)
	defer tree.Close()

	cb := &recorder{}
	s, _, err := tree.NewStage(LevelNode, "node", 0, cb, Options{Model: DrawSync, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}

	driver := NewDriver(n, 1, time.Second)
	driver.AddTree(n.ID(), tree)

	if err := driver.ConfigInit(1); err != nil {
		t.Fatalf("ConfigInit: %v", err)
	}

	forced := counterValue(t, metrics.FramesForcedUnlock.WithLabelValues(LevelNode.String()))

	// frame 1 is finished without a draw finish, which would unlock it
	err = n.SendLocal(packet.NewStagePacket(packet.CmdStageFrameStart, s.ID(), &packet.FrameStart{
		Version:     object.VersionFirst,
		FrameID:     1,
		FrameNumber: 1,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !s.WaitFrameStarted(1, time.Second) {
		t.Fatalf("frame 1 should be started")
	}
	if s.UnlockedFrame() != 0 {
		t.Fatalf("DrawSync stage should not unlock on FrameStart: %+v", s.Info())
	}

	err = n.SendLocal(packet.NewStagePacket(packet.CmdStageFrameFinish, s.ID(), &packet.FrameFinish{
		FrameID:     1,
		FrameNumber: 1,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !s.WaitFrameFinished(1, time.Second) {
		t.Fatalf("frame 1 should be finished: %+v", s.Info())
	}
	if s.UnlockedFrame() != 1 || s.FinishedFrame() != 1 {
		t.Fatalf("frame 1 should be unlocked and finished: %+v", s.Info())
	}
	if v := counterValue(t, metrics.FramesForcedUnlock.WithLabelValues(LevelNode.String())); v != forced+1 {
		t.Fatalf("expected one forced unlock, counter went from %v to %v", forced, v)
	}
	waitFor(t, "the driver to see frame 1 finished", func() bool {
		return driver.FinishedFrame() == 1
	})

	if err := driver.ConfigExit(); err != nil {
		t.Fatalf("ConfigExit: %v", err)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func TestLatency(t *testing.T) {
	n, _ := newTestNode(t)
	defer n.Shutdown()

	tree := NewTree(n)
	defer tree.Close()

	cb := &recorder{gate: make(chan struct{})}
	if _, _, err := tree.NewStage(LevelNode, "node", 0, cb, Options{Model: DrawSync}); err != nil {
		t.Fatal(err)
	}

	driver := NewDriver(n, 1, 100*time.Millisecond)
	driver.AddTree(n.ID(), tree)

	if err := driver.ConfigInit(1); err != nil {
		t.Fatalf("ConfigInit: %v", err)
	}

	if _, err := driver.StartFrame(1, object.VersionFirst); err != nil {
		t.Fatalf("frame 1 should start: %v", err)
	}

	// frame 1 is blocked in FrameFinish
	if _, err := driver.StartFrame(2, object.VersionFirst); err != ErrTimeout {
		t.Fatalf("frame 2 should wait for frame 1, got %v", err)
	}

	close(cb.gate)

	if _, err := driver.StartFrame(2, object.VersionFirst); err != nil {
		t.Fatalf("frame 2 should start: %v", err)
	}
	if err := driver.FinishAllFrames(time.Second); err != nil {
		t.Fatalf("FinishAllFrames: %v", err)
	}
	if err := driver.ConfigExit(); err != nil {
		t.Fatalf("ConfigExit: %v", err)
	}
}

func TestRemoteDriver(t *testing.T) {
	a, ta := newTestNode(t)
	defer a.Shutdown()
	b, tb := newTestNode(t)
	defer b.Shutdown()

	ta.Connect(tb.LocalAddr(), tb)
	tb.Connect(ta.LocalAddr(), ta)
	if _, err := a.Connect(tb.LocalAddr(), time.Second); err != nil {
		t.Fatal(err)
	}

	tree := NewTree(b)
	defer tree.Close()

	cb := &recorder{}
	stages := buildTree(t, tree, 1, DrawSync, cb)

	driver := NewDriver(a, 2, 2*time.Second)
	driver.AddTree(b.ID(), tree)

	if err := driver.ConfigInit(1); err != nil {
		t.Fatalf("ConfigInit: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if _, err := driver.StartFrame(uint32(i), common.Uint128{Low: uint64(i)}); err != nil {
			t.Fatalf("StartFrame: %v", err)
		}
	}
	if err := driver.FinishAllFrames(2 * time.Second); err != nil {
		t.Fatalf("FinishAllFrames: %v", err)
	}
	for _, s := range stages {
		if s.FinishedFrame() != 3 {
			t.Fatalf("stage %d should have finished frame 3: %+v", s.ID(), s.Info())
		}
	}
	if err := driver.ConfigExit(); err != nil {
		t.Fatalf("ConfigExit: %v", err)
	}
}

func TestLocalReleaseGap(t *testing.T) {
	n, _ := newTestNode(t)
	defer n.Shutdown()

	tree := NewTree(n)
	defer tree.Close()

	s, _, err := tree.NewStage(LevelNode, "node", 0, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("releasing frame 2 before frame 1 should panic")
		}
	}()
	s.releaseLocal(2)
}

func TestParseThreadModel(t *testing.T) {
	for _, m := range []ThreadModel{Async, DrawSync, LocalSync} {
		parsed, err := ParseThreadModel(m.String())
		if err != nil || parsed != m {
			t.Fatalf("parsing %q: %v %v", m.String(), parsed, err)
		}
	}
	if _, err := ParseThreadModel("bogus"); err == nil {
		t.Fatalf("bogus thread model should not parse")
	}
}
