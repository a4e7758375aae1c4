package stage

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mosaicnetworks/mural/src/command"
	"github.com/mosaicnetworks/mural/src/common"
	"github.com/mosaicnetworks/mural/src/dispatch"
	"github.com/mosaicnetworks/mural/src/node"
	"github.com/mosaicnetworks/mural/src/packet"
	"github.com/mosaicnetworks/mural/src/state"
	"github.com/sirupsen/logrus"
)

// Options ...
type Options struct {
	Model ThreadModel

	// Timeout bounds the waits of the stage on its parent and children. A
	// timeout <= 0 waits forever.
	Timeout time.Duration
}

// Info describes a stage.
type Info struct {
	ID        uint32  `json:"id"`
	ParentID  uint32  `json:"parent_id"`
	Level     string  `json:"level"`
	Name      string  `json:"name"`
	State     string  `json:"state"`
	Current   uint32  `json:"current"`
	Unlocked  uint32  `json:"unlocked"`
	Finished  uint32  `json:"finished"`
	Queued    int     `json:"queued"`
	LastFrame float64 `json:"last_frame_ms"`
}

// Stage is one level of the pipeline. It executes the commands of its queue
// on its own goroutine, started by NewStage and stopped by Stop.
type Stage struct {
	id       uint32
	parentID uint32
	level    Level
	name     string

	tree      *Tree
	node      *node.Node
	callbacks Callbacks
	opts      Options

	state state.Manager

	// frame barrier
	current  common.Monitor
	unlocked common.Monitor
	finished common.Monitor

	queue      *command.Queue
	dispatcher *dispatch.Dispatcher

	running  int32
	stopOnce sync.Once
	done     chan struct{}

	// owned by the stage goroutine
	exit       bool
	frameClock time.Time

	lastFrame int64

	logger *logrus.Entry
}

func newStage(t *Tree, id, parentID uint32, level Level, name string, cb Callbacks, opts Options) *Stage {
	if cb == nil {
		cb = NopCallbacks{}
	}

	logger := t.node.Logger().WithFields(logrus.Fields{
		"stage": id,
		"level": level.String(),
	})

	s := &Stage{
		id:         id,
		parentID:   parentID,
		level:      level,
		name:       name,
		tree:       t,
		node:       t.node,
		callbacks:  cb,
		opts:       opts,
		queue:      command.NewQueue(name, logger),
		dispatcher: dispatch.NewDispatcher(),
		done:       make(chan struct{}),
		logger:     logger,
	}

	s.registerCommands()
	s.state.SetState(state.Mapped)

	return s
}

func (s *Stage) registerCommands() {
	s.dispatcher.RegisterCommand(packet.CmdStageConfigInit, s.cmdConfigInit, s.queue)
	s.dispatcher.RegisterCommand(packet.CmdStageConfigExit, s.cmdConfigExit, s.queue)
	s.dispatcher.RegisterCommand(packet.CmdStageFrameStartClock, s.cmdFrameStartClock, s.queue)
	s.dispatcher.RegisterCommand(packet.CmdStageFrameStart, s.cmdFrameStart, s.queue)
	s.dispatcher.RegisterCommand(packet.CmdStageFrameDrawFinish, s.cmdFrameDrawFinish, s.queue)
	s.dispatcher.RegisterCommand(packet.CmdStageFrameFinish, s.cmdFrameFinish, s.queue)
	s.dispatcher.RegisterCommand(packet.CmdStageExitThread, s.cmdExitThread, s.queue)
}

// start launches the goroutine of the stage.
func (s *Stage) start() {
	atomic.StoreInt32(&s.running, 1)
	go s.run()
}

// run pops and invokes the commands of the stage queue until ExitThread.
func (s *Stage) run() {
	defer func() {
		s.queue.Close()
		atomic.StoreInt32(&s.running, 0)
		close(s.done)
	}()

	for !s.exit {
		cmd := s.queue.Pop()
		if cmd == nil {
			return
		}
		if res := s.dispatcher.InvokeCommand(cmd); res == dispatch.Error {
			s.logger.WithField("command", cmd.String()).Panic("Protocol error")
		}
	}
}

// Stop makes the goroutine of the stage exit after the command it is
// executing, and waits for it. Queued commands are dropped.
func (s *Stage) Stop() {
	if !s.IsRunning() {
		return
	}

	s.stopOnce.Do(func() {
		p := packet.NewStagePacket(packet.CmdStageExitThread, s.id, &packet.ExitThread{})
		data, err := p.Marshal()
		if err != nil {
			s.logger.WithField("error", err).Error("Marshalling ExitThread")
			s.queue.Close()
			return
		}

		cmd := s.node.Cache().Alloc(s.node.ID(), s.node.AdvertiseAddr(), uint64(len(data)))
		if err := cmd.Fill(data); err != nil {
			cmd.Release()
			s.logger.WithField("error", err).Error("Filling ExitThread")
			s.queue.Close()
			return
		}
		s.queue.PushFront(cmd)
	})

	<-s.done
}

func (s *Stage) cmdExitThread(cmd *command.Command) dispatch.Result {
	s.logger.Debug("ExitThread")
	s.exit = true
	return dispatch.Handled
}

// IsRunning reports whether the goroutine of the stage is running.
func (s *Stage) IsRunning() bool {
	return atomic.LoadInt32(&s.running) == 1
}

// ID ...
func (s *Stage) ID() uint32 {
	return s.id
}

// ParentID returns 0 for a root stage.
func (s *Stage) ParentID() uint32 {
	return s.parentID
}

// Level ...
func (s *Stage) Level() Level {
	return s.level
}

// Name ...
func (s *Stage) Name() string {
	return s.name
}

// Dispatcher returns the dispatcher of the stage commands. Applications may
// register their own commands on it, with Queue as queue.
func (s *Stage) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// Queue ...
func (s *Stage) Queue() *command.Queue {
	return s.queue
}

// State ...
func (s *Stage) State() state.State {
	return s.state.GetState()
}

// WaitState blocks until the stage is in one of states, or timeout elapses.
func (s *Stage) WaitState(timeout time.Duration, states ...state.State) (state.State, bool) {
	return s.state.WaitFor(timeout, states...)
}

// CurrentFrame is the last started frame.
func (s *Stage) CurrentFrame() uint32 {
	return s.current.Get()
}

// UnlockedFrame is the last frame released locally.
func (s *Stage) UnlockedFrame() uint32 {
	return s.unlocked.Get()
}

// FinishedFrame is the last frame released globally.
func (s *Stage) FinishedFrame() uint32 {
	return s.finished.Get()
}

// WaitFrameStarted blocks until frame is started. It reports whether it was
// within timeout.
func (s *Stage) WaitFrameStarted(frame uint32, timeout time.Duration) bool {
	return s.current.TimedWaitGE(frame, timeout)
}

// WaitFrameLocal blocks until frame is released locally.
func (s *Stage) WaitFrameLocal(frame uint32, timeout time.Duration) bool {
	return s.unlocked.TimedWaitGE(frame, timeout)
}

// WaitFrameFinished blocks until frame is released globally.
func (s *Stage) WaitFrameFinished(frame uint32, timeout time.Duration) bool {
	return s.finished.TimedWaitGE(frame, timeout)
}

// Parent returns nil for a root stage, or when the parent was detached.
func (s *Stage) Parent() *Stage {
	if s.parentID == 0 {
		return nil
	}
	return s.tree.Stage(s.parentID)
}

// Children ...
func (s *Stage) Children() []*Stage {
	return s.tree.Children(s.id)
}

// Info ...
func (s *Stage) Info() Info {
	return Info{
		ID:        s.id,
		ParentID:  s.parentID,
		Level:     s.level.String(),
		Name:      s.name,
		State:     s.State().String(),
		Current:   s.CurrentFrame(),
		Unlocked:  s.UnlockedFrame(),
		Finished:  s.FinishedFrame(),
		Queued:    s.queue.Len(),
		LastFrame: float64(atomic.LoadInt64(&s.lastFrame)) / float64(time.Millisecond),
	}
}

//==============================================================================
// Lifecycle

func (s *Stage) cmdConfigInit(cmd *command.Command) dispatch.Result {
	var req packet.ConfigInit
	if err := cmd.Decode(&req); err != nil {
		s.logger.WithField("error", err).Error("Decoding ConfigInit")
		return dispatch.Error
	}

	s.current.Set(req.FrameNumber)
	s.unlocked.Set(req.FrameNumber)
	s.finished.Set(req.FrameNumber)

	s.state.SetState(state.Initializing)

	ok := s.callbacks.ConfigInit(req.InitID)
	if ok {
		s.state.SetState(state.Running)
	} else {
		s.logger.WithField("init_id", req.InitID).Warn("ConfigInit failed")
		s.state.SetState(state.Failed)
	}

	s.reply(cmd, packet.NewNodePacket(packet.CmdNodeConfigInitReply, &packet.ConfigInitReply{
		RequestID: req.RequestID,
		StageID:   s.id,
		Result:    ok,
	}))
	return dispatch.Handled
}

func (s *Stage) cmdConfigExit(cmd *command.Command) dispatch.Result {
	var req packet.ConfigExit
	if err := cmd.Decode(&req); err != nil {
		s.logger.WithField("error", err).Error("Decoding ConfigExit")
		return dispatch.Error
	}

	s.state.SetState(state.Stopping)

	// frames started and not released yet
	for frame := s.finished.Get() + 1; frame <= s.current.Get(); frame++ {
		s.logger.WithField("frame", frame).Debug("Releasing frame on ConfigExit")
		if s.unlocked.Get() < frame {
			s.releaseLocal(frame)
		}
		s.releaseGlobal(frame, cmd)
	}

	for _, child := range s.Children() {
		if st, ok := child.WaitState(s.opts.Timeout, state.Stopped, state.Failed); !ok {
			s.logger.WithFields(logrus.Fields{
				"child": child.ID(),
				"state": st.String(),
			}).Warn("Child not stopped on ConfigExit")
		}
	}

	ok := s.callbacks.ConfigExit()
	if ok {
		s.state.SetState(state.Stopped)
	} else {
		s.state.SetState(state.Failed)
	}

	s.reply(cmd, packet.NewNodePacket(packet.CmdNodeConfigExitReply, &packet.ConfigExitReply{
		RequestID: req.RequestID,
		StageID:   s.id,
		Result:    ok,
	}))
	return dispatch.Handled
}

func (s *Stage) reply(cmd *command.Command, p *packet.Packet) {
	if err := s.node.Reply(cmd, p); err != nil {
		s.logger.WithFields(logrus.Fields{
			"command": p.Command,
			"error":   err,
		}).Warn("Reply")
	}
}
