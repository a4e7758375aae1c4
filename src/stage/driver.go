package stage

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/mural/src/command"
	"github.com/mosaicnetworks/mural/src/common"
	"github.com/mosaicnetworks/mural/src/dispatch"
	"github.com/mosaicnetworks/mural/src/node"
	"github.com/mosaicnetworks/mural/src/object"
	"github.com/mosaicnetworks/mural/src/packet"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Target is a stage driven by a Driver, on any node.
type Target struct {
	NodeID  uuid.UUID
	StageID uint32
	Root    bool
}

// Driver runs the frames of a set of stage trees. A frame N is only started
// once frame N-latency is finished by every root stage.
type Driver struct {
	node    *node.Node
	latency uint32
	timeout time.Duration

	mu      sync.Mutex
	targets []Target
	roots   int
	replies map[uint32]int
	current uint32

	finished common.Monitor

	logger *logrus.Entry
}

// NewDriver returns a driver sending its commands from n. The replies of the
// stages are handled by n, which can only have one driver.
func NewDriver(n *node.Node, latency int, timeout time.Duration) *Driver {
	if latency < 0 {
		latency = 0
	}

	d := &Driver{
		node:    n,
		latency: uint32(latency),
		timeout: timeout,
		replies: make(map[uint32]int),
		logger:  n.Logger().WithField("component", "driver"),
	}

	disp := n.Dispatcher()
	disp.RegisterCommand(packet.CmdNodeConfigInitReply, d.cmdConfigInitReply, nil)
	disp.RegisterCommand(packet.CmdNodeConfigExitReply, d.cmdConfigExitReply, nil)
	disp.RegisterCommand(packet.CmdNodeFrameFinishReply, d.cmdFrameFinishReply, nil)

	return d
}

// AddTree adds the stages of a tree held by the node nodeID, parents first.
func (d *Driver) AddTree(nodeID uuid.UUID, t *Tree) {
	t.Walk(func(s *Stage) bool {
		d.AddStage(nodeID, s.ID(), s.ParentID() == 0)
		return true
	})
}

// AddStage adds a stage of the node nodeID. Stages must be added after their
// parent.
func (d *Driver) AddStage(nodeID uuid.UUID, stageID uint32, root bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.targets = append(d.targets, Target{NodeID: nodeID, StageID: stageID, Root: root})
	if root {
		d.roots++
	}
}

// Targets ...
func (d *Driver) Targets() []Target {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Target{}, d.targets...)
}

// CurrentFrame is the last started frame.
func (d *Driver) CurrentFrame() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// FinishedFrame is the last frame finished by every root stage.
func (d *Driver) FinishedFrame() uint32 {
	return d.finished.Get()
}

// ConfigInit initialises every stage, parents first, and waits for them.
func (d *Driver) ConfigInit(initID uint32) error {
	d.mu.Lock()
	frame := d.current
	d.replies = make(map[uint32]int)
	d.mu.Unlock()

	d.finished.Set(frame)

	return d.request(d.Targets(), func(requestID uint32) (uint32, interface{}) {
		return packet.CmdStageConfigInit, &packet.ConfigInit{
			RequestID:   requestID,
			InitID:      initID,
			FrameNumber: frame,
		}
	}, ErrInitFailed)
}

// ConfigExit stops every stage, children first, and waits for them.
func (d *Driver) ConfigExit() error {
	targets := d.Targets()
	for i, j := 0, len(targets)-1; i < j; i, j = i+1, j-1 {
		targets[i], targets[j] = targets[j], targets[i]
	}

	return d.request(targets, func(requestID uint32) (uint32, interface{}) {
		return packet.CmdStageConfigExit, &packet.ConfigExit{RequestID: requestID}
	}, ErrExitFailed)
}

// request sends a lifecycle command to targets, in order, and waits for all
// the replies.
func (d *Driver) request(targets []Target, body func(uint32) (uint32, interface{}), failed error) error {
	ids := make([]uint32, len(targets))
	for i, t := range targets {
		ids[i] = d.node.RegisterPeerRequest(t.NodeID, nil)
		cmd, msg := body(ids[i])
		if err := d.node.Send(t.NodeID, packet.NewStagePacket(cmd, t.StageID, msg)); err != nil {
			d.node.ServeRequest(ids[i], err)
		}
	}

	var res error
	for i, id := range ids {
		ok, err := d.node.WaitRequest(id, d.timeout)
		if err == nil && !ok.(bool) {
			err = failed
		}
		if err != nil {
			d.logger.WithFields(logrus.Fields{
				"stage": targets[i].StageID,
				"error": err,
			}).Warn("Stage request failed")
			if res == nil {
				res = errors.Wrapf(err, "stage %d", targets[i].StageID)
			}
		}
	}
	return res
}

// StartFrame starts the next frame on every stage and returns its number. It
// first waits for the frame latency frames behind to finish.
func (d *Driver) StartFrame(frameID uint32, version object.Version) (uint32, error) {
	d.mu.Lock()
	frame := d.current + 1
	d.mu.Unlock()

	if frame > d.latency && !d.finished.TimedWaitGE(frame-d.latency, d.timeout) {
		return 0, ErrTimeout
	}

	targets := d.Targets()

	send := func(cmd uint32, msg interface{}) {
		for _, t := range targets {
			if err := d.node.Send(t.NodeID, packet.NewStagePacket(cmd, t.StageID, msg)); err != nil {
				d.logger.WithFields(logrus.Fields{
					"stage": t.StageID,
					"error": err,
				}).Warn("Sending frame command")
			}
		}
	}

	send(packet.CmdStageFrameStartClock, &packet.FrameStartClock{})
	send(packet.CmdStageFrameStart, &packet.FrameStart{
		Version:     version,
		FrameID:     frameID,
		FrameNumber: frame,
	})
	send(packet.CmdStageFrameDrawFinish, &packet.FrameDrawFinish{FrameID: frameID, FrameNumber: frame})
	send(packet.CmdStageFrameFinish, &packet.FrameFinish{FrameID: frameID, FrameNumber: frame})

	d.mu.Lock()
	d.current = frame
	d.mu.Unlock()

	return frame, nil
}

// FinishAllFrames waits until every started frame is finished.
func (d *Driver) FinishAllFrames(timeout time.Duration) error {
	if !d.finished.TimedWaitGE(d.CurrentFrame(), timeout) {
		return ErrTimeout
	}
	return nil
}

func (d *Driver) cmdConfigInitReply(cmd *command.Command) dispatch.Result {
	var rep packet.ConfigInitReply
	if err := cmd.Decode(&rep); err != nil {
		d.logger.WithField("error", err).Error("Decoding ConfigInitReply")
		return dispatch.Error
	}
	d.node.ServeRequest(rep.RequestID, rep.Result)
	return dispatch.Handled
}

func (d *Driver) cmdConfigExitReply(cmd *command.Command) dispatch.Result {
	var rep packet.ConfigExitReply
	if err := cmd.Decode(&rep); err != nil {
		d.logger.WithField("error", err).Error("Decoding ConfigExitReply")
		return dispatch.Error
	}
	d.node.ServeRequest(rep.RequestID, rep.Result)
	return dispatch.Handled
}

func (d *Driver) cmdFrameFinishReply(cmd *command.Command) dispatch.Result {
	var rep packet.FrameFinishReply
	if err := cmd.Decode(&rep); err != nil {
		d.logger.WithField("error", err).Error("Decoding FrameFinishReply")
		return dispatch.Error
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	finished := d.finished.Get()
	if rep.FrameNumber <= finished {
		return dispatch.Discard
	}

	d.replies[rep.FrameNumber]++
	for d.roots > 0 && d.replies[finished+1] >= d.roots {
		delete(d.replies, finished+1)
		finished++
	}
	d.finished.Set(finished)

	return dispatch.Handled
}
