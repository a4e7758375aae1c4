package stage

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mosaicnetworks/mural/src/command"
	"github.com/mosaicnetworks/mural/src/dispatch"
	"github.com/mosaicnetworks/mural/src/metrics"
	"github.com/mosaicnetworks/mural/src/packet"
	"github.com/sirupsen/logrus"
)

// The counters of a stage only grow, and current >= unlocked >= finished holds
// at all times: a frame is unlocked before it is finished, and releaseGlobal
// is only reached once unlocked has caught up with the frame.

func (s *Stage) cmdFrameStartClock(cmd *command.Command) dispatch.Result {
	s.frameClock = time.Now()
	return dispatch.Handled
}

func (s *Stage) cmdFrameStart(cmd *command.Command) dispatch.Result {
	var req packet.FrameStart
	if err := cmd.Decode(&req); err != nil {
		s.logger.WithField("error", err).Error("Decoding FrameStart")
		return dispatch.Error
	}
	frame := req.FrameNumber

	if current := s.current.Get(); frame != current+1 {
		s.logger.WithFields(logrus.Fields{
			"frame":   frame,
			"current": current,
		}).Error("FrameStart out of order")
		return dispatch.Error
	}

	if s.opts.Model != Async {
		if parent := s.Parent(); parent != nil && !parent.WaitFrameStarted(frame, s.opts.Timeout) {
			s.logger.WithField("frame", frame).Warn("Parent did not start frame")
		}
	}

	if s.frameClock.IsZero() {
		s.frameClock = time.Now()
	}
	s.current.Set(frame)

	s.callbacks.FrameStart(req.FrameID, frame, req.Version)

	if s.opts.Model == Async {
		s.releaseLocal(frame)
	}
	return dispatch.Handled
}

func (s *Stage) cmdFrameDrawFinish(cmd *command.Command) dispatch.Result {
	var req packet.FrameDrawFinish
	if err := cmd.Decode(&req); err != nil {
		s.logger.WithField("error", err).Error("Decoding FrameDrawFinish")
		return dispatch.Error
	}
	frame := req.FrameNumber

	s.callbacks.FrameDrawFinish(req.FrameID, frame)

	if s.opts.Model == DrawSync {
		s.waitChildrenLocal(frame)
		if s.unlocked.Get() < frame {
			s.releaseLocal(frame)
		}
	}
	return dispatch.Handled
}

func (s *Stage) cmdFrameFinish(cmd *command.Command) dispatch.Result {
	var req packet.FrameFinish
	if err := cmd.Decode(&req); err != nil {
		s.logger.WithField("error", err).Error("Decoding FrameFinish")
		return dispatch.Error
	}
	frame := req.FrameNumber

	if frame > s.current.Get() {
		s.logger.WithFields(logrus.Fields{
			"frame":   frame,
			"current": s.current.Get(),
		}).Error("FrameFinish for a frame not started")
		return dispatch.Error
	}
	if frame <= s.finished.Get() {
		// released by ConfigExit
		return dispatch.Discard
	}

	s.waitChildrenLocal(frame)
	for _, child := range s.Children() {
		if !child.WaitFrameFinished(frame, s.opts.Timeout) {
			s.logger.WithFields(logrus.Fields{
				"frame": frame,
				"child": child.ID(),
			}).Warn("Child did not finish frame")
		}
	}

	s.callbacks.FrameFinish(req.FrameID, frame)

	if s.opts.Model == LocalSync && s.unlocked.Get() < frame {
		s.releaseLocal(frame)
	}

	if s.unlocked.Get() < frame {
		s.logger.WithField("frame", frame).Warn("Frame was not locally unlocked, enforcing unlock")
		metrics.FramesForcedUnlock.WithLabelValues(s.level.String()).Inc()
		s.releaseLocal(frame)
	}

	s.releaseGlobal(frame, cmd)
	return dispatch.Handled
}

func (s *Stage) waitChildrenLocal(frame uint32) {
	for _, child := range s.Children() {
		if !child.WaitFrameLocal(frame, s.opts.Timeout) {
			s.logger.WithFields(logrus.Fields{
				"frame": frame,
				"child": child.ID(),
			}).Warn("Child did not release frame locally")
		}
	}
}

// releaseLocal unlocks frame, which must follow the last unlocked frame.
func (s *Stage) releaseLocal(frame uint32) {
	unlocked := s.unlocked.Get()
	if frame != unlocked+1 {
		panic(fmt.Sprintf("stage %d: local release of frame %d after frame %d", s.id, frame, unlocked))
	}
	s.unlocked.Set(frame)
}

// releaseGlobal finishes frame. Root stages notify the node that sent cmd.
func (s *Stage) releaseGlobal(frame uint32, cmd *command.Command) {
	s.finished.Set(frame)

	level := s.level.String()
	metrics.FramesFinished.WithLabelValues(level).Inc()
	if !s.frameClock.IsZero() {
		elapsed := time.Since(s.frameClock)
		atomic.StoreInt64(&s.lastFrame, int64(elapsed))
		metrics.FrameDuration.WithLabelValues(level).Observe(float64(elapsed) / float64(time.Millisecond))
		s.frameClock = time.Time{}
	}

	if s.parentID == 0 {
		s.reply(cmd, packet.NewNodePacket(packet.CmdNodeFrameFinishReply, &packet.FrameFinishReply{
			StageID:     s.id,
			FrameNumber: frame,
		}))
	}
}
