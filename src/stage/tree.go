package stage

import (
	"sync"

	"github.com/mosaicnetworks/mural/src/command"
	"github.com/mosaicnetworks/mural/src/dispatch"
	"github.com/mosaicnetworks/mural/src/node"
	"github.com/mosaicnetworks/mural/src/state"
	"github.com/sirupsen/logrus"
)

// Detach removes a stage from its tree. The stage must be stopped and have no
// children.
type Detach func() error

type slot struct {
	stage    *Stage
	children []uint32
}

// Tree holds the stages of a node. Stage ids index an arena of slots and are
// never reused, so that late commands for a detached stage are recognised.
type Tree struct {
	sync.RWMutex

	node  *node.Node
	slots []*slot

	logger *logrus.Entry
}

// NewTree creates the stage tree of n and makes it the stage router of the
// node.
func NewTree(n *node.Node) *Tree {
	t := &Tree{
		node:   n,
		logger: n.Logger().WithField("component", "stages"),
	}
	n.SetStageRouter(t)
	return t
}

// NewStage attaches a stage under parent, or as a root when parent is 0, and
// starts its goroutine.
func (t *Tree) NewStage(level Level, name string, parent uint32, cb Callbacks, opts Options) (*Stage, Detach, error) {
	t.Lock()

	if parent != 0 {
		ps := t.slot(parent)
		if ps == nil {
			t.Unlock()
			return nil, nil, ErrUnknownStage
		}
		if ps.stage.level >= level {
			t.Unlock()
			return nil, nil, ErrInvalidLevel
		}
	}

	id := uint32(len(t.slots) + 1)
	s := newStage(t, id, parent, level, name, cb, opts)
	t.slots = append(t.slots, &slot{stage: s})
	if parent != 0 {
		ps := t.slot(parent)
		ps.children = append(ps.children, id)
	}

	t.Unlock()

	s.start()

	t.logger.WithFields(logrus.Fields{
		"stage":  id,
		"parent": parent,
		"level":  level.String(),
		"name":   name,
	}).Debug("NewStage")

	detached := false
	return s, func() error {
		t.Lock()
		defer t.Unlock()

		sl := t.slot(id)
		if detached || sl == nil {
			return ErrDetached
		}
		if len(sl.children) > 0 {
			return ErrHasChildren
		}
		if s.IsRunning() {
			return ErrRunning
		}

		if parent != 0 {
			if ps := t.slot(parent); ps != nil {
				ps.children = removeID(ps.children, id)
			}
		}
		t.slots[id-1] = nil
		detached = true

		s.state.SetState(state.Stopped)
		return nil
	}, nil
}

// slot must be called with the lock held.
func (t *Tree) slot(id uint32) *slot {
	if id == 0 || int(id) > len(t.slots) {
		return nil
	}
	return t.slots[id-1]
}

func removeID(ids []uint32, id uint32) []uint32 {
	res := ids[:0]
	for _, i := range ids {
		if i != id {
			res = append(res, i)
		}
	}
	return res
}

// Stage returns nil for an unknown or detached stage.
func (t *Tree) Stage(id uint32) *Stage {
	t.RLock()
	defer t.RUnlock()

	if sl := t.slot(id); sl != nil {
		return sl.stage
	}
	return nil
}

// Children ...
func (t *Tree) Children(id uint32) []*Stage {
	t.RLock()
	defer t.RUnlock()

	sl := t.slot(id)
	if sl == nil {
		return nil
	}
	res := make([]*Stage, 0, len(sl.children))
	for _, c := range sl.children {
		if cs := t.slot(c); cs != nil {
			res = append(res, cs.stage)
		}
	}
	return res
}

// Parent returns nil for a root or unknown stage.
func (t *Tree) Parent(id uint32) *Stage {
	s := t.Stage(id)
	if s == nil {
		return nil
	}
	return s.Parent()
}

// Roots ...
func (t *Tree) Roots() []*Stage {
	t.RLock()
	defer t.RUnlock()

	res := []*Stage{}
	for _, sl := range t.slots {
		if sl != nil && sl.stage.parentID == 0 {
			res = append(res, sl.stage)
		}
	}
	return res
}

// Walk calls fn for every stage, parents before their children, until fn
// returns false.
func (t *Tree) Walk(fn func(*Stage) bool) {
	var visit func(s *Stage) bool
	visit = func(s *Stage) bool {
		if !fn(s) {
			return false
		}
		for _, c := range t.Children(s.id) {
			if !visit(c) {
				return false
			}
		}
		return true
	}

	for _, r := range t.Roots() {
		if !visit(r) {
			return
		}
	}
}

// Stages returns every stage, parents before their children.
func (t *Tree) Stages() []*Stage {
	res := []*Stage{}
	t.Walk(func(s *Stage) bool {
		res = append(res, s)
		return true
	})
	return res
}

// Len returns the number of attached stages.
func (t *Tree) Len() int {
	t.RLock()
	defer t.RUnlock()

	n := 0
	for _, sl := range t.slots {
		if sl != nil {
			n++
		}
	}
	return n
}

// Infos describes the stages, parents first.
func (t *Tree) Infos() []Info {
	stages := t.Stages()
	res := make([]Info, len(stages))
	for i, s := range stages {
		res[i] = s.Info()
	}
	return res
}

// RouteCommand implements node.Router for stage packets. Commands for a stage
// that is not attached yet are kept by the node; commands for a detached
// stage are obsolete.
func (t *Tree) RouteCommand(cmd *command.Command) (bool, dispatch.Result) {
	id := cmd.StageID()

	t.RLock()
	sl := t.slot(id)
	detached := sl == nil && id != 0 && int(id) <= len(t.slots)
	t.RUnlock()

	if detached {
		return true, dispatch.Discard
	}
	if sl == nil {
		return false, dispatch.Handled
	}
	return sl.stage.dispatcher.DispatchCommand(cmd)
}

// Close stops the stages, children first, and detaches them.
func (t *Tree) Close() {
	stages := t.Stages()
	for i := len(stages) - 1; i >= 0; i-- {
		stages[i].Stop()
	}

	t.Lock()
	t.slots = make([]*slot, len(t.slots))
	t.Unlock()

	for _, s := range stages {
		s.state.SetState(state.Stopped)
	}
}
