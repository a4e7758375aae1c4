package stage

import (
	"fmt"
	"strings"
)

// Level is the position of a stage in the hierarchy.
type Level uint32

const (
	// LevelNode ...
	LevelNode Level = iota
	// LevelPipe ...
	LevelPipe
	// LevelWindow ...
	LevelWindow
	// LevelChannel ...
	LevelChannel
)

func (l Level) String() string {
	switch l {
	case LevelNode:
		return "node"
	case LevelPipe:
		return "pipe"
	case LevelWindow:
		return "window"
	case LevelChannel:
		return "channel"
	default:
		return fmt.Sprintf("level(%d)", uint32(l))
	}
}

// ThreadModel decides when a stage releases a frame locally, and whether it
// waits for its parent to start a frame.
type ThreadModel uint32

const (
	// Async stages release a frame locally as soon as it starts, and do not
	// wait for their parent.
	Async ThreadModel = iota
	// DrawSync stages release a frame locally once it is drawn by them and
	// their children.
	DrawSync
	// LocalSync stages release a frame locally when it finishes.
	LocalSync
)

func (m ThreadModel) String() string {
	switch m {
	case Async:
		return "async"
	case DrawSync:
		return "draw-sync"
	case LocalSync:
		return "local-sync"
	default:
		return fmt.Sprintf("model(%d)", uint32(m))
	}
}

// ParseThreadModel parses the names returned by ThreadModel.String.
func ParseThreadModel(s string) (ThreadModel, error) {
	switch strings.ToLower(s) {
	case "async":
		return Async, nil
	case "draw-sync", "drawsync", "":
		return DrawSync, nil
	case "local-sync", "localsync":
		return LocalSync, nil
	}
	return DrawSync, fmt.Errorf("unknown thread model %q", s)
}
