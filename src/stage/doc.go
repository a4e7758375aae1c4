// Package stage implements the stage pipeline of a node and its frame
// barrier.
//
// Stages form a tree: a node stage, its pipes, their windows and their
// channels. Every stage owns a goroutine executing the commands of its own
// queue, so the state of a stage is only changed by that goroutine. A frame
// N passes three points on every stage: its start sets the current frame,
// its local release sets the unlocked frame and its global release sets the
// finished frame. Depending on the thread model, a stage waits for its
// parent or its children at these points, which orders the frames across
// the tree. A Driver starts frames on the stages of one or more nodes, at
// most latency frames ahead of the last finished one.
package stage
