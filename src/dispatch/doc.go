// Package dispatch maps command ids to handlers and decides on which
// goroutine a received command runs.
package dispatch
