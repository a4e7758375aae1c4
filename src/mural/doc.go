// Package mural wires the components of a cluster rendering node: the
// transport and the node dispatching its packets, the object store
// distributing versioned objects, and the tree of stages driven frame by
// frame.
package mural
