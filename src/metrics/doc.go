// Package metrics holds the prometheus collectors of a mural node. They are
// served by the service package on /metrics.
package metrics
