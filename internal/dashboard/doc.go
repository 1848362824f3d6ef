// Package dashboard serves the operator HTTP API: room snapshots and
// controls, Prometheus metrics and a websocket stream of bus events.
package dashboard
