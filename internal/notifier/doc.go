// Package notifier delivers room alerts to operators.
//
// Monitors hand alerts to Service.Notify, which never blocks: the alert is
// deduplicated, queued and picked up by a small worker pool.
//
// # Delivery
//
// Workers record every accepted alert in the store's alert history, publish
// it on the event bus and, when a chat target is configured, send the
// formatted text through a transport.Sender under a token-bucket rate limit
// with jittered exponential retry.
//
// # History
//
// The service also keeps a short in-memory ring of recently delivered alerts
// for the /alerts command.
package notifier
