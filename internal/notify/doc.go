// Package notify fans job completion events out to sinks. Workers emit
// without blocking; the Hub batches events and hands each batch to every
// registered sink (logs, Prometheus, subscribers, Pub/Sub).
package notify
