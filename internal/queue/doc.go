// Package queue provides the backend-agnostic job queue used by the worker
// and API processes.
//
// A Queue maps job names to handlers and delegates storage and consumption
// to a Provider. Three providers are available:
//
//   - Memory: an in-process FIFO drained by a single loop. Delays are a
//     visibility hint only. Used in tests and single-process deployments.
//   - Redis: a broker with delayed visibility, a bounded worker pool,
//     retry with exponential backoff, dedupe keys, stall recovery of jobs
//     held by dead workers, and a dead-letter list.
//   - SQS: long-poll batch consumption. Batches are capped at 10 messages
//     and delays at 15 minutes; only messages whose handler succeeded are
//     deleted.
//
// The Queue itself never retries. Handler errors are returned to the
// provider, whose own policy decides what happens next.
package queue
