// Package master implements the coordinating side of the backtest engine.
// It owns the strategy registry and run expansion, the per-run task
// distributor (queueing, retries, timeouts, cancellation), the results
// aggregator and the engine controller that ties runs to a shared backend.
package master
