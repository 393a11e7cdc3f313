// Package types defines the core data structures shared by the backtest engine.
//
// This package contains the fundamental types used throughout the engine,
// including:
//   - Task and ResultRecord, the immutable unit of work and its outcome
//   - StrategySpec and parameter domains
//   - Run configuration, run status and progress snapshots
//   - Sentinel errors surfaced by every component
package types
