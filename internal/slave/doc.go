// Package slave provides the remote worker node of the backtest engine.
// A worker consumes task envelopes from the Redis queue, runs them against its
// local strategy catalog, writes results back and keeps a heartbeat so the
// master can list live workers.
package slave
