package backend

import (
	"time"

	"github.com/bytedance/sonic"

	"yqhp/backtest-engine/pkg/types"
)

// Envelope is the queued form of a submission.
type Envelope struct {
	HandleID   string        `json:"handle_id"`
	Task       types.Task    `json:"task"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// ResultEnvelope is what a remote worker writes back for a handle.
type ResultEnvelope struct {
	HandleID string             `json:"handle_id"`
	Record   types.ResultRecord `json:"record"`
	Error    string             `json:"error,omitempty"`
	// Cancelled marks a task dropped because its handle was cancelled.
	Cancelled bool `json:"cancelled,omitempty"`
	// TimedOut marks a task stopped by its own timeout on the worker.
	TimedOut bool `json:"timed_out,omitempty"`
}

// Keys builds the Redis key layout under a prefix.
type Keys struct {
	Prefix string
}

// Queue is the list of pending envelopes (LPUSH by the backend, BRPOP by workers).
func (k Keys) Queue() string {
	return k.Prefix + ":queue"
}

// Result holds the ResultEnvelope of a handle.
func (k Keys) Result(handleID string) string {
	return k.Prefix + ":result:" + handleID
}

// Cancel flags a cancelled handle.
func (k Keys) Cancel(handleID string) string {
	return k.Prefix + ":cancel:" + handleID
}

// Workers is the sorted set of live workers scored by last heartbeat.
func (k Keys) Workers() string {
	return k.Prefix + ":workers"
}

// EncodeEnvelope serializes an envelope.
func EncodeEnvelope(e *Envelope) ([]byte, error) {
	return sonic.Marshal(e)
}

// DecodeEnvelope parses an envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := sonic.Unmarshal(data, e); err != nil {
		return nil, err
	}
	return e, nil
}

// EncodeResult serializes a result envelope.
func EncodeResult(r *ResultEnvelope) ([]byte, error) {
	return sonic.Marshal(r)
}

// DecodeResult parses a result envelope.
func DecodeResult(data []byte) (*ResultEnvelope, error) {
	r := &ResultEnvelope{}
	if err := sonic.Unmarshal(data, r); err != nil {
		return nil, err
	}
	return r, nil
}
