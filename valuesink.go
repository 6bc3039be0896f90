package main

import (
	"context"
	"log"
	"time"
)

// SinkResult is the outcome of a single ValueSink write.
type SinkResult int

const (
	SinkOk SinkResult = iota
	SinkTransient
	SinkFatal
)

// ValueSink is the external collaborator that performs the actual wire
// write for a resolved value. Implementations must honour ctx's deadline
// and return within it.
type ValueSink interface {
	Write(ctx context.Context, endpoint, nodeID, valueText string, dataType DataType) (SinkResult, error)
}

// LogValueSink writes to the structured log instead of a real wire
// protocol. It is the sink used in tests and local runs; no real
// industrial-protocol client exists in this repo (see DESIGN.md).
type LogValueSink struct{}

// Write always succeeds; it exists so the Scheduler Loop has a concrete
// collaborator to exercise without a live device.
func (LogValueSink) Write(ctx context.Context, endpoint, nodeID, valueText string, dataType DataType) (SinkResult, error) {
	log.Printf("valuesink: endpoint=%s node=%s value=%q type=%s", endpoint, nodeID, valueText, dataType)
	return SinkOk, nil
}

// writeWithTimeout bounds a sink call to the supplied per-call timeout,
// turning ctx.Err() after deadline into a SinkTransientError so it feeds
// the retry policy rather than propagating a bare context error.
func writeWithTimeout(ctx context.Context, sink ValueSink, timeout time.Duration, endpoint, nodeID, valueText string, dataType DataType) (SinkResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := sink.Write(callCtx, endpoint, nodeID, valueText, dataType)
	if err != nil {
		if callCtx.Err() != nil {
			return SinkTransient, &SinkTransientError{Err: err}
		}
		if result == SinkFatal {
			return SinkFatal, &SinkFatalError{Err: err}
		}
		return SinkTransient, &SinkTransientError{Err: err}
	}
	return result, nil
}
