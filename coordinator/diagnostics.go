package coordinator

import "sync/atomic"

// DiagnosticsSink receives the counters reported by the call gateway and the
// transaction manager.  Implementations must be safe for concurrent use and
// must not block.
type DiagnosticsSink interface {
	SetTotalCalls(n int64)
	SetCallsInQueue(n int64)
	SetTotalTransactions(n int64)
	SetTransactionsInQueue(n int64)
}

// NopDiagnostics discards every counter
type NopDiagnostics struct{}

// SetTotalCalls does nothing
func (NopDiagnostics) SetTotalCalls(int64) {}

// SetCallsInQueue does nothing
func (NopDiagnostics) SetCallsInQueue(int64) {}

// SetTotalTransactions does nothing
func (NopDiagnostics) SetTotalTransactions(int64) {}

// SetTransactionsInQueue does nothing
func (NopDiagnostics) SetTransactionsInQueue(int64) {}

// Diagnostics is a snapshot of the counters
type Diagnostics struct {
	TotalCalls          int64 `json:"totalCalls"`
	CallsInQueue        int64 `json:"callsInQueue"`
	TotalTransactions   int64 `json:"totalTransactions"`
	TransactionsInQueue int64 `json:"transactionsInQueue"`
}

// DiagnosticsHolder keeps the last reported value of each counter
type DiagnosticsHolder struct {
	totalCalls          atomic.Int64
	callsInQueue        atomic.Int64
	totalTransactions   atomic.Int64
	transactionsInQueue atomic.Int64
}

// NewDiagnosticsHolder creates a DiagnosticsHolder
func NewDiagnosticsHolder() *DiagnosticsHolder {
	return &DiagnosticsHolder{}
}

// SetTotalCalls stores n
func (h *DiagnosticsHolder) SetTotalCalls(n int64) { h.totalCalls.Store(n) }

// SetCallsInQueue stores n
func (h *DiagnosticsHolder) SetCallsInQueue(n int64) { h.callsInQueue.Store(n) }

// SetTotalTransactions stores n
func (h *DiagnosticsHolder) SetTotalTransactions(n int64) { h.totalTransactions.Store(n) }

// SetTransactionsInQueue stores n
func (h *DiagnosticsHolder) SetTransactionsInQueue(n int64) { h.transactionsInQueue.Store(n) }

// Snapshot returns the current counters
func (h *DiagnosticsHolder) Snapshot() Diagnostics {
	return Diagnostics{
		TotalCalls:          h.totalCalls.Load(),
		CallsInQueue:        h.callsInQueue.Load(),
		TotalTransactions:   h.totalTransactions.Load(),
		TransactionsInQueue: h.transactionsInQueue.Load(),
	}
}

// DiagnosticsSinks forwards every counter to all its sinks
type DiagnosticsSinks []DiagnosticsSink

// SetTotalCalls forwards n
func (s DiagnosticsSinks) SetTotalCalls(n int64) {
	for _, sink := range s {
		sink.SetTotalCalls(n)
	}
}

// SetCallsInQueue forwards n
func (s DiagnosticsSinks) SetCallsInQueue(n int64) {
	for _, sink := range s {
		sink.SetCallsInQueue(n)
	}
}

// SetTotalTransactions forwards n
func (s DiagnosticsSinks) SetTotalTransactions(n int64) {
	for _, sink := range s {
		sink.SetTotalTransactions(n)
	}
}

// SetTransactionsInQueue forwards n
func (s DiagnosticsSinks) SetTransactionsInQueue(n int64) {
	for _, sink := range s {
		sink.SetTransactionsInQueue(n)
	}
}
