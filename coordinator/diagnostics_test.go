package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiagnosticsSinks(t *testing.T) {
	a, b := NewDiagnosticsHolder(), NewDiagnosticsHolder()
	sinks := DiagnosticsSinks{a, b, NopDiagnostics{}}
	sinks.SetTotalCalls(10)
	sinks.SetCallsInQueue(4)
	sinks.SetTotalTransactions(3)
	sinks.SetTransactionsInQueue(1)

	expected := Diagnostics{
		TotalCalls:          10,
		CallsInQueue:        4,
		TotalTransactions:   3,
		TransactionsInQueue: 1,
	}
	assert.Equal(t, expected, a.Snapshot())
	assert.Equal(t, expected, b.Snapshot())

	a.SetCallsInQueue(0)
	assert.Equal(t, int64(0), a.Snapshot().CallsInQueue)
	assert.Equal(t, int64(4), b.Snapshot().CallsInQueue)
}
