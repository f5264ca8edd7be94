package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dfarchon/darkforest-mud-sub002/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromiseSettlesOnce(t *testing.T) {
	p := NewPromise[string]()
	f := p.Future()
	assert.False(t, f.Settled())
	_, err := f.Result()
	assert.Equal(t, ErrPending, common.Unwrap(err))

	assert.True(t, p.Resolve("0xabc"))
	assert.False(t, p.Reject(errors.New("late")))
	assert.False(t, p.Resolve("0xdef"))

	val, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, "0xabc", val)
	select {
	case <-f.Done():
	default:
		t.Fatal("future not done")
	}
}

func TestFutureWaitContext(t *testing.T) {
	p := NewPromise[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Future().Wait(ctx)
	assert.True(t, common.IsErrDone(err))

	f := Rejected[int](errors.New("rejected"))
	_, err = f.Wait(context.Background())
	assert.EqualError(t, err, "rejected")
}
