package log

import (
	"errors"
	"strings"
	"testing"

	"github.com/hermeznetwork/tracerr"
	"github.com/stretchr/testify/assert"
)

func TestAppendStackTraceMaybeKV(t *testing.T) {
	msg := appendStackTraceMaybeKV("TxManager.execute", []interface{}{"id", 3})
	assert.Equal(t, "TxManager.execute", msg)

	err := tracerr.Wrap(errors.New("boom"))
	msg = appendStackTraceMaybeKV("TxManager.execute", []interface{}{"id", 3, "err", err})
	assert.True(t, strings.HasPrefix(msg, "TxManager.execute: boom\n"))
	assert.Contains(t, msg, "log_test.go")
}

func TestAppendStackTraceMaybeArgs(t *testing.T) {
	args := appendStackTraceMaybeArgs([]interface{}{"no error here"})
	assert.Len(t, args, 1)

	args = appendStackTraceMaybeArgs([]interface{}{"closing", errors.New("boom")})
	assert.Len(t, args, 3)
}

func TestInitLevels(t *testing.T) {
	Init("warn", []string{"stdout"})
	defer Init("debug", []string{"stdout"})
	assert.False(t, log.Desugar().Core().Enabled(-1))
	assert.Panics(t, func() { Init("verbose", []string{"stdout"}) })
}
