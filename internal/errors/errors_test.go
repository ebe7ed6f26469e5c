package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsKind(t *testing.T) {
	err := Wrap(ErrIntegrity, "digest mismatch")
	err = Wrapf(err, "settlement %s", "abc")

	assert.True(t, ErrIntegrity.Is(err))
	assert.False(t, ErrTransient.Is(err))
	assert.True(t, stderrors.Is(err, ErrIntegrity))
	assert.Equal(t, "settlement abc: digest mismatch: integrity check failed", err.Error())
	assert.Same(t, ErrIntegrity, Root(err))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "nothing"))
	assert.Nil(t, Classify(nil, ErrTransient))
}

func TestClassify(t *testing.T) {
	plain := fmt.Errorf("dial tcp: connection refused")
	err := Classify(plain, ErrTransient)
	assert.True(t, ErrTransient.Is(err))
	assert.True(t, IsRetryable(err))

	typed := ErrNotFound.New("document")
	assert.Equal(t, typed, Classify(typed, ErrTransient))
	assert.False(t, IsRetryable(typed))
}

func TestStdlibWrappingIsWalked(t *testing.T) {
	err := fmt.Errorf("outer: %w", ErrConflict.Newf("version %d", 3))
	assert.True(t, ErrConflict.Is(err))
	assert.Same(t, ErrConflict, Root(err))
	assert.True(t, IsRetryable(err))
}

func TestRegisterDuplicatePanics(t *testing.T) {
	require.Panics(t, func() { Register(2, "again") })
}

func TestRecover(t *testing.T) {
	run := func() (err error) {
		defer Recover(&err)
		panic("boom")
	}
	err := run()
	require.Error(t, err)
	assert.True(t, ErrPanic.Is(err))
}

func TestNilKind(t *testing.T) {
	var kind *Error
	assert.True(t, kind.Is(nil))
	assert.False(t, kind.Is(ErrNotFound))
}
