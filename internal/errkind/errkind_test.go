package errkind

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindDiscrimination(t *testing.T) {
	err := New(NotAttached, "no process")
	assert.True(t, Is(err, NotAttached))
	assert.False(t, Is(err, EvalInProgress))
	assert.Equal(t, "not-attached: no process", err.Error())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("hresult 0x80131c4f")
	err := Wrap(RuntimeError, cause, "set breakpoint")
	assert.True(t, Is(err, RuntimeError))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "set breakpoint")

	assert.Nil(t, Wrap(RuntimeError, nil, "ignored"))
	assert.Nil(t, Wrapf(RuntimeError, nil, "ignored %d", 1))
}

func TestIsOnForeignError(t *testing.T) {
	assert.False(t, Is(errors.New("plain"), RuntimeError))
	assert.False(t, Is(nil, RuntimeError))
}
