package fault

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceErrorKnownCode(t *testing.T) {
	t.Parallel()

	e := ParseDeviceError("error 1005\n")
	assert.Equal(t, 1005, e.Code)
	assert.Contains(t, e.Description(), "*CLS")
	assert.Contains(t, e.Error(), "1005")
}

func TestDeviceErrorUnknownCode(t *testing.T) {
	t.Parallel()

	e := ParseDeviceError("Issue: error 9999")
	assert.Equal(t, 9999, e.Code)
	assert.Equal(t, deviceErrorFallback, e.Description())
}

func TestDeviceErrorNoCode(t *testing.T) {
	t.Parallel()

	e := ParseDeviceError("error without number")
	assert.Equal(t, 42, e.Code)
	assert.Equal(t, "undefined error", e.Description())
	assert.Equal(t, "error without number", e.Raw)
}

func TestPredicates(t *testing.T) {
	t.Parallel()

	ce := NewConnectionError("write failed", errors.New("EIO"))
	require.True(t, IsConnection(ce))
	assert.False(t, IsProtocol(ce))
	assert.Contains(t, ce.Error(), "EIO")

	pe := NewProtocolErrorf("unknown packet tag=%x", 0xdead)
	require.True(t, IsProtocol(pe))
	assert.False(t, IsDevice(pe))

	assert.True(t, IsDevice(ParseDeviceError("error 100")))
}
