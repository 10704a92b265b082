package transport

import (
	"io"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/potlab/pstat/fault"
)

func TestOpenEmptyName(t *testing.T) {
	t.Parallel()

	_, err := Open("")
	require.Error(t, err)
	assert.True(t, fault.IsConnection(err))
}

func TestOpenBadName(t *testing.T) {
	t.Parallel()

	_, err := Open("/dev/nonexistent-pstat-port")
	require.Error(t, err)
	assert.True(t, fault.IsConnection(err))
}

// Round trip through a pseudo terminal, the closest thing to a real port
// available in CI.
func TestOpenPty(t *testing.T) {
	ptmx, tty, err := pty.Open()
	require.NoError(t, err)
	defer ptmx.Close()
	name := tty.Name()
	require.NoError(t, tty.Close())

	conn, err := Open(name)
	require.NoError(t, err)
	defer conn.Close()

	go func() { _, _ = ptmx.Write([]byte("hello\n")) }()
	b, err := ReadExactly(conn, 6)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(b))

	_, err = conn.Write([]byte("ok\n"))
	require.NoError(t, err)
	echo := make([]byte, 3)
	_, err = io.ReadFull(ptmx, echo)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(echo))
}

func TestChanIO(t *testing.T) {
	t.Parallel()

	cio := NewChanIO(5 * time.Second)
	cio.Rx <- []byte("abcdef")
	b, err := ReadExactly(cio, 2)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(b))
	b, err = ReadExactly(cio, 4)
	require.NoError(t, err)
	assert.Equal(t, "cdef", string(b))

	n, err := cio.Write([]byte("xyz"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte("xyz"), <-cio.Tx)

	require.NoError(t, cio.Close())
	_, err = ReadExactly(cio, 1)
	assert.Equal(t, io.EOF, err)
	// must fail every time, even while Tx has buffer room
	for i := 0; i < 16; i++ {
		_, err = cio.Write([]byte("after close"))
		assert.Equal(t, io.ErrClosedPipe, err)
	}
}
