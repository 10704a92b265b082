package scpi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/potlab/pstat/fault"
	"github.com/potlab/pstat/log2"
	"github.com/potlab/pstat/transport"
)

const testTimeout = 5 * time.Second

func newTestChannel(t testing.TB) (*Channel, *transport.ChanIO) {
	cio := transport.NewChanIO(testTimeout)
	ch := NewChannel(cio, log2.NewTest(t, log2.LDebug))
	return ch, cio
}

type sendResult struct {
	line string
	err  error
}

// sendAsync issues Send on its own goroutine and returns after the command
// bytes got written, so the lane is guaranteed to be marked awaiting.
func sendAsync(t *testing.T, ch *Channel, cio *transport.ChanIO, text string, lane Lane) <-chan sendResult {
	t.Helper()
	rch := make(chan sendResult, 1)
	go func() {
		line, err := ch.Send(text, lane)
		rch <- sendResult{line, err}
	}()
	select {
	case written := <-cio.Tx:
		assert.Equal(t, text+"\n", string(written))
	case <-time.After(testTimeout):
		t.Fatalf("Send(%q) never wrote", text)
	}
	return rch
}

func TestSendSimple(t *testing.T) {
	t.Parallel()

	ch, cio := newTestChannel(t)
	defer ch.Stop()

	rch := sendAsync(t, ch, cio, "*IDN?", LaneCommand)
	cio.Rx <- []byte("PP242 device\r\n")
	r := <-rch
	require.NoError(t, r.err)
	assert.Equal(t, "PP242 device", r.line)
	assert.True(t, ch.Alive())
	assert.Contains(t, ch.DebugString(), "*IDN?")
}

func TestSendSplitLine(t *testing.T) {
	t.Parallel()

	ch, cio := newTestChannel(t)
	defer ch.Stop()

	rch := sendAsync(t, ch, cio, "*CLS?", LaneCommand)
	cio.Rx <- []byte("o")
	cio.Rx <- []byte("k\n")
	r := <-rch
	require.NoError(t, r.err)
	assert.Equal(t, "ok", r.line)
}

func TestSendSequential(t *testing.T) {
	t.Parallel()

	ch, cio := newTestChannel(t)
	defer ch.Stop()

	for i := 0; i < 3; i++ {
		rch := sendAsync(t, ch, cio, ":SESO:STAT ON", LaneCommand)
		cio.Rx <- []byte("ok\n")
		r := <-rch
		require.NoError(t, r.err)
		assert.Equal(t, "ok", r.line)
	}
}

func TestLaneBusy(t *testing.T) {
	t.Parallel()

	ch, cio := newTestChannel(t)
	defer ch.Stop()

	rch := sendAsync(t, ch, cio, ":MEAS:POGA?", LaneCommand)
	_, err := ch.Send(":MEAS:OCV?", LaneCommand)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy")

	cio.Rx <- []byte("ok\n")
	require.NoError(t, (<-rch).err)
}

func TestEmptyCommand(t *testing.T) {
	t.Parallel()

	ch, _ := newTestChannel(t)
	defer ch.Stop()

	_, err := ch.Send("", LaneCommand)
	assert.Error(t, err)
	_, err = ch.Send("x", Lane(9))
	assert.Error(t, err)
}

// Two lanes awaiting, replies matched by content in both arrival orders.
func TestLaneDisambiguation(t *testing.T) {
	t.Parallel()

	type tcase struct {
		name          string
		line1, line2  string
		expectControl string
		expectCommand string
	}
	cases := []tcase{
		{"status-first", "status=5", "ok", "ok", "status=5"},
		{"ok-first", "ok", "status=5", "ok", "status=5"},
		{"both-ok", "ok", "ok", "ok", "ok"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			ch, cio := newTestChannel(t)
			defer ch.Stop()

			cmdCh := sendAsync(t, ch, cio, ":MEAS:POGA?", LaneCommand)
			ctlCh := sendAsync(t, ch, cio, "ABOR", LaneControl)

			cio.Rx <- []byte(c.line1 + "\n")
			cio.Rx <- []byte(c.line2 + "\n")

			ctl := <-ctlCh
			cmd := <-cmdCh
			require.NoError(t, ctl.err)
			require.NoError(t, cmd.err)
			assert.Equal(t, c.expectControl, ctl.line)
			assert.Equal(t, c.expectCommand, cmd.line)
		})
	}
}

func TestLaneDisambiguationNeitherOk(t *testing.T) {
	t.Parallel()

	ch, cio := newTestChannel(t)

	cmdCh := sendAsync(t, ch, cio, ":MEAS:POGA?", LaneCommand)
	ctlCh := sendAsync(t, ch, cio, "ABOR", LaneControl)

	cio.Rx <- []byte("bogus1\n")
	cio.Rx <- []byte("bogus2\n")

	cmd := <-cmdCh
	ctl := <-ctlCh
	require.Error(t, cmd.err)
	require.Error(t, ctl.err)
	assert.True(t, fault.IsConnection(cmd.err))
	assert.True(t, fault.IsConnection(ctl.err))
}

func TestUnsolicitedLineClosesChannel(t *testing.T) {
	t.Parallel()

	ch, cio := newTestChannel(t)

	cio.Rx <- []byte("surprise\n")
	require.Eventually(t, func() bool { return !ch.Alive() }, testTimeout, time.Millisecond)

	_, err := ch.Send("*IDN?", LaneCommand)
	require.Error(t, err)
	assert.True(t, fault.IsConnection(err))
}

func TestDisconnectFailsWaiter(t *testing.T) {
	t.Parallel()

	ch, cio := newTestChannel(t)

	rch := sendAsync(t, ch, cio, ":MEAS:POGA?", LaneCommand)
	close(cio.Rx) // device side disappears
	r := <-rch
	require.Error(t, r.err)
	assert.True(t, fault.IsConnection(r.err))
}

func TestStopFailsWaiter(t *testing.T) {
	t.Parallel()

	ch, cio := newTestChannel(t)

	rch := sendAsync(t, ch, cio, ":MEAS:POGA?", LaneCommand)
	ch.Stop()
	r := <-rch
	require.Error(t, r.err)
	assert.True(t, fault.IsConnection(r.err))
	assert.False(t, ch.Alive())
}

func TestSinceLastReply(t *testing.T) {
	t.Parallel()

	ch, cio := newTestChannel(t)
	defer ch.Stop()

	assert.Equal(t, time.Duration(-1), ch.SinceLastReply())
	rch := sendAsync(t, ch, cio, "*IDN?", LaneCommand)
	cio.Rx <- []byte("dev\n")
	<-rch
	assert.GreaterOrEqual(t, int64(ch.SinceLastReply()), int64(0))
}
