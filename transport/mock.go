package transport

// In-memory Conn for tests of code that owns a reader goroutine.
// Grown from experience with channel-backed serial stubs: a blocked Read with
// no test feeding it is a bug, so reads and writes carry a panic timeout guard.

import (
	"io"
	"sync"
	"time"
)

type ChanIO struct {
	// Rx carries byte chunks the code under test will Read.
	Rx chan []byte
	// Tx carries copies of every Write the code under test did.
	Tx chan []byte

	timeout   time.Duration
	rbuf      []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func NewChanIO(timeout time.Duration) *ChanIO {
	return &ChanIO{
		Rx:      make(chan []byte, 16),
		Tx:      make(chan []byte, 16),
		timeout: timeout,
		closed:  make(chan struct{}),
	}
}

// Read returns buffered bytes first, then blocks for the next Rx chunk.
// Closing the ChanIO or the Rx channel looks like device disconnect (io.EOF).
func (self *ChanIO) Read(p []byte) (int, error) {
	for len(self.rbuf) == 0 {
		select {
		case <-self.closed:
			return 0, io.EOF
		case b, ok := <-self.Rx:
			if !ok {
				return 0, io.EOF
			}
			self.rbuf = b
		case <-time.After(self.timeout):
			panic("transport.ChanIO Read timeout guard: nothing fed to Rx")
		}
	}
	n := copy(p, self.rbuf)
	self.rbuf = self.rbuf[n:]
	return n, nil
}

func (self *ChanIO) Write(p []byte) (int, error) {
	// checked separately: the main select would pick a case at random when
	// both closed and Tx are ready
	select {
	case <-self.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	b := append([]byte(nil), p...)
	select {
	case <-self.closed:
		return 0, io.ErrClosedPipe
	case self.Tx <- b:
		return len(p), nil
	case <-time.After(self.timeout):
		panic("transport.ChanIO Write timeout guard: Tx not drained")
	}
}

func (self *ChanIO) Close() error {
	self.closeOnce.Do(func() { close(self.closed) })
	return nil
}
