// Package scpi drives the instrument's text command link: a line-oriented
// request/reply multiplexer with two logical lanes over one serial connection.
//
// The command lane carries regular requests, one at a time, each blocking
// until the device answers. The control lane exists so a supervisor can issue
// ABOR or *RST while a long primitive is still running on the command lane.
// The device acknowledges abort/reset with "ok" and sends the aborted
// command's own status on top, in unspecified order, so the reader
// disambiguates the two reply lines by content rather than arrival order.
package scpi

import (
	"bufio"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	atomic_clock "github.com/temoto/atomic_clock"

	"github.com/potlab/pstat/fault"
	"github.com/potlab/pstat/log2"
	"github.com/potlab/pstat/transport"
)

type Lane uint8

const (
	LaneCommand Lane = iota
	LaneControl
	laneCount
)

func (self Lane) String() string {
	switch self {
	case LaneCommand:
		return "command"
	case LaneControl:
		return "control"
	}
	return fmt.Sprintf("lane(%d)", uint8(self))
}

const okReply = "ok"

// reply is the unit delivered from the reader goroutine to a blocked Send.
// closed is an explicit sentinel, a Send receiving it reports ConnectionError.
type reply struct {
	line   string
	closed bool
}

type Channel struct {
	alive *alive.Alive
	log   *log2.Log
	conn  transport.Conn
	br    *bufio.Reader

	lk      sync.Mutex
	waiting [laneCount]bool
	replies [laneCount]chan reply

	lastReply *atomic_clock.Clock
	xlog      *exchangeLog
}

func NewChannel(conn transport.Conn, log *log2.Log) *Channel {
	self := &Channel{
		alive:     alive.NewAlive(),
		log:       log,
		conn:      conn,
		br:        bufio.NewReader(conn),
		lastReply: atomic_clock.New(),
		xlog:      newExchangeLog(exchangeLogSize),
	}
	for i := range self.replies {
		self.replies[i] = make(chan reply, 1)
	}
	self.alive.Add(1)
	go self.readLoop()
	return self
}

// Send writes one newline-terminated command and blocks until the reader
// goroutine delivers the reply line for this lane, or the channel closes.
// A lane carries at most one outstanding request; violating that is a caller
// bug and is reported instead of producing replies in undefined order.
func (self *Channel) Send(text string, lane Lane) (string, error) {
	if text == "" {
		return "", errors.New("scpi: refusing to send empty command")
	}
	if lane >= laneCount {
		return "", errors.Errorf("scpi: invalid lane=%d", lane)
	}

	self.lk.Lock()
	if !self.alive.IsRunning() {
		self.lk.Unlock()
		return "", fault.NewConnectionError("channel is closed", nil)
	}
	if self.waiting[lane] {
		self.lk.Unlock()
		return "", errors.Errorf("scpi: %s lane busy, one outstanding request per lane", lane)
	}
	// The awaiting mark must be visible to the reader before the device can
	// possibly answer, hence before the write and under the same lock.
	self.waiting[lane] = true
	_, err := self.conn.Write([]byte(text + "\n"))
	if err != nil {
		self.waiting[lane] = false
		self.lk.Unlock()
		self.Stop()
		return "", fault.NewConnectionError("write command "+text, err)
	}
	self.xlog.add(dirWrite, text)
	self.lk.Unlock()

	r := <-self.replies[lane]
	if r.closed {
		return "", fault.NewConnectionError("connection to the device interrupted", nil)
	}
	return r.line, nil
}

// Stop signals the reader goroutine, closes the transport and joins.
// All blocked Send calls fail with ConnectionError.
func (self *Channel) Stop() {
	self.alive.Stop()
	_ = self.conn.Close()
	self.alive.Wait()
}

func (self *Channel) Alive() bool { return self.alive.IsRunning() }

// SinceLastReply reports how long ago the device last produced a line.
// Supervisory code uses it as a liveness probe for the reader goroutine.
func (self *Channel) SinceLastReply() time.Duration {
	if self.lastReply.IsZero() {
		return -1
	}
	return atomic_clock.Since(self.lastReply)
}

// DebugString dumps recent traffic in both directions.
func (self *Channel) DebugString() string { return self.xlog.String() }

func (self *Channel) readLoop() {
	defer self.alive.Done()
	defer self.closeWaiters()

	for self.alive.IsRunning() {
		line, err := self.readLine()
		if err != nil {
			if self.alive.IsRunning() {
				self.log.Errorf("scpi: read: %v", err)
			}
			return
		}

		self.lk.Lock()
		waitCommand := self.waiting[LaneCommand]
		waitControl := self.waiting[LaneControl]
		self.lk.Unlock()

		switch {
		case !waitCommand && !waitControl:
			// Nothing was sent that this could answer. The link state is
			// unknown from here on.
			self.log.Errorf("scpi: unsolicited reply %q, closing channel", line)
			return

		case waitCommand != waitControl:
			lane := LaneCommand
			if waitControl {
				lane = LaneControl
			}
			self.deliver(lane, line)

		default:
			// Both lanes await: a control send (abort/reset) raced a pending
			// command reply. The device always acknowledges abort/reset with
			// "ok" while the interrupted command reports its own status, and
			// the two lines arrive in either order. Read the second line and
			// match by content.
			line2, err := self.readLine()
			if err != nil {
				if self.alive.IsRunning() {
					self.log.Errorf("scpi: read second reply: %v", err)
				}
				return
			}
			switch {
			case line == okReply && line2 == okReply:
				// Command finished on its own before the abort took effect.
				self.deliver(LaneControl, okReply)
				self.deliver(LaneCommand, okReply)
			case line == okReply:
				self.deliver(LaneControl, line)
				self.deliver(LaneCommand, line2)
			case line2 == okReply:
				self.deliver(LaneControl, line2)
				self.deliver(LaneCommand, line)
			default:
				self.log.Errorf("scpi: two replies %q / %q, neither is ok, closing channel", line, line2)
				return
			}
		}
	}
}

func (self *Channel) readLine() (string, error) {
	raw, err := self.br.ReadString('\n')
	if err != nil {
		return "", err
	}
	line := strings.TrimRight(raw, "\r\n")
	self.xlog.add(dirRead, line)
	self.lastReply.SetNow()
	return line, nil
}

func (self *Channel) deliver(lane Lane, line string) {
	self.lk.Lock()
	self.waiting[lane] = false
	self.lk.Unlock()
	// cap 1 and a single waiter per lane, never blocks
	self.replies[lane] <- reply{line: line}
}

// closeWaiters runs once when the reader goroutine exits, for whatever
// reason, so that no Send stays blocked on a dead link.
func (self *Channel) closeWaiters() {
	self.alive.Stop()
	_ = self.conn.Close()
	self.lk.Lock()
	for lane := Lane(0); lane < laneCount; lane++ {
		if self.waiting[lane] {
			self.waiting[lane] = false
			self.replies[lane] <- reply{closed: true}
		}
	}
	self.lk.Unlock()
}
