package scpi

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const exchangeLogSize = 64

type direction string

const (
	dirRead  direction = "read"
	dirWrite direction = "write"
)

// exchangeLog keeps the most recent lines sent and received with timestamps.
// It exists purely for postmortem debugging of command/reply mismatches.
type exchangeLog struct {
	lk   sync.Mutex
	ring []exchange
	next int
	full bool
}

type exchange struct {
	at   time.Time
	dir  direction
	text string
}

func newExchangeLog(size int) *exchangeLog {
	return &exchangeLog{ring: make([]exchange, size)}
}

func (self *exchangeLog) add(dir direction, text string) {
	self.lk.Lock()
	self.ring[self.next] = exchange{at: time.Now(), dir: dir, text: text}
	self.next++
	if self.next == len(self.ring) {
		self.next = 0
		self.full = true
	}
	self.lk.Unlock()
}

func (self *exchangeLog) String() string {
	self.lk.Lock()
	defer self.lk.Unlock()

	b := strings.Builder{}
	emit := func(x exchange) {
		if x.at.IsZero() {
			return
		}
		fmt.Fprintf(&b, "%s %s:\t%s\n", x.at.Format("15:04:05.000000"), x.dir, x.text)
	}
	if self.full {
		for _, x := range self.ring[self.next:] {
			emit(x)
		}
	}
	for _, x := range self.ring[:self.next] {
		emit(x)
	}
	return b.String()
}
