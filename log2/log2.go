// Package log2 is a thin leveled wrapper around stdlib log.
// Main purpose is running parallel tests that log through t.Logf safely
// while production code writes to stderr with a runtime-adjustable level.
package log2

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"testing"
)

const (
	LStdFlags  int = log.Ltime | log.Lshortfile
	LTestFlags int = log.Lshortfile | log.Lmicroseconds
)

type Level int32

const (
	LError Level = iota
	LInfo
	LDebug
)

type Log struct {
	l      *log.Logger
	level  Level
	fatalf Func
}

type Func func(format string, args ...interface{})

type funcWriter struct{ f Func }

func (self funcWriter) Write(b []byte) (int, error) {
	self.f(string(b))
	return len(b), nil
}

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }

func NewWriter(w io.Writer, level Level) *Log {
	return &Log{
		l:     log.New(w, "", LStdFlags),
		level: level,
	}
}

func NewFunc(f Func, level Level) *Log {
	self := NewWriter(funcWriter{f}, level)
	self.SetFlags(LTestFlags)
	return self
}

func NewTest(t testing.TB, level Level) *Log {
	self := NewFunc(t.Logf, level)
	self.fatalf = t.Fatalf
	return self
}

func (self *Log) SetLevel(l Level) {
	if self == nil {
		return
	}
	atomic.StoreInt32((*int32)(&self.level), int32(l))
}

func (self *Log) SetFlags(f int) {
	if self == nil {
		return
	}
	self.l.SetFlags(f)
}

func (self *Log) Enabled(level Level) bool {
	if self == nil {
		return false
	}
	return atomic.LoadInt32((*int32)(&self.level)) >= int32(level)
}

func (self *Log) Logf(level Level, format string, args ...interface{}) {
	if self.Enabled(level) {
		self.l.Output(3, fmt.Sprintf(format, args...))
	}
}

func (self *Log) Errorf(format string, args ...interface{}) {
	self.Logf(LError, "error: "+format, args...)
}

func (self *Log) Infof(format string, args ...interface{}) {
	self.Logf(LInfo, format, args...)
}

func (self *Log) Debugf(format string, args ...interface{}) {
	self.Logf(LDebug, "debug: "+format, args...)
}

func (self *Log) Fatalf(format string, args ...interface{}) {
	if self != nil && self.fatalf != nil {
		self.fatalf(format, args...)
		return
	}
	self.Logf(LError, "fatal: "+format, args...)
	os.Exit(1)
}
