package log2

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFilter(t *testing.T) {
	t.Parallel()

	b := bytes.NewBuffer(nil)
	l := NewWriter(b, LInfo)
	l.Debugf("must not appear")
	l.Infof("info line")
	l.Errorf("error line")
	out := b.String()
	assert.NotContains(t, out, "must not appear")
	assert.Contains(t, out, "info line")
	assert.Contains(t, out, "error: error line")

	l.SetLevel(LDebug)
	l.Debugf("now visible")
	assert.Contains(t, b.String(), "debug: now visible")
}

func TestNilSafe(t *testing.T) {
	t.Parallel()

	var l *Log
	assert.False(t, l.Enabled(LError))
	l.SetLevel(LDebug)
	l.Errorf("nil logger must not panic")
}

func TestNewTest(t *testing.T) {
	t.Parallel()

	lines := make([]string, 0, 4)
	l := NewFunc(func(format string, args ...interface{}) {
		lines = append(lines, format)
	}, LDebug)
	l.Debugf("hello %d", 42)
	if assert.Len(t, lines, 1) {
		assert.True(t, strings.Contains(lines[0], "hello 42"))
	}
}
