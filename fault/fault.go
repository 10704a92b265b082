// Package fault is the error taxonomy shared by the command and telemetry links.
//
// ConnectionError means the transport is unusable, reconnect and recreate.
// ProtocolError means the telemetry byte stream desynchronized, restart both sides.
// DeviceError is an application-level fault reported by the instrument itself and
// is cleared with *CLS before resuming.
package fault

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/juju/errors"
)

type ConnectionError struct {
	Message string
	Cause   error
}

func (self ConnectionError) Error() string {
	if self.Cause != nil {
		return fmt.Sprintf("connection: %s: %s", self.Message, self.Cause.Error())
	}
	return "connection: " + self.Message
}

func (self ConnectionError) Unwrap() error { return self.Cause }

func NewConnectionError(message string, cause error) ConnectionError {
	return ConnectionError{Message: message, Cause: cause}
}

type ProtocolError struct {
	Message string
}

func (self ProtocolError) Error() string { return "data protocol: " + self.Message }

func NewProtocolErrorf(format string, args ...interface{}) ProtocolError {
	return ProtocolError{Message: fmt.Sprintf(format, args...)}
}

// DeviceError carries the numeric code from an "error NNN" reply line.
// Raw keeps the reply verbatim, the numeric code survives even for unknown codes.
type DeviceError struct {
	Code int
	Raw  string
}

const deviceErrorFallback = "unknown device error code"

// Known instrument error codes. The table is part of the device firmware contract.
var deviceErrorText = map[int]string{
	27:   "command does not exist",
	42:   "undefined error",
	100:  "value is out of range",
	1000: "command is foreseen but not implemented yet",
	1003: "setup global limit reached",
	1004: "value is out of limited range",
	1005: "measurement was aborted, status has to be cleared with *CLS",
	1006: "command not executed because of a previous error or manual abort",
	1007: "error during calibration, the device may be faulty",
}

func (self DeviceError) Error() string {
	return fmt.Sprintf("device error code %d: %s", self.Code, self.Description())
}

func (self DeviceError) Description() string {
	if text, ok := deviceErrorText[self.Code]; ok {
		return text
	}
	return deviceErrorFallback
}

var deviceErrorCodeRe = regexp.MustCompile(`([0-9]+)`)

// ParseDeviceError extracts the numeric code from a device reply line.
// Replies look like "error 1005" but arrive with assorted garbage around the
// number; when no number is found the code defaults to 42 (undefined error).
func ParseDeviceError(line string) DeviceError {
	e := DeviceError{Code: 42, Raw: line}
	if m := deviceErrorCodeRe.FindString(line); m != "" {
		if code, err := strconv.Atoi(m); err == nil {
			e.Code = code
		}
	}
	return e
}

// The predicates see through errors.Trace/Annotate wrapping.

func IsConnection(err error) bool {
	_, ok := errors.Cause(err).(ConnectionError)
	return ok
}

func IsProtocol(err error) bool {
	_, ok := errors.Cause(err).(ProtocolError)
	return ok
}

func IsDevice(err error) bool {
	_, ok := errors.Cause(err).(DeviceError)
	return ok
}
