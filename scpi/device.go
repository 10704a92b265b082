package scpi

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/juju/errors"

	"github.com/potlab/pstat/fault"
	"github.com/potlab/pstat/log2"
)

// Coupling of the power stage.
type Coupling string

const (
	CouplingPotentiostatic Coupling = "pot"
	CouplingGalvanostatic  Coupling = "gal"
)

// Device is the high-level command surface over a Channel. It routes
// abort/reset to the control lane, everything else to the command lane,
// and optionally converts "error NNN" replies into typed errors.
type Device struct {
	ch           *Channel
	log          *log2.Log
	raiseOnError int32
}

func NewDevice(ch *Channel, log *log2.Log) *Device {
	return &Device{ch: ch, log: log}
}

// SetRaiseOnError controls handling of replies containing "error".
// Disabled (default): the reply line is returned verbatim so callers can
// implement retry-and-inspect logic without error-driven control flow.
// Enabled: the reply becomes a fault.DeviceError with the resolved code.
func (self *Device) SetRaiseOnError(enabled bool) {
	v := int32(0)
	if enabled {
		v = 1
	}
	atomic.StoreInt32(&self.raiseOnError, v)
}

func (self *Device) RaiseOnError() bool { return atomic.LoadInt32(&self.raiseOnError) != 0 }

// send picks the lane by command content: ABOR and *RST run with higher
// priority on the device and may overtake a command in flight, which is
// exactly what the control lane is for.
func (self *Device) send(cmd string) (string, error) {
	lane := LaneCommand
	if strings.Contains(cmd, "ABOR") || strings.Contains(cmd, "*RST") {
		lane = LaneControl
	}
	line, err := self.ch.Send(cmd, lane)
	if err != nil {
		return "", errors.Trace(err)
	}
	if strings.Contains(line, "error") && self.RaiseOnError() {
		e := fault.ParseDeviceError(line)
		self.log.Debugf("scpi: cmd=%q %v", cmd, e)
		return "", e
	}
	return line, nil
}

func (self *Device) sendFloat(cmd string) (float64, error) {
	line, err := self.send(cmd)
	if err != nil {
		return 0, errors.Trace(err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
	if err != nil {
		return 0, errors.Annotatef(err, "scpi: cmd=%q reply=%q is not a number", cmd, line)
	}
	return v, nil
}

// Execute sends an arbitrary command line with the same lane routing and
// error handling as the typed methods. Escape hatch for commands that have
// no wrapper here.
func (self *Device) Execute(cmd string) (string, error) { return self.send(cmd) }

func (self *Device) IDN() (string, error) { return self.send("*IDN?") }

// ClearState resets the device error/status state before resuming after a
// DeviceError.
func (self *Device) ClearState() (string, error) { return self.send("*CLS") }

func (self *Device) ReadState() (string, error) { return self.send("*CLS?") }

// Reset reinitializes the device. Goes out on the control lane.
func (self *Device) Reset() (string, error) { return self.send("*RST") }

// Abort terminates the currently running primitive. Goes out on the control
// lane; the aborted primitive answers with its own status on the command lane.
func (self *Device) Abort() (string, error) { return self.send("ABOR") }

func (self *Device) CalibrateOffsets() (string, error) { return self.send(":SESO:CALO") }

func (self *Device) GetVoltage() (float64, error) { return self.sendFloat(":MEAS:VOLT?") }

func (self *Device) GetCurrent() (float64, error) { return self.sendFloat(":MEAS:CURR?") }

func (self *Device) SetPotentiostatEnabled(enabled bool) (string, error) {
	if enabled {
		return self.send(":SESO:STAT ON")
	}
	return self.send(":SESO:STAT OFF")
}

func (self *Device) SetCoupling(c Coupling) (string, error) {
	return self.send(":SESO:COUP " + string(c))
}

func (self *Device) SetVoltageValue(value float64) (string, error) {
	return self.send(":SESO:UVAL " + formatValue(value))
}

func (self *Device) SetCurrentValue(value float64) (string, error) {
	return self.send(":SESO:IVAL " + formatValue(value))
}

func (self *Device) SetVoltageParameter(value float64) (string, error) {
	return self.send(":PARA:UVAL " + formatValue(value))
}

func (self *Device) SetCurrentParameter(value float64) (string, error) {
	return self.send(":PARA:IVAL " + formatValue(value))
}

func (self *Device) SetTimeParameter(seconds float64) (string, error) {
	return self.send(":PARA:TIME " + formatValue(seconds))
}

// MeasurePolarization starts the constant value primitive and blocks until
// the device reports its final status. Telemetry streams on the data link
// meanwhile.
func (self *Device) MeasurePolarization() (string, error) { return self.send(":MEAS:POGA?") }

func (self *Device) MeasureOCV() (string, error) { return self.send(":MEAS:OCV?") }

func (self *Device) MeasureRampValueInTime() (string, error) { return self.send(":MEAS:RMPT?") }

func formatValue(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
