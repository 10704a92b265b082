package telemetry

import (
	"fmt"

	"github.com/potlab/pstat/fault"
)

// Track is one measured quantity carried in every sample. The numeric values
// are the wire identifiers, a closed set defined by the device firmware.
type Track uint64

const (
	TrackVoltage Track = 11
	TrackCurrent Track = 12
	TrackTime    Track = 13
)

func (self Track) String() string {
	switch self {
	case TrackVoltage:
		return "VOLTAGE"
	case TrackCurrent:
		return "CURRENT"
	case TrackTime:
		return "TIME"
	}
	return fmt.Sprintf("TRACK(%d)", uint64(self))
}

func trackFromWire(id uint64) (Track, error) {
	switch t := Track(id); t {
	case TrackVoltage, TrackCurrent, TrackTime:
		return t, nil
	}
	return 0, fault.NewProtocolErrorf("unknown track id=%d", id)
}

// HeaderState is the measurement state reported in MeasurementHeader frames.
type HeaderState uint64

const (
	StatePending HeaderState = iota
	StateStart
	StateRunning
	StateDone
	StateFinishing
	StateAborted
	StateCancelled
)

func (self HeaderState) String() string {
	switch self {
	case StatePending:
		return "pending"
	case StateStart:
		return "start"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateFinishing:
		return "finishing"
	case StateAborted:
		return "aborted"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", uint64(self))
}

// Telemetry frame tags. 64-bit magic constants, one per packet kind.
const (
	packetDataLight             uint64 = 0xFEEDDA7A22222222
	packetDataLightBulk         uint64 = 0xFEEDDA7A44444444
	packetDataLightBulkAppendum uint64 = 0xFEEDDA7A77777777
	packetMeasurementHeader     uint64 = 0xB007F00D11111111
	packetMeasurementTracks     uint64 = 0xADDDF00D11111111
)
