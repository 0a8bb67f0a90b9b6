// Package lbe implements an empirical link bandwidth estimator for cellular
// data links. It samples byte counters, polls modem radio-activity counters
// when traffic justifies it, keeps per-cell statistics and publishes refined
// uplink/downlink estimates to a consumer.
package lbe

import (
	"fmt"
	"math"
)

// RadioTech is the radio access technology of the current data registration.
type RadioTech int

const (
	// TechUnknown means no data registration is known.
	TechUnknown RadioTech = iota
	TechGPRS
	TechEDGE
	TechUMTS
	TechHSDPA
	TechHSUPA
	TechHSPA
	TechHSPAP
	TechLTE
	TechLTECA
	TechNR
)

// String returns the carrier-config name of the technology.
func (t RadioTech) String() string {
	switch t {
	case TechGPRS:
		return "GPRS"
	case TechEDGE:
		return "EDGE"
	case TechUMTS:
		return "UMTS"
	case TechHSDPA:
		return "HSDPA"
	case TechHSUPA:
		return "HSUPA"
	case TechHSPA:
		return "HSPA"
	case TechHSPAP:
		return "HSPA+"
	case TechLTE:
		return "LTE"
	case TechLTECA:
		return "LTE_CA"
	case TechNR:
		return "NR"
	default:
		return "Unknown"
	}
}

// ParseRadioTech maps a carrier-config name back to a RadioTech.
// Unrecognized names map to TechUnknown.
func ParseRadioTech(name string) RadioTech {
	for t := TechGPRS; t <= TechNR; t++ {
		if t.String() == name {
			return t
		}
	}
	return TechUnknown
}

// FrequencyRange is the NR frequency range reported by the modem.
type FrequencyRange int

const (
	FrequencyUnknown FrequencyRange = iota
	FrequencyLow
	FrequencyMid
	FrequencyHigh
	FrequencyMMWave
)

// String returns a string representation of the FrequencyRange.
func (f FrequencyRange) String() string {
	switch f {
	case FrequencyLow:
		return "Low"
	case FrequencyMid:
		return "Mid"
	case FrequencyHigh:
		return "High"
	case FrequencyMMWave:
		return "MMWave"
	default:
		return "Unknown"
	}
}

// RATClass keys both carrier defaults and statistics. It is the technology
// name, with NR on millimeter-wave split into its own class because its
// capacity is of a different order.
type RATClass string

// ClassOf returns the RATClass for a technology and NR frequency range.
func ClassOf(tech RadioTech, freq FrequencyRange) RATClass {
	if tech == TechNR && freq == FrequencyMMWave {
		return "NR_MMWAVE"
	}
	return RATClass(tech.String())
}

// CellKey identifies the radio cell a sample belongs to. The zero value is
// the unknown cell; it is a valid bucket that still feeds operator-wide
// aggregates.
type CellKey struct {
	MCC    string
	MNC    string
	TAC    int32
	CellID int64
}

// IsUnknown reports whether the key carries no identity at all.
func (k CellKey) IsUnknown() bool {
	return k == CellKey{}
}

// Operator returns the PLMN (MCC+MNC) the cell belongs to.
func (k CellKey) Operator() string {
	return k.MCC + k.MNC
}

// String returns a compact "mcc-mnc/tac/cid" representation.
func (k CellKey) String() string {
	if k.IsUnknown() {
		return "unknown"
	}
	return fmt.Sprintf("%s-%s/%d/%d", k.MCC, k.MNC, k.TAC, k.CellID)
}

// Transports is the set of transports carried by the default network.
type Transports uint8

const (
	TransportCellular Transports = 1 << iota
	TransportWiFi
	TransportEthernet
	TransportVPN
)

// Has reports whether all transports in o are present in t.
func (t Transports) Has(o Transports) bool {
	return o != 0 && t&o == o
}

// Bounds are the carrier-declared default bandwidths for one RATClass.
type Bounds struct {
	TxKbps int
	RxKbps int

	// Fallback is set when the carrier has no entry for the class and the
	// values are a generic floor.
	Fallback bool
}

// Source identifies which tier of the fallback hierarchy produced a value.
type Source int

const (
	// SourceCarrierDefault means the carrier-declared default was used.
	SourceCarrierDefault Source = iota
	// SourceAggregate means operator-wide statistics for the RATClass were used.
	SourceAggregate
	// SourceCell means statistics of the current cell were used.
	SourceCell
)

// String returns a string representation of the Source.
func (s Source) String() string {
	switch s {
	case SourceCell:
		return "cell"
	case SourceAggregate:
		return "aggregate"
	default:
		return "carrier_default"
	}
}

// Estimate is a published uplink/downlink bandwidth pair in kbps.
type Estimate struct {
	TxKbps int
	RxKbps int

	// TxSource and RxSource are informational and do not take part in
	// change detection.
	TxSource Source
	RxSource Source
}

// SameRates reports whether both estimates carry the same kbps values.
func (e Estimate) SameRates(o Estimate) bool {
	return e.TxKbps == o.TxKbps && e.RxKbps == o.RxKbps
}

// Sample is one empirical observation derived from a modem activity poll.
// A direction only carries a rate when HasTx/HasRx is set.
type Sample struct {
	TxKbps float64
	RxKbps float64
	HasTx  bool
	HasRx  bool

	Cell        CellKey
	TimestampMs int64
}

// Empty reports whether the sample carries no direction at all.
func (s Sample) Empty() bool {
	return !s.HasTx && !s.HasRx
}

// NumTxPowerBuckets is the number of transmit power levels reported by the
// modem.
const NumTxPowerBuckets = 5

// ActivityInfo is a snapshot of the modem's cumulative activity counters.
// All times are in milliseconds; TimestampMs is a monotonic validity
// timestamp.
type ActivityInfo struct {
	TimestampMs int64
	SleepTimeMs int64
	IdleTimeMs  int64
	TxTimeMs    [NumTxPowerBuckets]int64
	RxTimeMs    int64
}

// TotalTxTimeMs sums transmit time across all power buckets.
func (a ActivityInfo) TotalTxTimeMs() int64 {
	var total int64
	for _, v := range a.TxTimeMs {
		total += v
	}
	return total
}

// State is the sampling state of the estimator.
type State int

const (
	// StateIdle means the screen is off or no cellular default network is up.
	StateIdle State = iota
	// StateActive means traffic sampling is enabled.
	StateActive
)

// String returns a string representation of the State.
func (s State) String() string {
	if s == StateActive {
		return "Active"
	}
	return "Idle"
}

// toKbps converts a byte count over a duration in milliseconds to kbps.
// Bits per millisecond equal kilobits per second.
func toKbps(bytes, ms int64) float64 {
	if ms <= 0 {
		return 0
	}
	return float64(bytes) * 8 / float64(ms)
}

func roundKbps(v float64) int {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(math.Round(v))
}
