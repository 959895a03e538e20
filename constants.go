package max31856

import (
	"strings"
	"time"
)

// ThermocoupleType selects the thermocouple wired to the chip. The value is
// the 4-bit code written to the low nibble of Configuration Register 1.
type ThermocoupleType uint8

const (
	TypeB ThermocoupleType = iota
	TypeE
	TypeJ
	TypeK
	TypeN
	TypeR
	TypeS
	TypeT
)

func (t ThermocoupleType) String() string {
	if t > TypeT {
		return "invalid"
	}
	return string([]byte{"BEJKNRST"[t]}) + "-type"
}

// Mode is the conversion mode the device was last put in. Temperature reads
// never change the mode; only RequestOneShot and SetupDRDY do.
type Mode int

const (
	ModeIdle Mode = iota
	ModeContinuous
	ModeOneShotPending
)

// ConversionTime is how long the chip needs to finish a one-shot conversion
// (150-200ms per the datasheet). Callers of RequestOneShot must wait this
// long before reading the temperature registers.
const ConversionTime = 200 * time.Millisecond

// Fault is a snapshot of the fault status register. Zero means no fault.
//
// Bit assignments, LSB first:
//
//	bit 0: thermocouple open circuit
//	bit 1: over/under voltage on the thermocouple inputs
//	bit 2: thermocouple below the low fault threshold
//	bit 3: thermocouple above the high fault threshold
//	bit 4: cold junction below the low fault threshold
//	bit 5: cold junction above the high fault threshold
//	bit 6: thermocouple temperature out of range for the configured type
//	bit 7: cold junction temperature out of range
type Fault uint8

const (
	FaultOpenCircuit       Fault = 1 << 0
	FaultOverUnderVoltage  Fault = 1 << 1
	FaultThermocoupleLow   Fault = 1 << 2
	FaultThermocoupleHigh  Fault = 1 << 3
	FaultColdJunctionLow   Fault = 1 << 4
	FaultColdJunctionHigh  Fault = 1 << 5
	FaultThermocoupleRange Fault = 1 << 6
	FaultColdJunctionRange Fault = 1 << 7
)

// Has reports whether the snapshot contains the given fault condition.
func (f Fault) Has(k Fault) bool {
	return f&k != 0
}

func (f Fault) String() string {
	if f == 0 {
		return "no fault"
	}
	names := []struct {
		k Fault
		s string
	}{
		{FaultOpenCircuit, "open circuit"},
		{FaultOverUnderVoltage, "over/under voltage"},
		{FaultThermocoupleLow, "thermocouple low"},
		{FaultThermocoupleHigh, "thermocouple high"},
		{FaultColdJunctionLow, "cold junction low"},
		{FaultColdJunctionHigh, "cold junction high"},
		{FaultThermocoupleRange, "thermocouple out of range"},
		{FaultColdJunctionRange, "cold junction out of range"},
	}
	var out []string
	for _, n := range names {
		if f.Has(n.k) {
			out = append(out, n.s)
		}
	}
	return strings.Join(out, ", ")
}

// Register addresses. Writes use the address with the high bit set.
const (
	config0Reg      uint8 = 0x00
	config1Reg      uint8 = 0x01
	coldJunctionReg uint8 = 0x09 // offset byte followed by 2 data bytes
	thermocoupleReg uint8 = 0x0C // 3 data bytes
	faultStatusReg  uint8 = 0x0F
)

const writeBit uint8 = 0x80

// Configuration Register 0 bits. Bits 1-5 (fault mode, fault clear,
// cold-junction disable, open-circuit detection) are deliberately left at
// zero: the cold-junction sensor stays enabled and faults stay in
// comparator mode.
const (
	config0Filter50Hz uint8 = 1 << 0
	config0OneShot    uint8 = 1 << 6
	config0AutoConv   uint8 = 1 << 7
)
