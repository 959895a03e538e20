// Package max31856 interfaces with the Maxim Integrated MAX31856
// thermocouple-to-digital converter over SPI.
//
// The chip linearizes and cold-junction-compensates the thermocouple voltage
// in hardware, so the values read here are already in degrees Celsius.
//
// Datasheet: https://datasheets.maximintegrated.com/en/ds/MAX31856.pdf
package max31856

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// Opts holds various configuration options for the sensor
type Opts struct {
	// Avg is how many samples the chip averages per reading. Must be 1, 2,
	// 4, 8 or 16. Higher counts slow conversions down proportionally.
	Avg int
	// Type selects the thermocouple type wired to the inputs.
	Type ThermocoupleType
	// 60Hz noise is filtered by default, enable to filter 50Hz noise instead.
	Filter50Hz bool
}

func DefaultOptions() *Opts {
	return &Opts{
		Avg:        2,
		Type:       TypeK,
		Filter50Hz: true,
	}
}

// New connects to a MAX31856 on the given port and writes Configuration
// Register 1 (thermocouple type and averaging). Configuration Register 0 is
// left at the chip default until the first mode change.
func New(p spi.Port, opts *Opts) (*Dev, error) {
	c, err := p.Connect(4*physic.MegaHertz, spi.Mode1, 8)
	if err != nil {
		return nil, fmt.Errorf("max31856: %v", err)
	}

	if opts == nil {
		opts = DefaultOptions()
	}

	o := *opts
	if o.Avg == 0 {
		o.Avg = 1
	}
	switch o.Avg {
	case 1, 2, 4, 8, 16:
	default:
		return nil, fmt.Errorf("max31856: invalid averaging count: %d", o.Avg)
	}
	if o.Type > TypeT {
		return nil, fmt.Errorf("max31856: invalid thermocouple type: %d", o.Type)
	}

	d := &Dev{
		d:    c,
		opts: o,
		name: p.String(),
		mode: ModeContinuous,
	}

	if err := d.writeReg(config1Reg, configReg1(o.Avg, o.Type)); err != nil {
		return nil, d.wrap(err)
	}

	return d, nil
}

type Dev struct {
	d    conn.Conn
	opts Opts
	name string

	mu   sync.Mutex
	mode Mode
	stop chan struct{}
	wg   sync.WaitGroup
}

func (d *Dev) String() string {
	return fmt.Sprintf("%s{%s}", d.name, d.d)
}

// Mode returns the conversion mode the device was last put in.
func (d *Dev) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Temperature reads and decodes the thermocouple temperature register. The
// value is linearized and cold-junction-compensated by the chip. Reading has
// no effect on the conversion mode.
func (d *Dev) Temperature() (physic.Temperature, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.temperature()
}

// ColdJunction reads and decodes the cold-junction temperature register,
// offset byte included.
func (d *Dev) ColdJunction() (physic.Temperature, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var buf [3]byte
	if err := d.readReg(coldJunctionReg, buf[:]); err != nil {
		return 0, d.wrap(err)
	}
	return celsius(decodeColdJunction(buf[:])), nil
}

// Faults returns a fresh snapshot of the fault status register. A nonzero
// value is data, not an error: the chip keeps converting through faults and
// it is up to the caller to decide what a set bit means for their reading.
func (d *Dev) Faults() (Fault, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var buf [1]byte
	if err := d.readReg(faultStatusReg, buf[:]); err != nil {
		return 0, d.wrap(err)
	}
	return Fault(buf[0]), nil
}

// RequestOneShot triggers a single conversion and leaves the chip in
// normally-off mode. The caller must wait ConversionTime before reading the
// temperature registers; the driver does not enforce the wait.
func (d *Dev) RequestOneShot() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writeReg(config0Reg, configReg0(true, d.opts.Filter50Hz)); err != nil {
		return d.wrap(err)
	}
	d.mode = ModeOneShotPending
	return nil
}

// SetupDRDY puts the chip in continuous conversion mode and arranges for
// handler to run on every falling edge of the DRDY pin.
//
// The pin is configured as a pulled-up falling-edge input. One throwaway
// read of the thermocouple register is performed first: DRDY may still be
// low from an earlier conversion, and without the read it would never
// produce the falling edge that fires the handler.
//
// The handler runs on a dedicated goroutine, stopped by Halt. It may use
// the device directly; register transactions are serialized internally.
func (d *Dev) SetupDRDY(p gpio.PinIn, handler func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return d.wrap(errors.New("already sensing continuously"))
	}

	if err := p.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		return d.wrap(err)
	}

	var buf [3]byte
	if err := d.readReg(thermocoupleReg, buf[:]); err != nil {
		return d.wrap(err)
	}
	if err := d.writeReg(config0Reg, configReg0(false, d.opts.Filter50Hz)); err != nil {
		return d.wrap(err)
	}
	d.mode = ModeContinuous

	d.stop = make(chan struct{})
	d.wg.Add(1)
	go func(stop <-chan struct{}) {
		defer d.wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if p.WaitForEdge(100 * time.Millisecond) {
				handler()
			}
		}
	}(d.stop)
	return nil
}

// Sense measures the thermocouple temperature once. In continuous mode it
// reads the latest conversion; otherwise it triggers a one-shot conversion
// and blocks for ConversionTime first. A fault snapshot is taken after the
// read and reported as an error if nonzero.
func (d *Dev) Sense(e *physic.Env) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sense(e)
}

// SenseContinuous returns measurements on a regular interval.
//
// The application must call Halt() to stop the sensing when done to stop the
// sensor and close the channel.
//
// It's the responsibility of the caller to retrieve the values from the
// channel as fast as possible, otherwise the interval may not be respected.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
		d.wg.Wait()
	}

	sensing := make(chan physic.Env)
	d.stop = make(chan struct{})
	d.wg.Add(1)
	go func(stop <-chan struct{}) {
		defer d.wg.Done()
		defer close(sensing)
		d.sensingContinuous(interval, sensing, stop)
	}(d.stop)
	return sensing, nil
}

// 19-bit thermocouple register, 1/128th degree Celsius per LSB.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = physic.Kelvin / 128
}

// Halt stops the goroutines started by SenseContinuous() or SetupDRDY().
//
// It is recommended to call this function before terminating the process to
// avoid a goroutine leak.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop == nil {
		return nil
	}
	close(d.stop)
	d.stop = nil
	d.wg.Wait()

	return nil
}

func (d *Dev) temperature() (physic.Temperature, error) {
	var buf [3]byte
	if err := d.readReg(thermocoupleReg, buf[:]); err != nil {
		return 0, d.wrap(err)
	}
	return celsius(decodeThermocouple(buf[:])), nil
}

func (d *Dev) sense(e *physic.Env) error {
	if d.mode != ModeContinuous {
		if err := d.writeReg(config0Reg, configReg0(true, d.opts.Filter50Hz)); err != nil {
			return d.wrap(err)
		}
		d.mode = ModeOneShotPending
		time.Sleep(ConversionTime)
	}

	temp, err := d.temperature()
	if err != nil {
		return err
	}
	e.Temperature = temp

	var buf [1]byte
	if err := d.readReg(faultStatusReg, buf[:]); err != nil {
		return d.wrap(err)
	}
	if f := Fault(buf[0]); f != 0 {
		return d.wrap(fmt.Errorf("fault detected (%#02x): %v", uint8(f), f))
	}

	return nil
}

func (d *Dev) sensingContinuous(interval time.Duration, sensing chan<- physic.Env, stop <-chan struct{}) {
	if interval < ConversionTime {
		interval = ConversionTime
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	var err error
	for {
		// Do one initial sensing right away.
		e := physic.Env{}
		d.mu.Lock()
		err = d.sense(&e)
		d.mu.Unlock()
		if err != nil {
			return
		}
		select {
		case sensing <- e:
		case <-stop:
			return
		}
		select {
		case <-stop:
			return
		case <-t.C:
		}
	}
}

// configReg0 builds Configuration Register 0. Bit 0 selects 50Hz harmonic
// rejection over the default 60Hz; bit 6 requests a one-shot conversion and
// bit 7 continuous conversions, never both. Bits 1-5 stay zero (see the bit
// constants in constants.go).
func configReg0(oneShot, filter50Hz bool) uint8 {
	var cr0 uint8
	if filter50Hz {
		cr0 |= config0Filter50Hz
	}
	if oneShot {
		cr0 |= config0OneShot
	} else {
		cr0 |= config0AutoConv
	}
	return cr0
}

// configReg1 builds Configuration Register 1: thermocouple type code in the
// low nibble, averaging level (log2 of the sample count) in bits 4-6.
// Counts that are not a power of two round down to the next lower one; New
// rejects them before they get here.
func configReg1(avg int, tc ThermocoupleType) uint8 {
	var level uint8
	for avg > 1 {
		avg /= 2
		level++
	}
	return uint8(tc) | level<<4
}

// decodeColdJunction converts the 3 bytes at the cold-junction offset
// register (offset, msb, lsb) to degrees Celsius. The 16-bit word holds a
// 14-bit field in its top bits; the offset byte is added before the
// two's-complement correction, matching the hardware. 1/64th degree per LSB.
func decodeColdJunction(b []byte) float64 {
	raw := int32(uint16(b[1])<<8|uint16(b[2])) >> 2
	raw += int32(b[0])
	if b[1]&0x80 != 0 {
		raw -= 0x4000
	}
	return float64(raw) * 0.015625
}

// decodeThermocouple converts the 3 bytes of the thermocouple register to
// degrees Celsius. 19-bit two's-complement field in the top bits, 1/128th
// degree per LSB.
func decodeThermocouple(b []byte) float64 {
	raw := int32(uint32(b[0])<<16|uint32(b[1])<<8|uint32(b[2])) >> 5
	if b[0]&0x80 != 0 {
		raw -= 0x80000
	}
	return float64(raw) * 0.0078125
}

func celsius(t float64) physic.Temperature {
	return physic.Temperature(t*1000)*physic.MilliCelsius + physic.ZeroCelsius
}

// readReg clocks out the register address then reads len(b) bytes, all in a
// single chip-select-gated transaction.
func (d *Dev) readReg(reg uint8, b []byte) error {
	read := make([]byte, len(b)+1)
	write := make([]byte, len(read))

	write[0] = reg &^ writeBit
	if err := d.d.Tx(write, read); err != nil {
		return err
	}
	copy(b, read[1:])

	return nil
}

// writeReg writes a single register. Write addresses have the high bit set.
func (d *Dev) writeReg(reg, value uint8) error {
	return d.d.Tx([]byte{reg | writeBit, value}, nil)
}

func (d *Dev) wrap(err error) error {
	return fmt.Errorf("%s: %v", strings.ToLower(d.name), err)
}

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
