package dynamixel

import "math"

// Converter translates between raw register ticks and engineering units.
// Decode never fails; Encode rounds to the nearest tick and leaves range
// checking to the register definition.
type Converter interface {
	Decode(raw int) float64
	Encode(value float64) int
}

// rawConv passes values through unchanged (ids, counters, booleans).
type rawConv struct{}

func (rawConv) Decode(raw int) float64   { return float64(raw) }
func (rawConv) Encode(value float64) int { return int(math.Round(value)) }

// scaleConv applies a fixed unit-per-tick factor.
type scaleConv struct {
	factor float64
}

func (c scaleConv) Decode(raw int) float64 {
	return float64(raw) * c.factor
}

func (c scaleConv) Encode(value float64) int {
	return int(math.Round(value / c.factor))
}

// offsetScaleConv maps value = factor * (raw - offset). Current sensing
// registers center their zero point mid-range.
type offsetScaleConv struct {
	factor float64
	offset float64
}

func (c offsetScaleConv) Decode(raw int) float64 {
	return c.factor * (float64(raw) - c.offset)
}

func (c offsetScaleConv) Encode(value float64) int {
	return int(math.Round(value/c.factor + c.offset))
}

// positionConv maps position ticks to degrees over the model's mechanical
// range. Tick 0 is 0 degrees; the top tick count maps to the full range, so
// the AX family's 512 sits at 150 degrees and the MX family's 2048 at 180.
type positionConv struct {
	degreeRange float64
	ticks       int
}

func (c positionConv) Decode(raw int) float64 {
	return float64(raw) * c.degreeRange / float64(c.ticks)
}

func (c positionConv) Encode(value float64) int {
	return int(math.Round(value * float64(c.ticks) / c.degreeRange))
}

// signMagnitudeConv handles the speed and load encoding where bit 10 is a
// direction flag and bits 0-9 the magnitude. Negative means CW.
type signMagnitudeConv struct {
	factor float64
}

func (c signMagnitudeConv) Decode(raw int) float64 {
	magnitude := float64(raw & 0x3FF)
	if raw&0x400 != 0 {
		return -magnitude * c.factor
	}
	return magnitude * c.factor
}

func (c signMagnitudeConv) Encode(value float64) int {
	magnitude := int(math.Round(math.Abs(value) / c.factor))
	if magnitude > 0x3FF {
		magnitude = 0x3FF
	}
	if value < 0 {
		return magnitude | 0x400
	}
	return magnitude
}

// slopeConv handles compliance slopes, which the firmware only accepts as
// powers of two between 2 and 128. Encode snaps to the nearest valid step.
type slopeConv struct{}

func (slopeConv) Decode(raw int) float64 {
	return float64(raw)
}

func (slopeConv) Encode(value float64) int {
	best := 2
	bestDist := math.Abs(value - 2)
	for step := 4; step <= 128; step *= 2 {
		dist := math.Abs(value - float64(step))
		if dist < bestDist {
			best = step
			bestDist = dist
		}
	}
	return best
}

// baudConv maps the baud rate register to bits per second: rate = 2M/(raw+1).
type baudConv struct{}

func (baudConv) Decode(raw int) float64 {
	return 2000000.0 / (float64(raw) + 1)
}

func (baudConv) Encode(value float64) int {
	return int(math.Round(2000000.0/value)) - 1
}

// Conversion factors shared across register tables.
const (
	// Degrees per second per speed tick. The MX series steps finer.
	speedFactor   = 6 * 0.111   // AX, RX, EX
	speedFactorMX = 6 * 0.11445 // MX

	// Percent of maximum per tick for torque, punch and load fields.
	percentFactor = 100.0 / 1023.0
	loadFactor    = 0.1

	// Volts per tick.
	voltageFactor = 0.1

	// Microseconds per return delay tick.
	returnDelayFactor = 2.0

	// PID gain scaling on the MX series.
	gainPFactor = 1.0 / 8.0
	gainIFactor = 1.0 / 2.048
	gainDFactor = 0.004

	// Degrees per second squared per goal acceleration tick.
	accelFactor = 8.583

	// Amperes per tick on the current sensing registers.
	currentFactor       = 0.0045 // MX-64/MX-106, centered at 2048
	currentOffset       = 2048.0
	sensedCurrentFactor = 0.01 // EX-106+, centered at 512
	sensedCurrentOffset = 512.0
)
