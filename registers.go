package dynamixel

import (
	"fmt"
	"sort"
)

// Access describes whether a register accepts writes.
type Access int

const (
	ReadOnly Access = iota
	ReadWrite
)

// Capability flags describe optional features a motor model supports.
type Capability uint16

const (
	// CapCompliance marks models with the margin/slope compliance registers
	// at addresses 26-29 (AX, RX, EX series).
	CapCompliance Capability = 1 << iota

	// CapPID marks models with D/I/P gain registers at 26-28 (MX series).
	CapPID

	// CapGoalAcceleration marks models with the acceleration register at 73.
	CapGoalAcceleration

	// CapTorqueControl marks models with direct torque control (MX-64,
	// MX-106).
	CapTorqueControl

	// CapSensedCurrent marks models with the sensed current register at 56
	// (EX-106+).
	CapSensedCurrent

	// CapSyncWrite marks models safe to address in grouped sync writes.
	CapSyncWrite

	// CapSyncRead marks models whose firmware answers sync read bursts.
	CapSyncRead
)

// Register describes one entry of a motor's control table.
type Register struct {
	Name    string
	Address byte
	Size    int // 1 or 2 bytes
	Access  Access

	// Persistent marks EEPROM registers. Writes to them need a settle
	// delay before the motor answers reliably again.
	Persistent bool

	// RawMin and RawMax bound the accepted raw values for writes.
	RawMin int
	RawMax int

	conv Converter
}

// Decode converts raw register bytes into engineering units.
func (r Register) Decode(data []byte) (float64, error) {
	if len(data) < r.Size {
		return 0, fmt.Errorf("%w: register %s needs %d bytes, have %d", ErrMalformed, r.Name, r.Size, len(data))
	}

	var raw int
	if r.Size == 2 {
		raw = int(DecodeWord(data))
	} else {
		raw = int(data[0])
	}
	return r.conv.Decode(raw), nil
}

// Encode converts engineering units into raw register bytes, rejecting
// values outside the register's range. A value that rounds exactly one tick
// past a bound is clamped to the bound instead; rounding at the edge of the
// mechanical range should not fail.
func (r Register) Encode(value float64) ([]byte, error) {
	if r.Access == ReadOnly {
		return nil, fmt.Errorf("%w: %s", ErrReadOnly, r.Name)
	}

	raw := r.conv.Encode(value)
	switch {
	case raw >= r.RawMin && raw <= r.RawMax:
	case raw == r.RawMax+1:
		raw = r.RawMax
	case raw == r.RawMin-1:
		raw = r.RawMin
	default:
		return nil, fmt.Errorf("%w: %s=%v (raw %d not in [%d, %d])", ErrOutOfRange, r.Name, value, raw, r.RawMin, r.RawMax)
	}

	if r.Size == 2 {
		return EncodeWord(uint16(raw)), nil
	}
	return []byte{byte(raw)}, nil
}

// Register names. Tables index registers by these.
const (
	RegModelNumber         = "model_number"
	RegFirmware            = "firmware"
	RegID                  = "id"
	RegBaudRate            = "baudrate"
	RegReturnDelay         = "return_delay"
	RegCWAngleLimit        = "cw_angle_limit"
	RegCCWAngleLimit       = "ccw_angle_limit"
	RegTemperatureLimit    = "temperature_limit"
	RegMinVoltageLimit     = "min_voltage_limit"
	RegMaxVoltageLimit     = "max_voltage_limit"
	RegMaxTorque           = "max_torque"
	RegStatusReturnLevel   = "status_return_level"
	RegAlarmLED            = "alarm_led"
	RegAlarmShutdown       = "alarm_shutdown"
	RegTorqueEnable        = "torque_enable"
	RegLED                 = "led"
	RegCWComplianceMargin  = "cw_compliance_margin"
	RegCCWComplianceMargin = "ccw_compliance_margin"
	RegCWComplianceSlope   = "cw_compliance_slope"
	RegCCWComplianceSlope  = "ccw_compliance_slope"
	RegDGain               = "d_gain"
	RegIGain               = "i_gain"
	RegPGain               = "p_gain"
	RegGoalPosition        = "goal_position"
	RegMovingSpeed         = "moving_speed"
	RegTorqueLimit         = "torque_limit"
	RegPresentPosition     = "present_position"
	RegPresentSpeed        = "present_speed"
	RegPresentLoad         = "present_load"
	RegPresentVoltage      = "present_voltage"
	RegPresentTemperature  = "present_temperature"
	RegRegistered          = "registered"
	RegMoving              = "moving"
	RegLock                = "lock"
	RegPunch               = "punch"
	RegSensedCurrent       = "sensed_current"
	RegCurrent             = "current"
	RegTorqueControl       = "torque_control_enable"
	RegGoalTorque          = "goal_torque"
	RegGoalAcceleration    = "goal_acceleration"
)

// Model describes one motor model: its register table, resolution and
// capabilities.
type Model struct {
	Name   string
	Number int

	// PositionTicks and DegreeRange define the position resolution: tick 0
	// is 0 degrees and PositionTicks ticks span DegreeRange degrees.
	PositionTicks int
	DegreeRange   float64

	Capabilities Capability

	registers map[string]Register
}

// Has reports whether the model supports a capability.
func (m *Model) Has(c Capability) bool {
	return m.Capabilities&c != 0
}

// Register looks up a register by name.
func (m *Model) Register(name string) (Register, error) {
	reg, ok := m.registers[name]
	if !ok {
		return Register{}, fmt.Errorf("%w: %s has no register %q", ErrUnsupportedRegister, m.Name, name)
	}
	return reg, nil
}

// Registers returns the model's register table ordered by address.
func (m *Model) Registers() []Register {
	regs := make([]Register, 0, len(m.registers))
	for _, reg := range m.registers {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].Address < regs[j].Address })
	return regs
}

func newModel(name string, number, ticks int, degreeRange float64, caps Capability, extras ...Register) *Model {
	pos := positionConv{degreeRange: degreeRange, ticks: ticks}
	speed := speedFactor
	if caps&CapPID != 0 {
		speed = speedFactorMX
	}

	table := []Register{
		{Name: RegModelNumber, Address: 0, Size: 2, Access: ReadOnly, Persistent: true, conv: rawConv{}},
		{Name: RegFirmware, Address: 2, Size: 1, Access: ReadOnly, Persistent: true, conv: rawConv{}},
		{Name: RegID, Address: 3, Size: 1, Access: ReadWrite, Persistent: true, RawMax: MaxMotorID, conv: rawConv{}},
		{Name: RegBaudRate, Address: 4, Size: 1, Access: ReadWrite, Persistent: true, RawMax: 254, conv: baudConv{}},
		{Name: RegReturnDelay, Address: 5, Size: 1, Access: ReadWrite, Persistent: true, RawMax: 254, conv: scaleConv{returnDelayFactor}},
		{Name: RegCWAngleLimit, Address: 6, Size: 2, Access: ReadWrite, Persistent: true, RawMax: ticks - 1, conv: pos},
		{Name: RegCCWAngleLimit, Address: 8, Size: 2, Access: ReadWrite, Persistent: true, RawMax: ticks - 1, conv: pos},
		{Name: RegTemperatureLimit, Address: 11, Size: 1, Access: ReadWrite, Persistent: true, RawMax: 150, conv: rawConv{}},
		{Name: RegMinVoltageLimit, Address: 12, Size: 1, Access: ReadWrite, Persistent: true, RawMin: 50, RawMax: 250, conv: scaleConv{voltageFactor}},
		{Name: RegMaxVoltageLimit, Address: 13, Size: 1, Access: ReadWrite, Persistent: true, RawMin: 50, RawMax: 250, conv: scaleConv{voltageFactor}},
		{Name: RegMaxTorque, Address: 14, Size: 2, Access: ReadWrite, Persistent: true, RawMax: 1023, conv: scaleConv{percentFactor}},
		{Name: RegStatusReturnLevel, Address: 16, Size: 1, Access: ReadWrite, Persistent: true, RawMax: 2, conv: rawConv{}},
		{Name: RegAlarmLED, Address: 17, Size: 1, Access: ReadWrite, Persistent: true, RawMax: 127, conv: rawConv{}},
		{Name: RegAlarmShutdown, Address: 18, Size: 1, Access: ReadWrite, Persistent: true, RawMax: 127, conv: rawConv{}},
		{Name: RegTorqueEnable, Address: 24, Size: 1, Access: ReadWrite, RawMax: 1, conv: rawConv{}},
		{Name: RegLED, Address: 25, Size: 1, Access: ReadWrite, RawMax: 1, conv: rawConv{}},
		{Name: RegGoalPosition, Address: 30, Size: 2, Access: ReadWrite, RawMax: ticks - 1, conv: pos},
		{Name: RegMovingSpeed, Address: 32, Size: 2, Access: ReadWrite, RawMax: 2047, conv: signMagnitudeConv{speed}},
		{Name: RegTorqueLimit, Address: 34, Size: 2, Access: ReadWrite, RawMax: 1023, conv: scaleConv{percentFactor}},
		{Name: RegPresentPosition, Address: 36, Size: 2, Access: ReadOnly, conv: pos},
		{Name: RegPresentSpeed, Address: 38, Size: 2, Access: ReadOnly, conv: signMagnitudeConv{speed}},
		{Name: RegPresentLoad, Address: 40, Size: 2, Access: ReadOnly, conv: signMagnitudeConv{loadFactor}},
		{Name: RegPresentVoltage, Address: 42, Size: 1, Access: ReadOnly, conv: scaleConv{voltageFactor}},
		{Name: RegPresentTemperature, Address: 43, Size: 1, Access: ReadOnly, conv: rawConv{}},
		{Name: RegRegistered, Address: 44, Size: 1, Access: ReadOnly, conv: rawConv{}},
		{Name: RegMoving, Address: 46, Size: 1, Access: ReadOnly, conv: rawConv{}},
		{Name: RegLock, Address: 47, Size: 1, Access: ReadWrite, RawMax: 1, conv: rawConv{}},
		{Name: RegPunch, Address: 48, Size: 2, Access: ReadWrite, RawMin: 32, RawMax: 1023, conv: scaleConv{percentFactor}},
	}

	if caps&CapCompliance != 0 {
		// Margin ticks have the same pitch as position ticks.
		margin := scaleConv{degreeRange / float64(ticks)}
		table = append(table,
			Register{Name: RegCWComplianceMargin, Address: 26, Size: 1, Access: ReadWrite, RawMax: 254, conv: margin},
			Register{Name: RegCCWComplianceMargin, Address: 27, Size: 1, Access: ReadWrite, RawMax: 254, conv: margin},
			Register{Name: RegCWComplianceSlope, Address: 28, Size: 1, Access: ReadWrite, RawMin: 2, RawMax: 128, conv: slopeConv{}},
			Register{Name: RegCCWComplianceSlope, Address: 29, Size: 1, Access: ReadWrite, RawMin: 2, RawMax: 128, conv: slopeConv{}},
		)
	}
	if caps&CapPID != 0 {
		table = append(table,
			Register{Name: RegDGain, Address: 26, Size: 1, Access: ReadWrite, RawMax: 254, conv: scaleConv{gainDFactor}},
			Register{Name: RegIGain, Address: 27, Size: 1, Access: ReadWrite, RawMax: 254, conv: scaleConv{gainIFactor}},
			Register{Name: RegPGain, Address: 28, Size: 1, Access: ReadWrite, RawMax: 254, conv: scaleConv{gainPFactor}},
		)
	}
	if caps&CapGoalAcceleration != 0 {
		table = append(table,
			Register{Name: RegGoalAcceleration, Address: 73, Size: 1, Access: ReadWrite, RawMax: 254, conv: scaleConv{accelFactor}},
		)
	}
	if caps&CapTorqueControl != 0 {
		table = append(table,
			Register{Name: RegCurrent, Address: 68, Size: 2, Access: ReadOnly, conv: offsetScaleConv{currentFactor, currentOffset}},
			Register{Name: RegTorqueControl, Address: 70, Size: 1, Access: ReadWrite, RawMax: 1, conv: rawConv{}},
			Register{Name: RegGoalTorque, Address: 71, Size: 2, Access: ReadWrite, RawMax: 2047, conv: signMagnitudeConv{currentFactor}},
		)
	}
	if caps&CapSensedCurrent != 0 {
		table = append(table,
			Register{Name: RegSensedCurrent, Address: 56, Size: 2, Access: ReadOnly, conv: offsetScaleConv{sensedCurrentFactor, sensedCurrentOffset}},
		)
	}
	table = append(table, extras...)

	registers := make(map[string]Register, len(table))
	for _, reg := range table {
		registers[reg.Name] = reg
	}

	return &Model{
		Name:          name,
		Number:        number,
		PositionTicks: ticks,
		DegreeRange:   degreeRange,
		Capabilities:  caps,
		registers:     registers,
	}
}

const (
	axCaps = CapCompliance
	mxCaps = CapPID | CapGoalAcceleration | CapSyncWrite | CapSyncRead
)

var modelCatalog = map[int]*Model{}

func init() {
	for _, m := range []*Model{
		newModel("AX-12", 12, 1024, 300, axCaps),
		newModel("AX-18", 18, 1024, 300, axCaps),
		newModel("AX-12W", 44, 1024, 300, axCaps),
		newModel("RX-10", 10, 1024, 300, axCaps),
		newModel("RX-24F", 24, 1024, 300, axCaps),
		newModel("RX-28", 28, 1024, 300, axCaps),
		newModel("RX-64", 64, 1024, 300, axCaps),
		newModel("MX-12W", 360, 4096, 360, mxCaps),
		newModel("MX-28", 29, 4096, 360, mxCaps),
		newModel("MX-64", 54, 4096, 360, mxCaps|CapTorqueControl),
		newModel("MX-106", 320, 4096, 360, mxCaps|CapTorqueControl),
		newModel("EX-106+", 107, 4096, 250.92, axCaps|CapSensedCurrent),
	} {
		modelCatalog[m.Number] = m
	}
}

// RegisterModel adds or replaces a model in the catalog. Call before
// discovery to teach the library about motors it does not ship tables for.
func RegisterModel(m *Model) {
	modelCatalog[m.Number] = m
}

// ModelByNumber looks up a model by its model number register value.
func ModelByNumber(number int) (*Model, error) {
	m, ok := modelCatalog[number]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownModel, number)
	}
	return m, nil
}

// LookupModel resolves a model number to its catalog entry, falling back to
// a conservative generic table for unknown numbers so discovery never
// rejects a responding motor.
func LookupModel(number int) *Model {
	if m, ok := modelCatalog[number]; ok {
		return m
	}
	return GenericModel(number)
}

// GenericModel builds a fallback model for an unrecognized model number: the
// shared AX-style control table at 1024 ticks over 300 degrees, with no
// optional capabilities. Position conversions are only as trustworthy as
// that guess; callers wanting exact units should RegisterModel a real table.
func GenericModel(number int) *Model {
	return newModel(fmt.Sprintf("unknown-%d", number), number, 1024, 300, 0)
}
