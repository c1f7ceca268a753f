package dynamixel

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestModelCatalog(t *testing.T) {
	Convey("Given the built-in model catalog", t, func() {
		Convey("AX-12 resolves by model number 12", func() {
			m, err := ModelByNumber(12)
			So(err, ShouldBeNil)
			So(m.Name, ShouldEqual, "AX-12")
			So(m.PositionTicks, ShouldEqual, 1024)
			So(m.DegreeRange, ShouldEqual, 300.0)
		})

		Convey("MX-28 resolves by model number 29", func() {
			m, err := ModelByNumber(29)
			So(err, ShouldBeNil)
			So(m.Name, ShouldEqual, "MX-28")
			So(m.PositionTicks, ShouldEqual, 4096)
			So(m.DegreeRange, ShouldEqual, 360.0)
		})

		Convey("unknown numbers fail ModelByNumber", func() {
			_, err := ModelByNumber(9999)
			So(err, ShouldWrap, ErrUnknownModel)
		})

		Convey("LookupModel falls back to a generic table", func() {
			m := LookupModel(9999)
			So(m, ShouldNotBeNil)
			So(m.PositionTicks, ShouldEqual, 1024)
			So(m.Capabilities, ShouldEqual, Capability(0))

			_, err := m.Register(RegPresentPosition)
			So(err, ShouldBeNil)
		})

		Convey("RegisterModel extends the catalog", func() {
			custom := newModel("CUSTOM-1", 5000, 4096, 360, CapPID)
			RegisterModel(custom)
			defer delete(modelCatalog, 5000)

			m, err := ModelByNumber(5000)
			So(err, ShouldBeNil)
			So(m.Name, ShouldEqual, "CUSTOM-1")
		})
	})
}

func TestModelCapabilities(t *testing.T) {
	Convey("Capability tables compose onto the base register set", t, func() {
		ax, _ := ModelByNumber(12)
		mx28, _ := ModelByNumber(29)
		mx64, _ := ModelByNumber(54)
		ex, _ := ModelByNumber(107)

		Convey("AX has compliance registers but no PID gains", func() {
			So(ax.Has(CapCompliance), ShouldBeTrue)
			So(ax.Has(CapPID), ShouldBeFalse)

			_, err := ax.Register(RegCWComplianceSlope)
			So(err, ShouldBeNil)
			_, err = ax.Register(RegPGain)
			So(err, ShouldWrap, ErrUnsupportedRegister)
		})

		Convey("MX has PID gains but no compliance registers", func() {
			So(mx28.Has(CapPID), ShouldBeTrue)
			So(mx28.Has(CapCompliance), ShouldBeFalse)

			_, err := mx28.Register(RegPGain)
			So(err, ShouldBeNil)
			_, err = mx28.Register(RegCWComplianceSlope)
			So(err, ShouldWrap, ErrUnsupportedRegister)
		})

		Convey("only MX-64 and MX-106 carry torque control", func() {
			So(mx64.Has(CapTorqueControl), ShouldBeTrue)
			So(mx28.Has(CapTorqueControl), ShouldBeFalse)

			_, err := mx64.Register(RegCurrent)
			So(err, ShouldBeNil)
			_, err = mx28.Register(RegCurrent)
			So(err, ShouldWrap, ErrUnsupportedRegister)
		})

		Convey("EX-106+ carries sensed current", func() {
			So(ex.Has(CapSensedCurrent), ShouldBeTrue)
			_, err := ex.Register(RegSensedCurrent)
			So(err, ShouldBeNil)
		})

		Convey("MX models are sync capable, AX models are not", func() {
			So(mx28.Has(CapSyncWrite), ShouldBeTrue)
			So(mx28.Has(CapSyncRead), ShouldBeTrue)
			So(ax.Has(CapSyncWrite), ShouldBeFalse)
		})
	})
}

func TestRegisterEncode(t *testing.T) {
	Convey("Given the AX-12 and MX-28 register tables", t, func() {
		ax, _ := ModelByNumber(12)
		mx, _ := ModelByNumber(29)

		Convey("150 degrees on the AX-12 encodes to tick 512", func() {
			reg, _ := ax.Register(RegGoalPosition)
			data, err := reg.Encode(150)
			So(err, ShouldBeNil)
			So(data, ShouldResemble, []byte{0x00, 0x02})
		})

		Convey("180 degrees on the MX-28 encodes to tick 2048", func() {
			reg, _ := mx.Register(RegGoalPosition)
			data, err := reg.Encode(180)
			So(err, ShouldBeNil)
			So(data, ShouldResemble, []byte{0x00, 0x08})
		})

		Convey("a value rounding one tick past the top clamps instead of failing", func() {
			reg, _ := ax.Register(RegGoalPosition)
			data, err := reg.Encode(300) // rounds to tick 1024, top tick is 1023
			So(err, ShouldBeNil)
			So(data, ShouldResemble, []byte{0xFF, 0x03})
		})

		Convey("a value clearly out of range is rejected before any I/O", func() {
			reg, _ := ax.Register(RegGoalPosition)
			_, err := reg.Encode(350)
			So(err, ShouldWrap, ErrOutOfRange)

			_, err = reg.Encode(-10)
			So(err, ShouldWrap, ErrOutOfRange)
		})

		Convey("read-only registers reject writes", func() {
			reg, _ := ax.Register(RegPresentPosition)
			_, err := reg.Encode(100)
			So(err, ShouldWrap, ErrReadOnly)
		})

		Convey("single-byte registers encode one byte", func() {
			reg, _ := ax.Register(RegTorqueEnable)
			data, err := reg.Encode(1)
			So(err, ShouldBeNil)
			So(data, ShouldResemble, []byte{0x01})
		})
	})
}

func TestRegisterDecode(t *testing.T) {
	Convey("Given register payloads off the wire", t, func() {
		ax, _ := ModelByNumber(12)

		Convey("present position decodes to degrees", func() {
			reg, _ := ax.Register(RegPresentPosition)
			v, err := reg.Decode([]byte{0x00, 0x02})
			So(err, ShouldBeNil)
			So(v, ShouldEqual, 150.0)
		})

		Convey("present voltage decodes at 0.1 V per tick", func() {
			reg, _ := ax.Register(RegPresentVoltage)
			v, err := reg.Decode([]byte{0x78})
			So(err, ShouldBeNil)
			So(v, ShouldAlmostEqual, 12.0)
		})

		Convey("a short payload is malformed", func() {
			reg, _ := ax.Register(RegPresentPosition)
			_, err := reg.Decode([]byte{0x00})
			So(err, ShouldWrap, ErrMalformed)
		})
	})
}

// Encoding then decoding any in-range value lands within one tick of the
// original.
func TestRegisterRoundTrip(t *testing.T) {
	Convey("Given writable registers across the catalog", t, func() {
		cases := []struct {
			model  int
			name   string
			values []float64
		}{
			{12, RegGoalPosition, []float64{0, 90, 150, 299}},
			{29, RegGoalPosition, []float64{0, 90, 180, 359}},
			{12, RegTorqueLimit, []float64{0, 25, 50, 100}},
			{12, RegMovingSpeed, []float64{0, 50, -50, 200}},
			{29, RegPGain, []float64{0, 4, 16}},
		}

		for _, tc := range cases {
			m, err := ModelByNumber(tc.model)
			So(err, ShouldBeNil)
			reg, err := m.Register(tc.name)
			So(err, ShouldBeNil)

			for _, v := range tc.values {
				data, err := reg.Encode(v)
				So(err, ShouldBeNil)

				got, err := reg.Decode(data)
				So(err, ShouldBeNil)

				tick := tickResolution(reg)
				So(got, ShouldAlmostEqual, v, tick)
			}
		}
	})
}

// tickResolution returns the engineering-unit size of one raw tick for a
// register, the error bound of an encode/decode round trip.
func tickResolution(reg Register) float64 {
	return reg.conv.Decode(101) - reg.conv.Decode(100)
}

func TestRegistersOrderedByAddress(t *testing.T) {
	Convey("Registers() lists the table in address order", t, func() {
		m, _ := ModelByNumber(12)
		regs := m.Registers()
		So(len(regs), ShouldBeGreaterThan, 20)
		for i := 1; i < len(regs); i++ {
			So(regs[i].Address, ShouldBeGreaterThan, regs[i-1].Address)
		}
	})
}
