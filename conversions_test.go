package dynamixel

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestPositionConversion(t *testing.T) {
	Convey("Given the AX resolution of 1024 ticks over 300 degrees", t, func() {
		conv := positionConv{degreeRange: 300, ticks: 1024}

		Convey("150 degrees encodes to tick 512", func() {
			So(conv.Encode(150), ShouldEqual, 512)
		})

		Convey("tick 512 decodes to 150 degrees", func() {
			So(conv.Decode(512), ShouldEqual, 150.0)
		})

		Convey("tick 0 decodes to 0 degrees", func() {
			So(conv.Decode(0), ShouldEqual, 0.0)
		})
	})

	Convey("Given the MX resolution of 4096 ticks over 360 degrees", t, func() {
		conv := positionConv{degreeRange: 360, ticks: 4096}

		Convey("180 degrees encodes to tick 2048", func() {
			So(conv.Encode(180), ShouldEqual, 2048)
		})

		Convey("encoding rounds to the nearest tick", func() {
			// One tick is 360/4096 = 0.0879 degrees.
			So(conv.Encode(0.04), ShouldEqual, 0)
			So(conv.Encode(0.05), ShouldEqual, 1)
		})
	})
}

func TestScaleConversions(t *testing.T) {
	Convey("Voltage ticks are 0.1 V each", t, func() {
		conv := scaleConv{voltageFactor}
		So(conv.Decode(120), ShouldAlmostEqual, 12.0)
		So(conv.Encode(7.4), ShouldEqual, 74)
	})

	Convey("Torque percent spans 1023 ticks", t, func() {
		conv := scaleConv{percentFactor}
		So(conv.Decode(1023), ShouldAlmostEqual, 100.0)
		So(conv.Decode(0), ShouldEqual, 0.0)
		So(conv.Encode(50), ShouldEqual, 512)
	})

	Convey("Return delay ticks are 2 microseconds each", t, func() {
		conv := scaleConv{returnDelayFactor}
		So(conv.Decode(250), ShouldEqual, 500.0)
		So(conv.Encode(500), ShouldEqual, 250)
	})
}

func TestSignMagnitudeConversion(t *testing.T) {
	Convey("Given the speed encoding with bit 10 as direction", t, func() {
		conv := signMagnitudeConv{speedFactor}

		Convey("raw values below 1024 are CCW (positive)", func() {
			So(conv.Decode(100), ShouldAlmostEqual, 100*speedFactor)
		})

		Convey("raw values with bit 10 set are CW (negative)", func() {
			So(conv.Decode(1024+100), ShouldAlmostEqual, -100*speedFactor)
		})

		Convey("encoding a negative value sets the direction bit", func() {
			raw := conv.Encode(-100 * speedFactor)
			So(raw&0x400, ShouldNotEqual, 0)
			So(raw&0x3FF, ShouldEqual, 100)
		})

		Convey("magnitude saturates at 1023 ticks", func() {
			So(conv.Encode(100000)&0x3FF, ShouldEqual, 1023)
		})
	})

	Convey("Present load decodes at 0.1 percent per tick", t, func() {
		conv := signMagnitudeConv{loadFactor}
		So(conv.Decode(512), ShouldAlmostEqual, 51.2)
		So(conv.Decode(1024+512), ShouldAlmostEqual, -51.2)
	})
}

func TestSlopeConversion(t *testing.T) {
	Convey("Compliance slopes snap to powers of two", t, func() {
		conv := slopeConv{}
		So(conv.Encode(32), ShouldEqual, 32)
		So(conv.Encode(33), ShouldEqual, 32)
		So(conv.Encode(50), ShouldEqual, 64)
		So(conv.Encode(0), ShouldEqual, 2)
		So(conv.Encode(1000), ShouldEqual, 128)
	})
}

func TestBaudConversion(t *testing.T) {
	Convey("Baud register maps to 2M/(raw+1) bps", t, func() {
		conv := baudConv{}

		Convey("raw 1 is 1 Mbaud", func() {
			So(conv.Decode(1), ShouldEqual, 1000000.0)
		})

		Convey("raw 34 is about 57.1 kbaud", func() {
			So(conv.Decode(34), ShouldAlmostEqual, 57142.857, 0.001)
		})

		Convey("1 Mbaud encodes back to raw 1", func() {
			So(conv.Encode(1000000), ShouldEqual, 1)
		})
	})
}

func TestOffsetScaleConversion(t *testing.T) {
	Convey("MX current sensing centers at raw 2048", t, func() {
		conv := offsetScaleConv{currentFactor, currentOffset}
		So(conv.Decode(2048), ShouldEqual, 0.0)
		So(conv.Decode(2148), ShouldAlmostEqual, 0.45)
		So(conv.Decode(1948), ShouldAlmostEqual, -0.45)
		So(conv.Encode(0), ShouldEqual, 2048)
	})

	Convey("EX sensed current centers at raw 512", t, func() {
		conv := offsetScaleConv{sensedCurrentFactor, sensedCurrentOffset}
		So(conv.Decode(512), ShouldEqual, 0.0)
		So(conv.Decode(612), ShouldAlmostEqual, 1.0)
	})
}
