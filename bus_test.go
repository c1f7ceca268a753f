package dynamixel

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dynamixel-go/dynamixel/transports"
)

func testBus(t *testing.T, mock *transports.MockTransport) *Bus {
	t.Helper()
	bus, err := NewBus(BusConfig{
		Transport:     mock,
		Timeout:       20 * time.Millisecond,
		Retries:       -1,
		MinCommandGap: time.Microsecond,
	})
	if err != nil {
		t.Fatalf("NewBus() error = %v", err)
	}
	return bus
}

func statusFrame(t *testing.T, id byte, status StatusError, params []byte) []byte {
	t.Helper()
	frame, err := Encode(Packet{ID: id, Instruction: byte(status), Parameters: params})
	if err != nil {
		t.Fatal(err)
	}
	return frame
}

func TestBusPing(t *testing.T) {
	mock := &transports.MockTransport{
		Responses: [][]byte{statusFrame(t, 1, 0, nil)},
	}
	bus := testBus(t, mock)
	defer bus.Close()

	if err := bus.Ping(context.Background(), 1); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	wantFrame, _ := PingPacket(1)
	if len(mock.Writes) != 1 || !bytes.Equal(mock.Writes[0], wantFrame) {
		t.Errorf("wrote % X, want % X", mock.Writes, wantFrame)
	}
}

func TestBusPingNoResponse(t *testing.T) {
	mock := &transports.MockTransport{}
	bus := testBus(t, mock)
	defer bus.Close()

	err := bus.Ping(context.Background(), 1)
	if !IsTimeout(err) {
		t.Fatalf("Ping() error = %v, want timeout", err)
	}

	motorErr, ok := GetMotorError(err)
	if !ok || motorErr.ID != 1 {
		t.Errorf("error does not identify motor 1: %v", err)
	}
}

func TestBusReadData(t *testing.T) {
	mock := &transports.MockTransport{
		Responses: [][]byte{statusFrame(t, 1, 0, []byte{0x00, 0x02})},
	}
	bus := testBus(t, mock)
	defer bus.Close()

	res, err := bus.ReadData(context.Background(), 1, 0x24, 2)
	if err != nil {
		t.Fatalf("ReadData() error = %v", err)
	}
	if !bytes.Equal(res.Data, []byte{0x00, 0x02}) {
		t.Errorf("data = % X, want 00 02", res.Data)
	}
	if res.Status.HasError() {
		t.Errorf("status = %v, want clean", res.Status)
	}
}

// Hardware error flags ride along with the payload; they are not failures.
func TestBusReadDataSurfacesStatusFlags(t *testing.T) {
	mock := &transports.MockTransport{
		Responses: [][]byte{statusFrame(t, 1, ErrOverheat, []byte{0x40})},
	}
	bus := testBus(t, mock)
	defer bus.Close()

	res, err := bus.ReadData(context.Background(), 1, 0x2B, 1)
	if err != nil {
		t.Fatalf("ReadData() error = %v", err)
	}
	if res.Status&ErrOverheat == 0 {
		t.Errorf("status = %v, want overheat flag", res.Status)
	}
	if res.Data[0] != 0x40 {
		t.Errorf("data = % X", res.Data)
	}
}

func TestBusWriteData(t *testing.T) {
	mock := &transports.MockTransport{
		Responses: [][]byte{statusFrame(t, 1, 0, nil)},
	}
	bus := testBus(t, mock)
	defer bus.Close()

	status, err := bus.WriteData(context.Background(), 1, 0x1E, []byte{0x00, 0x02})
	if err != nil {
		t.Fatalf("WriteData() error = %v", err)
	}
	if status.HasError() {
		t.Errorf("status = %v", status)
	}

	wantFrame, _ := WritePacket(1, 0x1E, []byte{0x00, 0x02})
	if len(mock.Writes) != 1 || !bytes.Equal(mock.Writes[0], wantFrame) {
		t.Errorf("wrote % X, want % X", mock.Writes, wantFrame)
	}
}

// Broadcast writes expect no status packet and must not wait for one.
func TestBusWriteDataBroadcast(t *testing.T) {
	mock := &transports.MockTransport{}
	bus := testBus(t, mock)
	defer bus.Close()

	start := time.Now()
	if _, err := bus.WriteData(context.Background(), BroadcastID, 0x19, []byte{0x01}); err != nil {
		t.Fatalf("WriteData(broadcast) error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Errorf("broadcast write blocked for %v", elapsed)
	}
}

func TestBusRetriesOnCorruptResponse(t *testing.T) {
	good := statusFrame(t, 1, 0, []byte{0x00, 0x02})
	corrupt := make([]byte, len(good))
	copy(corrupt, good)
	corrupt[len(corrupt)-1] ^= 0xFF

	mock := &transports.MockTransport{
		Responses: [][]byte{corrupt, good},
	}
	bus, err := NewBus(BusConfig{
		Transport:     mock,
		Timeout:       20 * time.Millisecond,
		Retries:       2,
		MinCommandGap: time.Microsecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	res, err := bus.ReadData(context.Background(), 1, 0x24, 2)
	if err != nil {
		t.Fatalf("ReadData() error = %v", err)
	}
	if !bytes.Equal(res.Data, []byte{0x00, 0x02}) {
		t.Errorf("data = % X", res.Data)
	}
	if len(mock.Writes) != 2 {
		t.Errorf("request sent %d times, want 2", len(mock.Writes))
	}
}

func TestBusRetriesExhausted(t *testing.T) {
	mock := &transports.MockTransport{}
	bus, err := NewBus(BusConfig{
		Transport:     mock,
		Timeout:       5 * time.Millisecond,
		Retries:       2,
		MinCommandGap: time.Microsecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	_, err = bus.ReadData(context.Background(), 1, 0x24, 2)
	if !IsTimeout(err) {
		t.Fatalf("ReadData() error = %v, want timeout", err)
	}
	if len(mock.Writes) != 3 {
		t.Errorf("request sent %d times, want 3 (1 + 2 retries)", len(mock.Writes))
	}
}

func TestBusWriteFailureIsPortUnavailable(t *testing.T) {
	mock := &transports.MockTransport{WriteErr: errors.New("device unplugged")}
	bus := testBus(t, mock)
	defer bus.Close()

	err := bus.Ping(context.Background(), 1)
	if !errors.Is(err, ErrPortUnavailable) {
		t.Fatalf("Ping() error = %v, want ErrPortUnavailable", err)
	}
}

func TestBusSyncWrite(t *testing.T) {
	mock := &transports.MockTransport{}
	bus := testBus(t, mock)
	defer bus.Close()

	err := bus.SyncWrite(context.Background(), 0x1E, 2, map[int][]byte{
		1: {0x00, 0x02},
		2: {0x00, 0x04},
	})
	if err != nil {
		t.Fatalf("SyncWrite() error = %v", err)
	}

	want := []byte{0xFF, 0xFF, 0xFE, 0x0A, 0x83, 0x1E, 0x02, 0x01, 0x00, 0x02, 0x02, 0x00, 0x04, 0x4B}
	if len(mock.Writes) != 1 || !bytes.Equal(mock.Writes[0], want) {
		t.Errorf("wrote % X, want % X", mock.Writes, want)
	}
}

func TestBusSyncWriteLengthMismatch(t *testing.T) {
	mock := &transports.MockTransport{}
	bus := testBus(t, mock)
	defer bus.Close()

	err := bus.SyncWrite(context.Background(), 0x1E, 2, map[int][]byte{1: {0x00}})
	if err == nil {
		t.Fatal("SyncWrite() accepted mismatched data length")
	}
	if len(mock.Writes) != 0 {
		t.Error("invalid sync write reached the wire")
	}
}

func TestBusSyncRead(t *testing.T) {
	mock := &transports.MockTransport{
		Responses: [][]byte{append(
			statusFrame(t, 1, 0, []byte{0x00, 0x02}),
			statusFrame(t, 2, 0, []byte{0x00, 0x04})...,
		)},
	}
	bus := testBus(t, mock)
	defer bus.Close()

	results, err := bus.SyncRead(context.Background(), 0x24, 2, []int{1, 2})
	if err != nil {
		t.Fatalf("SyncRead() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if !bytes.Equal(results[1].Data, []byte{0x00, 0x02}) || !bytes.Equal(results[2].Data, []byte{0x00, 0x04}) {
		t.Errorf("results = %+v", results)
	}
}

// A motor that stays silent during a sync read is simply absent from the
// result map; the others still come through.
func TestBusSyncReadPartialResponse(t *testing.T) {
	mock := &transports.MockTransport{
		Responses: [][]byte{statusFrame(t, 1, 0, []byte{0x00, 0x02})},
	}
	bus := testBus(t, mock)
	defer bus.Close()

	results, err := bus.SyncRead(context.Background(), 0x24, 2, []int{1, 2})
	if err != nil {
		t.Fatalf("SyncRead() error = %v", err)
	}
	if _, ok := results[1]; !ok {
		t.Error("motor 1 missing from results")
	}
	if _, ok := results[2]; ok {
		t.Error("silent motor 2 present in results")
	}
}

func TestBusScan(t *testing.T) {
	mock := &transports.MockTransport{
		Responses: [][]byte{
			statusFrame(t, 1, 0, nil),
			statusFrame(t, 3, 0, nil),
		},
	}
	// The mock hands out one queued frame per read regardless of the id
	// pinged, so script responders at the first ids probed.
	mock.ReadFunc = func(p []byte) (int, error) {
		if len(mock.Responses) == 0 {
			return 0, errNothingQueued
		}
		next := mock.Responses[0]
		// Only answer when the ping matches the scripted responder id.
		lastPing := mock.Writes[len(mock.Writes)-1]
		if lastPing[2] != next[2] {
			return 0, errNothingQueued
		}
		n := copy(p, next)
		mock.Responses = mock.Responses[1:]
		return n, nil
	}

	bus := testBus(t, mock)
	defer bus.Close()

	ids, err := bus.Scan(context.Background(), 0, 5)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Errorf("Scan() = %v, want [1 3]", ids)
	}
}

var errNothingQueued = errors.New("nothing queued")

func TestBusClosed(t *testing.T) {
	mock := &transports.MockTransport{}
	bus := testBus(t, mock)

	if err := bus.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !mock.Closed {
		t.Error("transport not closed")
	}

	if err := bus.Ping(context.Background(), 1); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Ping() after close error = %v, want ErrBusClosed", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestBusContextCancellation(t *testing.T) {
	mock := &transports.MockTransport{}
	bus := testBus(t, mock)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := bus.ReadData(ctx, 1, 0x24, 2); !errors.Is(err, context.Canceled) {
		t.Errorf("ReadData() error = %v, want context.Canceled", err)
	}
}
