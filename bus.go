package dynamixel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dynamixel-go/dynamixel/transports"
)

// Bus owns the half-duplex serial line and serializes every transaction on
// it. At most one request is in flight at any time.
type Bus struct {
	transport Transport
	timeout   time.Duration
	retries   int

	mu          sync.Mutex
	lastCmdTime time.Time
	minCmdGap   time.Duration
	closed      bool
}

// BusConfig holds configuration for creating a new Bus.
type BusConfig struct {
	// Transport is the underlying communication transport.
	// If nil, Port must be specified to open a serial connection.
	Transport Transport

	// Port is the serial port path (e.g., "/dev/ttyUSB0").
	// Ignored if Transport is provided.
	Port string

	// BaudRate is the communication speed. Default is 1000000.
	BaudRate int

	// Timeout is the per-request response deadline. Default is 100ms.
	Timeout time.Duration

	// Retries is the number of extra attempts after a timeout or a corrupt
	// response. Default is 2; a negative value disables retrying.
	Retries int

	// MinCommandGap is the minimum time between commands. Default is 1ms.
	MinCommandGap time.Duration
}

// ReadResult carries the payload of a status packet together with the
// hardware error flags the motor reported alongside it.
type ReadResult struct {
	Data   []byte
	Status StatusError
}

// NewBus creates a new bus with the given configuration.
func NewBus(cfg BusConfig) (*Bus, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 1000000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	if cfg.Retries == 0 {
		cfg.Retries = 2
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.MinCommandGap == 0 {
		cfg.MinCommandGap = time.Millisecond
	}

	transport := cfg.Transport
	if transport == nil {
		if cfg.Port == "" {
			return nil, fmt.Errorf("either Transport or Port must be specified")
		}
		var err error
		transport, err = transports.OpenSerial(transports.SerialConfig{
			Port:     cfg.Port,
			BaudRate: cfg.BaudRate,
			Timeout:  cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port: %w", err)
		}
	}

	return &Bus{
		transport:   transport,
		timeout:     cfg.Timeout,
		retries:     cfg.Retries,
		minCmdGap:   cfg.MinCommandGap,
		lastCmdTime: time.Now(),
	}, nil
}

// Close closes the bus and releases the serial resource. Safe to call twice.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	return b.transport.Close()
}

// Ping checks whether a motor responds at the given ID.
func (b *Bus) Ping(ctx context.Context, id int) error {
	if err := validateID(id); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	frame, err := PingPacket(byte(id))
	if err != nil {
		return err
	}

	resp, err := b.exchangeLocked(ctx, frame, ResponseLength(0))
	if err != nil {
		return &MotorError{ID: id, Op: "ping", Err: err}
	}
	if resp.ID != byte(id) {
		return &MotorError{ID: id, Op: "ping", Err: fmt.Errorf("%w: response from id %d", ErrMalformed, resp.ID)}
	}

	return nil
}

// ReadData reads length bytes starting at a register address. Hardware error
// flags reported by the motor are returned with the payload, not as an error.
func (b *Bus) ReadData(ctx context.Context, id int, address byte, length int) (ReadResult, error) {
	if err := validateID(id); err != nil {
		return ReadResult{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ReadResult{}, ErrBusClosed
	}

	return b.readDataLocked(ctx, id, address, length)
}

func (b *Bus) readDataLocked(ctx context.Context, id int, address byte, length int) (ReadResult, error) {
	frame, err := ReadPacket(byte(id), address, byte(length))
	if err != nil {
		return ReadResult{}, err
	}

	resp, err := b.exchangeLocked(ctx, frame, ResponseLength(length))
	if err != nil {
		return ReadResult{}, &MotorError{ID: id, Op: "read", Err: err}
	}
	if resp.ID != byte(id) {
		return ReadResult{}, &MotorError{ID: id, Op: "read", Err: fmt.Errorf("%w: response from id %d", ErrMalformed, resp.ID)}
	}

	return ReadResult{Data: resp.Parameters, Status: resp.Status()}, nil
}

// WriteData writes data starting at a register address. A broadcast write
// (id 254) elicits no status packet and returns immediately after the write.
func (b *Bus) WriteData(ctx context.Context, id int, address byte, data []byte) (StatusError, error) {
	if err := validateBroadcastID(id); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrBusClosed
	}

	return b.writeDataLocked(ctx, id, address, data)
}

func (b *Bus) writeDataLocked(ctx context.Context, id int, address byte, data []byte) (StatusError, error) {
	frame, err := WritePacket(byte(id), address, data)
	if err != nil {
		return 0, err
	}

	respLen := ResponseLength(0)
	if id == BroadcastID {
		respLen = 0
	}

	resp, err := b.exchangeLocked(ctx, frame, respLen)
	if err != nil {
		return 0, &MotorError{ID: id, Op: "write", Err: err}
	}
	if respLen > 0 && resp.ID != byte(id) {
		return 0, &MotorError{ID: id, Op: "write", Err: fmt.Errorf("%w: response from id %d", ErrMalformed, resp.ID)}
	}

	return resp.Status(), nil
}

// RegWrite buffers a write in the motor; it executes when an ACTION
// instruction arrives.
func (b *Bus) RegWrite(ctx context.Context, id int, address byte, data []byte) (StatusError, error) {
	if err := validateID(id); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrBusClosed
	}

	frame, err := RegWritePacket(byte(id), address, data)
	if err != nil {
		return 0, err
	}

	resp, err := b.exchangeLocked(ctx, frame, ResponseLength(0))
	if err != nil {
		return 0, &MotorError{ID: id, Op: "reg_write", Err: err}
	}

	return resp.Status(), nil
}

// Action triggers execution of all buffered RegWrite commands on the bus.
func (b *Bus) Action(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	frame, err := ActionPacket()
	if err != nil {
		return err
	}

	// Broadcast, no response expected.
	_, err = b.exchangeLocked(ctx, frame, 0)
	if err != nil {
		return &CommError{Op: "action", Err: err}
	}
	return nil
}

// Reset issues a factory reset to a motor. The motor reverts to id 1 and
// default EEPROM contents; use with care.
func (b *Bus) Reset(ctx context.Context, id int) error {
	if err := validateID(id); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	frame, err := ResetPacket(byte(id))
	if err != nil {
		return err
	}

	_, err = b.exchangeLocked(ctx, frame, ResponseLength(0))
	if err != nil {
		return &MotorError{ID: id, Op: "reset", Err: err}
	}
	return nil
}

// SyncWrite writes the same register on multiple motors in one transaction.
// motorData maps motor ID to the raw bytes to write; every entry must be
// dataLen bytes. Sync writes are broadcast and produce no status packets.
func (b *Bus) SyncWrite(ctx context.Context, address byte, dataLen int, motorData map[int][]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	byteData := make(map[byte][]byte, len(motorData))
	for id, data := range motorData {
		if err := validateID(id); err != nil {
			return err
		}
		if len(data) != dataLen {
			return fmt.Errorf("motor %d: data length mismatch: expected %d, got %d", id, dataLen, len(data))
		}
		byteData[byte(id)] = data
	}

	frame, err := SyncWritePacket(address, byte(dataLen), byteData)
	if err != nil {
		return err
	}

	if _, err := b.exchangeLocked(ctx, frame, 0); err != nil {
		return &CommError{Op: "sync_write", Err: err}
	}
	return nil
}

// SyncRead reads the same register from multiple motors in one bus
// transaction. The result map omits motors that did not answer; callers
// account for the missing ids. Availability depends on the adapter and
// firmware, see Model capabilities.
func (b *Bus) SyncRead(ctx context.Context, address byte, dataLen int, ids []int) (map[int]ReadResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	byteIDs := make([]byte, len(ids))
	for i, id := range ids {
		if err := validateID(id); err != nil {
			return nil, err
		}
		byteIDs[i] = byte(id)
	}

	frame, err := SyncReadPacket(address, byte(dataLen), byteIDs)
	if err != nil {
		return nil, err
	}

	if err := b.sendFrameLocked(frame); err != nil {
		return nil, &CommError{Op: "sync_read", Err: err}
	}

	expectedLen := len(ids) * ResponseLength(dataLen)
	raw, err := b.readRawBytesLocked(ctx, expectedLen)
	if err != nil && len(raw) == 0 {
		return nil, &CommError{Op: "sync_read", Err: err}
	}

	result := make(map[int]ReadResult, len(ids))
	for _, pkt := range DecodeMultiple(raw, len(ids)) {
		result[int(pkt.ID)] = ReadResult{Data: pkt.Parameters, Status: pkt.Status()}
	}
	return result, nil
}

// Scan pings every ID in [startID, endID] and returns the ids that
// responded, in ascending order. Each id gets a single attempt; scanning
// relies on the caller's short per-request timeout, not the retry budget.
func (b *Bus) Scan(ctx context.Context, startID, endID int) ([]int, error) {
	if startID < 0 || endID > MaxMotorID || startID > endID {
		return nil, fmt.Errorf("%w: scan range %d to %d", ErrInvalidID, startID, endID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	var found []int
	for id := startID; id <= endID; id++ {
		if err := ctx.Err(); err != nil {
			return found, err
		}

		frame, err := PingPacket(byte(id))
		if err != nil {
			return found, err
		}
		if err := b.sendFrameLocked(frame); err != nil {
			return found, err
		}
		resp, err := b.readResponseLocked(ctx, ResponseLength(0))
		if err != nil || resp.ID != byte(id) {
			continue // no motor at this id
		}
		found = append(found, id)
	}

	return found, nil
}

// Internal methods

func validateID(id int) error {
	if id < 0 || id > MaxMotorID {
		return fmt.Errorf("%w: %d (valid range: 0-%d)", ErrInvalidID, id, MaxMotorID)
	}
	return nil
}

func validateBroadcastID(id int) error {
	if id == BroadcastID {
		return nil
	}
	return validateID(id)
}

// exchangeLocked performs one request/response transaction, retrying on
// timeouts and corrupt responses per the configured budget. Retries are
// serial; the half-duplex line never carries two requests at once.
// respLen == 0 means no response is expected (broadcast).
func (b *Bus) exchangeLocked(ctx context.Context, frame []byte, respLen int) (Packet, error) {
	var lastErr error

	for attempt := 0; attempt <= b.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Packet{}, err
		}

		if err := b.sendFrameLocked(frame); err != nil {
			// Write failures mean the port itself is gone; retrying
			// cannot help.
			return Packet{}, err
		}

		if respLen == 0 {
			return Packet{}, nil
		}

		pkt, err := b.readResponseLocked(ctx, respLen)
		if err == nil {
			return pkt, nil
		}
		if !IsRetryable(err) {
			return Packet{}, err
		}
		lastErr = err
		b.transport.Flush()
	}

	return Packet{}, lastErr
}

func (b *Bus) enforceCommandGap() {
	elapsed := time.Since(b.lastCmdTime)
	if elapsed < b.minCmdGap {
		time.Sleep(b.minCmdGap - elapsed)
	}
}

func (b *Bus) sendFrameLocked(frame []byte) error {
	b.enforceCommandGap()

	// Discard stale input before transmitting.
	b.transport.Flush()

	n, err := b.transport.Write(frame)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPortUnavailable, err)
	}
	if n != len(frame) {
		return fmt.Errorf("%w: incomplete write, %d of %d bytes", ErrPortUnavailable, n, len(frame))
	}

	b.lastCmdTime = time.Now()

	// Half-duplex turnaround.
	time.Sleep(100 * time.Microsecond)

	return nil
}

func (b *Bus) readResponseLocked(ctx context.Context, expectedLen int) (Packet, error) {
	data, err := b.readRawBytesLocked(ctx, expectedLen)
	if err != nil {
		return Packet{}, err
	}

	pkt, _, err := Decode(data)
	return pkt, err
}

func (b *Bus) readRawBytesLocked(ctx context.Context, expectedLen int) ([]byte, error) {
	buffer := make([]byte, expectedLen*2) // extra space for line noise
	totalRead := 0
	deadline := time.Now().Add(b.timeout)

	for totalRead < expectedLen {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if time.Now().After(deadline) {
			if totalRead == 0 {
				return nil, ErrNoResponse
			}
			return buffer[:totalRead], fmt.Errorf("%w: read %d of %d expected bytes", ErrTimeout, totalRead, expectedLen)
		}

		remaining := max(time.Until(deadline), 10*time.Millisecond)
		b.transport.SetReadTimeout(remaining)

		n, err := b.transport.Read(buffer[totalRead:])
		if err != nil && n == 0 {
			// Nothing available yet; keep waiting until the deadline.
			time.Sleep(time.Millisecond)
			continue
		}

		totalRead += n
	}

	return buffer[:totalRead], nil
}
