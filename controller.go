package dynamixel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ControllerConfig holds configuration for creating a new Controller.
type ControllerConfig struct {
	// PollPeriod is the interval between poll/flush ticks. Default is 20ms.
	PollPeriod time.Duration

	// Staleness is how old a cached value may be before Get blocks for the
	// next poll instead of returning it. Default is twice the poll period.
	Staleness time.Duration

	// GetTimeout bounds how long Get waits for a poll to deliver a fresh
	// value. Default is 500ms.
	GetTimeout time.Duration

	// FailureThreshold is the number of consecutive poll failures after
	// which a motor is marked offline. Default is 5.
	FailureThreshold int

	// ScanStart and ScanEnd bound the discovery id range.
	// Defaults are 0 and 253.
	ScanStart int
	ScanEnd   int

	// EEPROMSettle is the pause after each persistent register write,
	// giving the motor time to commit before the next transaction.
	// Default is 10ms.
	EEPROMSettle time.Duration
}

func (cfg *ControllerConfig) applyDefaults() {
	if cfg.PollPeriod == 0 {
		cfg.PollPeriod = 20 * time.Millisecond
	}
	if cfg.Staleness == 0 {
		cfg.Staleness = 2 * cfg.PollPeriod
	}
	if cfg.GetTimeout == 0 {
		cfg.GetTimeout = 500 * time.Millisecond
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ScanEnd == 0 {
		cfg.ScanEnd = MaxMotorID
	}
	if cfg.EEPROMSettle == 0 {
		cfg.EEPROMSettle = 10 * time.Millisecond
	}
}

// MotorState is an immutable snapshot of one motor's cached state. Values
// maps register names to engineering units from the most recent successful
// poll; Status carries the hardware error flags the motor reported with it.
type MotorState struct {
	ID                  int
	Model               *Model
	Values              map[string]float64
	Status              StatusError
	LastUpdate          time.Time
	Online              bool
	ConsecutiveFailures int
}

// motor is the loop-owned mutable state behind each MotorState snapshot.
type motor struct {
	id         int
	model      *Model
	values     map[string]float64
	status     StatusError
	lastUpdate time.Time
	online     bool
	failures   int
	subscribed map[string]bool
}

type pendingWrite struct {
	id       int
	register Register
	data     []byte
}

type waitKey struct {
	id   int
	name string
}

type waitResult struct {
	value float64
	err   error
}

type waiter struct {
	key waitKey
	ch  chan waitResult
}

// Controller owns one bus and drives the poll/flush loop. All bus I/O and
// all motor state mutation happen on the loop goroutine; callers interact
// through channels and read-only snapshots, so the half-duplex line only
// ever has one writer.
type Controller struct {
	bus *Bus
	cfg ControllerConfig

	writes  chan pendingWrite
	waiters chan waiter
	rescan  chan chan []int
	closing chan struct{}
	done    chan struct{}

	snapshot atomic.Value // map[int]MotorState
	closeErr atomic.Value // errBox holding the shutdown cause

	mu        sync.Mutex // guards started against Start/Close races
	started   bool
	closeOnce sync.Once
	busOnce   sync.Once
}

// NewController creates a controller for the given bus. Call Start to run
// discovery and begin the poll/flush loop.
func NewController(bus *Bus, cfg ControllerConfig) *Controller {
	cfg.applyDefaults()

	c := &Controller{
		bus:     bus,
		cfg:     cfg,
		writes:  make(chan pendingWrite, 128),
		waiters: make(chan waiter, 32),
		rescan:  make(chan chan []int),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.snapshot.Store(map[int]MotorState{})
	return c
}

// Start scans the bus, reads each responder's model number, and launches
// the poll/flush loop. The context governs discovery and the loop's bus
// transactions; cancelling it shuts the controller down.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("controller already started")
	}
	select {
	case <-c.closing:
		return ErrClosed
	default:
	}

	motors, err := c.discover(ctx)
	if err != nil {
		return err
	}
	c.started = true

	go c.run(ctx, motors)
	return nil
}

// discover scans the configured id range and builds initial motor state
// from each responder's model number register.
func (c *Controller) discover(ctx context.Context) (map[int]*motor, error) {
	ids, err := c.bus.Scan(ctx, c.cfg.ScanStart, c.cfg.ScanEnd)
	if err != nil {
		return nil, fmt.Errorf("discovery scan failed: %w", err)
	}

	motors := make(map[int]*motor, len(ids))
	for _, id := range ids {
		res, err := c.bus.ReadData(ctx, id, 0, 2)
		if err != nil {
			// Answered the ping but not the read; poll it as a generic
			// motor rather than dropping it.
			log.Printf("dynamixel: motor %d: model number read failed (%v), using generic table", id, err)
			motors[id] = newMotor(id, GenericModel(0))
			continue
		}
		number := int(DecodeWord(res.Data))
		model, err := ModelByNumber(number)
		if err != nil {
			log.Printf("dynamixel: motor %d reports unknown model %d, using generic table", id, number)
			model = GenericModel(number)
		}
		motors[id] = newMotor(id, model)
	}

	c.publish(motors)
	return motors, nil
}

func newMotor(id int, model *Model) *motor {
	return &motor{
		id:     id,
		model:  model,
		values: make(map[string]float64),
		online: true,
		subscribed: map[string]bool{
			RegPresentPosition: true,
			RegPresentSpeed:    true,
			RegPresentLoad:     true,
		},
	}
}

// Get returns the register value for a motor in engineering units. A cached
// value fresher than the staleness threshold is returned immediately;
// otherwise Get blocks until the next poll delivers one. Registers not
// already polled are added to the motor's poll set.
func (c *Controller) Get(ctx context.Context, id int, name string) (float64, error) {
	if err := c.closedErr(); err != nil {
		return 0, err
	}

	snap := c.Snapshot()
	state, ok := snap[id]
	if !ok {
		return 0, fmt.Errorf("%w: no motor at id %d", ErrInvalidID, id)
	}
	if !state.Online {
		return 0, &MotorError{ID: id, Op: "get", Err: ErrOffline}
	}
	if _, err := state.Model.Register(name); err != nil {
		return 0, err
	}

	if v, ok := state.Values[name]; ok && time.Since(state.LastUpdate) < c.cfg.Staleness {
		return v, nil
	}

	w := waiter{key: waitKey{id: id, name: name}, ch: make(chan waitResult, 1)}
	select {
	case c.waiters <- w:
	case <-c.done:
		return 0, c.closedErr()
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	timeout := time.NewTimer(c.cfg.GetTimeout)
	defer timeout.Stop()

	select {
	case res := <-w.ch:
		return res.value, res.err
	case <-timeout.C:
		return 0, &MotorError{ID: id, Op: "get", Err: ErrTimeout}
	case <-c.done:
		return 0, c.closedErr()
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Set validates a register write and enqueues it for the next flush tick.
// It returns before any bus traffic; validation failures are synchronous.
// Writes to the same register of several sync-capable motors within one
// tick are coalesced into a single sync write transaction.
func (c *Controller) Set(id int, name string, value float64) error {
	if err := c.closedErr(); err != nil {
		return err
	}

	snap := c.Snapshot()
	state, ok := snap[id]
	if !ok {
		return fmt.Errorf("%w: no motor at id %d", ErrInvalidID, id)
	}
	if !state.Online {
		return &MotorError{ID: id, Op: "set", Err: ErrOffline}
	}

	reg, err := state.Model.Register(name)
	if err != nil {
		return err
	}
	data, err := reg.Encode(value)
	if err != nil {
		return err
	}

	select {
	case c.writes <- pendingWrite{id: id, register: reg, data: data}:
		return nil
	case <-c.done:
		return c.closedErr()
	}
}

// Rediscover re-runs the bus scan on the loop goroutine, picking up new
// motors and bringing previously offline ones back. Returns the ids found.
func (c *Controller) Rediscover(ctx context.Context) ([]int, error) {
	if err := c.closedErr(); err != nil {
		return nil, err
	}

	reply := make(chan []int, 1)
	select {
	case c.rescan <- reply:
	case <-c.done:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case ids := <-reply:
		return ids, nil
	case <-c.done:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Snapshot returns the motor states from the most recent completed tick.
// The returned map and its contents are never mutated afterwards; every
// tick publishes a fresh one, so a snapshot never mixes two ticks.
func (c *Controller) Snapshot() map[int]MotorState {
	return c.snapshot.Load().(map[int]MotorState)
}

// State returns the snapshot of a single motor.
func (c *Controller) State(id int) (MotorState, bool) {
	state, ok := c.Snapshot()[id]
	return state, ok
}

// Motors returns the discovered motor ids in ascending order.
func (c *Controller) Motors() []int {
	snap := c.Snapshot()
	ids := make([]int, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Err returns the error the controller shut down with: ErrClosed after a
// clean Close, or the fatal transport error that tore the loop down.
func (c *Controller) Err() error {
	if box, ok := c.closeErr.Load().(errBox); ok {
		return box.err
	}
	return nil
}

// errBox keeps atomic.Value storage monomorphic across error types.
type errBox struct {
	err error
}

// Close stops the loop after its current tick, fails all pending and future
// calls with ErrClosed, and releases the serial resource. Safe to call
// more than once.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		c.closeErr.Store(errBox{err: ErrClosed})
		c.closeBus()
		return nil
	}

	<-c.done
	return nil
}

func (c *Controller) closeBus() {
	c.busOnce.Do(func() { c.bus.Close() })
}

func (c *Controller) closedErr() error {
	select {
	case <-c.done:
	case <-c.closing:
	default:
		return nil
	}
	if err := c.Err(); err != nil {
		return err
	}
	return ErrClosed
}

// Control loop

func (c *Controller) run(ctx context.Context, motors map[int]*motor) {
	ticker := time.NewTicker(c.cfg.PollPeriod)
	defer ticker.Stop()

	waiters := make(map[waitKey][]chan waitResult)
	pending := make(map[waitKey]pendingWrite)
	var order []waitKey

	shutdown := func(cause error) {
		c.closeErr.Store(errBox{err: cause})
		for _, chans := range waiters {
			for _, ch := range chans {
				ch <- waitResult{err: cause}
			}
		}
		c.closeBus()
		close(c.done)
	}

	for {
		select {
		case <-c.closing:
			shutdown(ErrClosed)
			return

		case <-ctx.Done():
			shutdown(fmt.Errorf("%w: %v", ErrClosed, ctx.Err()))
			return

		case w := <-c.writes:
			key := waitKey{id: w.id, name: w.register.Name}
			if _, dup := pending[key]; !dup {
				order = append(order, key)
			}
			pending[key] = w // later write to the same register wins

		case w := <-c.waiters:
			if m, ok := motors[w.key.id]; ok {
				m.subscribed[w.key.name] = true
			}
			waiters[w.key] = append(waiters[w.key], w.ch)

		case reply := <-c.rescan:
			fresh, err := c.discover(ctx)
			if err == nil {
				for id, m := range fresh {
					if old, ok := motors[id]; ok {
						// Keep cached values and subscriptions, just
						// bring the motor back online.
						old.online = true
						old.failures = 0
					} else {
						motors[id] = m
					}
				}
			}
			c.publish(motors)
			ids := make([]int, 0, len(motors))
			for id := range motors {
				ids = append(ids, id)
			}
			sort.Ints(ids)
			reply <- ids

		case <-ticker.C:
			fatal := c.flush(ctx, motors, pending, order)
			pending = make(map[waitKey]pendingWrite)
			order = order[:0]

			if fatal == nil {
				fatal = c.poll(ctx, motors, waiters)
			}
			c.publish(motors)

			if fatal != nil {
				shutdown(fatal)
				return
			}
		}
	}
}

// flush drains the tick's pending writes. Writes targeting the same
// register address and width across several sync-capable motors go out as
// one sync write; everything else is written per id in ascending order.
func (c *Controller) flush(ctx context.Context, motors map[int]*motor, pending map[waitKey]pendingWrite, order []waitKey) error {
	type span struct {
		address byte
		size    int
	}

	grouped := make(map[span][]pendingWrite)
	var spans []span
	for _, key := range order {
		w := pending[key]
		s := span{address: w.register.Address, size: len(w.data)}
		if _, ok := grouped[s]; !ok {
			spans = append(spans, s)
		}
		grouped[s] = append(grouped[s], w)
	}

	for _, s := range spans {
		writes := grouped[s]

		syncData := make(map[int][]byte)
		var single []pendingWrite
		for _, w := range writes {
			m := motors[w.id]
			if m != nil && m.model.Has(CapSyncWrite) {
				syncData[w.id] = w.data
			} else {
				single = append(single, w)
			}
		}

		// A sync write only pays off with multiple targets.
		if len(syncData) == 1 {
			for _, w := range writes {
				if _, ok := syncData[w.id]; ok {
					single = append(single, w)
				}
			}
			syncData = nil
		}

		if len(syncData) > 1 {
			if err := c.bus.SyncWrite(ctx, s.address, s.size, syncData); err != nil {
				if isFatal(err) {
					return err
				}
				for id := range syncData {
					c.recordFailure(motors[id])
				}
			}
		}

		sort.Slice(single, func(i, j int) bool { return single[i].id < single[j].id })
		for _, w := range single {
			status, err := c.bus.WriteData(ctx, w.id, w.register.Address, w.data)
			if err != nil {
				if isFatal(err) {
					return err
				}
				c.recordFailure(motors[w.id])
				continue
			}
			if m := motors[w.id]; m != nil {
				m.status = status
				m.failures = 0
			}
			if w.register.Persistent {
				time.Sleep(c.cfg.EEPROMSettle)
			}
		}
	}

	return nil
}

// poll reads every online motor's subscribed registers, batching identical
// spans into sync reads where the models support them, and hands fresh
// values to blocked Get callers.
func (c *Controller) poll(ctx context.Context, motors map[int]*motor, waiters map[waitKey][]chan waitResult) error {
	ids := make([]int, 0, len(motors))
	for id, m := range motors {
		if m.online {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)

	type span struct {
		start byte
		size  int
	}

	syncGroups := make(map[span][]int)
	singles := make(map[int][]span)
	for _, id := range ids {
		m := motors[id]
		for _, s := range pollSpans(m) {
			sp := span{start: s.start, size: s.size}
			if m.model.Has(CapSyncRead) {
				syncGroups[sp] = append(syncGroups[sp], id)
			} else {
				singles[id] = append(singles[id], sp)
			}
		}
	}

	// Sync read groups with a single member fall back to plain reads.
	spans := make([]span, 0, len(syncGroups))
	for sp, members := range syncGroups {
		if len(members) < 2 {
			for _, id := range members {
				singles[id] = append(singles[id], sp)
			}
			continue
		}
		spans = append(spans, sp)
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	now := time.Now()

	for _, sp := range spans {
		members := syncGroups[sp]
		sort.Ints(members)

		results, err := c.bus.SyncRead(ctx, sp.start, sp.size, members)
		if err != nil {
			if isFatal(err) {
				return err
			}
			for _, id := range members {
				c.recordFailure(motors[id])
			}
			continue
		}
		for _, id := range members {
			m := motors[id]
			res, ok := results[id]
			if !ok {
				c.recordFailure(m)
				continue
			}
			c.applyRead(m, sp.start, res, now)
		}
	}

	for _, id := range ids {
		m := motors[id]
		for _, sp := range singles[id] {
			res, err := c.bus.ReadData(ctx, id, sp.start, sp.size)
			if err != nil {
				if isFatal(err) {
					return err
				}
				c.recordFailure(m)
				continue
			}
			c.applyRead(m, sp.start, res, now)
		}
	}

	c.deliver(motors, waiters)
	return nil
}

type pollSpan struct {
	start byte
	size  int
	regs  []Register
}

// pollSpans merges a motor's subscribed registers into contiguous read
// spans so neighboring registers cost one transaction instead of several.
func pollSpans(m *motor) []pollSpan {
	regs := make([]Register, 0, len(m.subscribed))
	for name := range m.subscribed {
		if reg, err := m.model.Register(name); err == nil {
			regs = append(regs, reg)
		}
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].Address < regs[j].Address })

	var spans []pollSpan
	for _, reg := range regs {
		end := int(reg.Address) + reg.Size
		if n := len(spans); n > 0 && int(reg.Address) <= int(spans[n-1].start)+spans[n-1].size {
			s := &spans[n-1]
			if end > int(s.start)+s.size {
				s.size = end - int(s.start)
			}
			s.regs = append(s.regs, reg)
			continue
		}
		spans = append(spans, pollSpan{start: reg.Address, size: reg.Size, regs: []Register{reg}})
	}
	return spans
}

// applyRead decodes one span's payload into the motor's cached values.
func (c *Controller) applyRead(m *motor, start byte, res ReadResult, now time.Time) {
	for _, s := range pollSpans(m) {
		if s.start != start {
			continue
		}
		for _, reg := range s.regs {
			offset := int(reg.Address - s.start)
			if offset+reg.Size > len(res.Data) {
				continue
			}
			if v, err := reg.Decode(res.Data[offset:]); err == nil {
				m.values[reg.Name] = v
			}
		}
	}
	m.status = res.Status
	m.lastUpdate = now
	m.failures = 0
	m.online = true
}

func (c *Controller) recordFailure(m *motor) {
	if m == nil {
		return
	}
	m.failures++
	if m.failures >= c.cfg.FailureThreshold {
		m.online = false
	}
}

// deliver completes blocked Get calls whose registers got fresh values this
// tick, and fails waiters on motors that just went offline.
func (c *Controller) deliver(motors map[int]*motor, waiters map[waitKey][]chan waitResult) {
	for key, chans := range waiters {
		m, ok := motors[key.id]
		if !ok {
			continue
		}
		if !m.online {
			for _, ch := range chans {
				ch <- waitResult{err: &MotorError{ID: key.id, Op: "get", Err: ErrOffline}}
			}
			delete(waiters, key)
			continue
		}
		v, ok := m.values[key.name]
		if !ok || time.Since(m.lastUpdate) >= c.cfg.Staleness {
			continue // not polled yet, keep waiting
		}
		for _, ch := range chans {
			ch <- waitResult{value: v}
		}
		delete(waiters, key)
	}
}

// publish stores a fresh immutable snapshot of all motor state.
func (c *Controller) publish(motors map[int]*motor) {
	snap := make(map[int]MotorState, len(motors))
	for id, m := range motors {
		values := make(map[string]float64, len(m.values))
		for k, v := range m.values {
			values[k] = v
		}
		snap[id] = MotorState{
			ID:                  id,
			Model:               m.model,
			Values:              values,
			Status:              m.status,
			LastUpdate:          m.lastUpdate,
			Online:              m.online,
			ConsecutiveFailures: m.failures,
		}
	}
	c.snapshot.Store(snap)
}

// isFatal reports whether a bus error means the port itself is gone, which
// tears the whole controller down.
func isFatal(err error) bool {
	return errors.Is(err, ErrPortUnavailable) || errors.Is(err, ErrBusClosed)
}
