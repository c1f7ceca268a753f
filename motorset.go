package dynamixel

import (
	"context"
	"fmt"
)

// MotorSet is a thin view over a group of motors on one controller. It owns
// no state; every operation fans out to the controller per member id, in
// the order the ids were given.
type MotorSet struct {
	ctrl *Controller
	ids  []int
}

// MotorSet creates a handle over the given motor ids. The handle is valid
// only while the controller is open.
func (c *Controller) MotorSet(ids ...int) *MotorSet {
	member := make([]int, len(ids))
	copy(member, ids)
	return &MotorSet{ctrl: c, ids: member}
}

// IDs returns the member ids in handle order.
func (s *MotorSet) IDs() []int {
	ids := make([]int, len(s.ids))
	copy(ids, s.ids)
	return ids
}

// Result holds the per-motor outcome of a group operation. Err is set for
// members that failed; the rest of the group is unaffected.
type Result struct {
	ID    int
	Value float64
	Err   error
}

// Get reads a register from every member, one Result per id in handle
// order. Offline members report their error individually so callers can
// act on the motors that did respond.
func (s *MotorSet) Get(ctx context.Context, name string) []Result {
	results := make([]Result, len(s.ids))
	for i, id := range s.ids {
		v, err := s.ctrl.Get(ctx, id, name)
		results[i] = Result{ID: id, Value: v, Err: err}
	}
	return results
}

// Set enqueues the same register value for every member. Members whose
// model shares sync write support are coalesced into one bus transaction
// on the next flush tick; the rest get individual writes.
func (s *MotorSet) Set(name string, value float64) []Result {
	results := make([]Result, len(s.ids))
	for i, id := range s.ids {
		results[i] = Result{ID: id, Err: s.ctrl.Set(id, name, value)}
	}
	return results
}

// SetEach enqueues a distinct value per member, matched by position.
func (s *MotorSet) SetEach(name string, values []float64) ([]Result, error) {
	if len(values) != len(s.ids) {
		return nil, fmt.Errorf("%w: %d values for %d motors", ErrInvalidLength, len(values), len(s.ids))
	}
	results := make([]Result, len(s.ids))
	for i, id := range s.ids {
		results[i] = Result{ID: id, Value: values[i], Err: s.ctrl.Set(id, name, values[i])}
	}
	return results, nil
}

// Enable turns holding torque on for every member.
func (s *MotorSet) Enable() []Result {
	return s.Set(RegTorqueEnable, 1)
}

// Disable turns holding torque off for every member. The motors go limp.
func (s *MotorSet) Disable() []Result {
	return s.Set(RegTorqueEnable, 0)
}

// Positions reads the present position of every member, in degrees.
func (s *MotorSet) Positions(ctx context.Context) []Result {
	return s.Get(ctx, RegPresentPosition)
}

// MoveTo enqueues the same goal position, in degrees, for every member.
func (s *MotorSet) MoveTo(position float64) []Result {
	return s.Set(RegGoalPosition, position)
}
