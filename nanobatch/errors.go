package nanobatch

import (
	"errors"
	"fmt"
)

// Soft conditions: the affected sequence group is simply left out of the
// scheduler output for this step and retried on the next one. Callers
// should compare with errors.Is, not type-switch.
var (
	// ErrNoFreeBlocks is returned when the block pool cannot satisfy an
	// allocation request and no cached-only block could be evicted to
	// make room.
	ErrNoFreeBlocks = errors.New("nanobatch: no free blocks available")

	// ErrNoProgress means a sequence group could not be scheduled this
	// step because preemption failed or the token/block budget was
	// exhausted. It is not a bug; the group is retried next step.
	ErrNoProgress = errors.New("nanobatch: sequence group made no progress this step")

	// ErrConfigInvalid is raised at Scheduler construction time for a
	// config that can never produce a valid schedule.
	ErrConfigInvalid = errors.New("nanobatch: invalid scheduler config")
)

// invariantViolation panics, mirroring the OpenVINO GenAI source's
// OPENVINO_ASSERT(...) and the teacher's own panic(...) calls for
// conditions that indicate a bug upstream (e.g. admission control let
// through a sequence longer than max_num_batched_tokens). These are
// fatal: they are not supposed to be reachable from a correctly
// configured caller.
func invariantViolation(format string, args ...any) {
	panic(fmt.Sprintf("nanobatch: invariant violation: "+format, args...))
}
