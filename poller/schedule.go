package poller

import (
	"math"
	"math/rand"
	"time"
)

// Scheduling phases, used as metric labels and in cycle reports.
const (
	PhaseCircuitOpen  = "circuit_open"
	PhaseErrorBackoff = "error_backoff"
	PhasePostLt30s    = "post_lt30s"
	PhasePostLt2m     = "post_lt2m"
	PhasePostGe2m     = "post_ge2m"
	PhaseLt30s        = "lt30s"
	PhaseLt2m         = "lt2m"
	PhaseLt5m         = "lt5m"
	PhaseLt10m        = "lt10m"
	PhaseLt15m        = "lt15m"
	PhaseLt20m        = "lt20m"
	PhaseGe20m        = "ge20m"
)

// Polling slows down as an order ages. Cycle values are base delays in
// seconds; the attempt number walks each cycle round-robin.
var (
	postSmsCycles = []phaseCycle{
		{limit: 30 * time.Second, phase: PhasePostLt30s, delays: []float64{3, 4, 5, 4}},
		{limit: 120 * time.Second, phase: PhasePostLt2m, delays: []float64{5, 6, 7, 6}},
		{phase: PhasePostGe2m, delays: []float64{8, 10, 12, 10}},
	}
	preSmsCycles = []phaseCycle{
		{limit: 30 * time.Second, phase: PhaseLt30s, delays: []float64{2, 3, 4, 5}},
		{limit: 120 * time.Second, phase: PhaseLt2m, delays: []float64{4, 5, 6, 7}},
		{limit: 300 * time.Second, phase: PhaseLt5m, delays: []float64{6, 8, 10, 8}},
		{limit: 600 * time.Second, phase: PhaseLt10m, delays: []float64{10, 12, 15, 12}},
		{limit: 900 * time.Second, phase: PhaseLt15m, delays: []float64{12, 15, 18, 15}},
		{limit: 1200 * time.Second, phase: PhaseLt20m, delays: []float64{15, 20, 25, 20}},
		{phase: PhaseGe20m, delays: []float64{15, 20, 25, 20}},
	}
)

type phaseCycle struct {
	limit  time.Duration // upper bound, zero means open-ended
	phase  string
	delays []float64
}

// ScheduleInput is everything the next-poll decision depends on.
type ScheduleInput struct {
	OrderAge      time.Duration
	SmsCount      int
	SinceLastSms  time.Duration
	Attempt       int
	CircuitOpen   bool
	LastPollError bool
}

// Decision is the computed next poll: when, under which phase, and whether
// the item may ride a batched status call.
type Decision struct {
	Delay   time.Duration
	Phase   string
	Batched bool
}

// ComputeSchedule picks the next poll delay. Rules are checked in priority
// order: an open circuit dominates, then a failed previous poll, then the
// post-SMS cadence, then the age-based pre-SMS cadence.
func ComputeSchedule(in ScheduleInput) Decision {
	switch {
	case in.CircuitOpen:
		base := math.Min(30, math.Pow(2, math.Min(float64(in.Attempt), 5)))
		return Decision{
			Delay:   secondsWithJitter(base, 2),
			Phase:   PhaseCircuitOpen,
			Batched: false,
		}
	case in.LastPollError:
		base := math.Min(20, 5+2*float64(in.Attempt))
		return Decision{
			Delay:   secondsWithJitter(base, 2),
			Phase:   PhaseErrorBackoff,
			Batched: true,
		}
	case in.SmsCount > 0:
		cycle := pickCycle(postSmsCycles, in.SinceLastSms)
		base := cycle.delays[mod(in.Attempt, len(cycle.delays))]
		return Decision{
			Delay:   secondsWithJitter(base, 0.3*base),
			Phase:   cycle.phase,
			Batched: true,
		}
	default:
		cycle := pickCycle(preSmsCycles, in.OrderAge)
		base := cycle.delays[mod(in.Attempt, len(cycle.delays))]
		return Decision{
			Delay:   secondsWithJitter(base, 0.3*base),
			Phase:   cycle.phase,
			Batched: in.OrderAge > time.Minute,
		}
	}
}

func pickCycle(cycles []phaseCycle, elapsed time.Duration) phaseCycle {
	for _, c := range cycles {
		if c.limit == 0 || elapsed < c.limit {
			return c
		}
	}
	return cycles[len(cycles)-1]
}

func secondsWithJitter(base, spread float64) time.Duration {
	return time.Duration((base + rand.Float64()*spread) * float64(time.Second))
}

func mod(n, m int) int {
	if n < 0 {
		n = 0
	}
	return n % m
}
