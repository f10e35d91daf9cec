package domain

import "strings"

type Phase string

const (
	PhaseContext       Phase = "CONTEXT"
	PhaseAssessment    Phase = "ASSESSMENT"
	PhaseInitiatives   Phase = "INITIATIVES"
	PhaseRoadmap       Phase = "ROADMAP"
	PhaseExecution     Phase = "EXECUTION"
	PhaseStabilization Phase = "STABILIZATION"
	PhaseUnknown       Phase = "UNKNOWN"
)

type GateType string

const (
	ReadinessGate GateType = "READINESS_GATE"
	DesignGate    GateType = "DESIGN_GATE"
	PlanningGate  GateType = "PLANNING_GATE"
	ExecutionGate GateType = "EXECUTION_GATE"
	ClosureGate   GateType = "CLOSURE_GATE"
	GateUnknown   GateType = "UNKNOWN"
)

// Phases lists the project lifecycle in order.
var Phases = []Phase{
	PhaseContext,
	PhaseAssessment,
	PhaseInitiatives,
	PhaseRoadmap,
	PhaseExecution,
	PhaseStabilization,
}

// GateTypes lists gates in the order they must be passed.
var GateTypes = []GateType{
	ReadinessGate,
	DesignGate,
	PlanningGate,
	ExecutionGate,
	ClosureGate,
}

type phasePair struct {
	from Phase
	to   Phase
}

var gateTable = map[GateType]phasePair{
	ReadinessGate: {PhaseContext, PhaseAssessment},
	DesignGate:    {PhaseAssessment, PhaseInitiatives},
	PlanningGate:  {PhaseInitiatives, PhaseRoadmap},
	ExecutionGate: {PhaseRoadmap, PhaseExecution},
	ClosureGate:   {PhaseExecution, PhaseStabilization},
}

// Transition returns the phase pair a gate guards.
func (g GateType) Transition() (from, to Phase, err error) {
	p, ok := gateTable[g]
	if !ok {
		return PhaseUnknown, PhaseUnknown, &UnknownValueError{Field: "gate_type", Value: string(g)}
	}
	return p.from, p.to, nil
}

// GateFrom returns the gate leaving the given phase. The final phase has none.
func GateFrom(p Phase) (GateType, bool) {
	for g, pair := range gateTable {
		if pair.from == p {
			return g, true
		}
	}
	return GateUnknown, false
}

// Index returns the position of p in Phases, or -1.
func (p Phase) Index() int {
	for i, ph := range Phases {
		if ph == p {
			return i
		}
	}
	return -1
}

func ParsePhase(raw string) (Phase, error) {
	key := Phase(upperKey(raw))
	if key.Index() >= 0 {
		return key, nil
	}
	return PhaseUnknown, &UnknownValueError{Field: "phase", Value: raw}
}

func ParseGateType(raw string) (GateType, error) {
	g := GateType(upperKey(raw))
	if _, ok := gateTable[g]; ok {
		return g, nil
	}
	// Accept the short form, e.g. "readiness".
	g = GateType(upperKey(raw) + "_GATE")
	if _, ok := gateTable[g]; ok {
		return g, nil
	}
	return GateUnknown, &UnknownValueError{Field: "gate_type", Value: raw}
}

func upperKey(raw string) string {
	return strings.ToUpper(normalizeKey(raw))
}
