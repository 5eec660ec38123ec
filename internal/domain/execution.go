package domain

import "time"

// Phase is the lifecycle state of an execution.
type Phase string

const (
	PhaseInit           Phase = "INIT"
	PhasePlacingInitial Phase = "PLACING_INITIAL"
	PhaseMonitoring     Phase = "MONITORING"
	PhaseRepricing      Phase = "REPRICING"
	PhaseDone           Phase = "DONE"
)

// Alternation selects which of the two price levels the next order uses.
type Alternation string

const (
	AtTouch  Alternation = "AT_TOUCH"
	OffTouch Alternation = "OFF_TOUCH"
)

// Next returns the other alternation state.
func (a Alternation) Next() Alternation {
	if a == AtTouch {
		return OffTouch
	}
	return AtTouch
}

// Control is the operator-driven run mode of a live execution. Stopping is
// not a control value; it is expressed by cancelling the execution context.
type Control string

const (
	ControlActive Control = "ACTIVE"
	ControlPaused Control = "PAUSED"
)

// Outcome records why an execution reached PhaseDone.
type Outcome string

const (
	OutcomeNone    Outcome = ""
	OutcomeFilled  Outcome = "FILLED"
	OutcomeStopped Outcome = "STOPPED"
	OutcomeFailed  Outcome = "FAILED"
)

// ExecutionState is the observable state of one execution. Invariant:
// FilledQuantity + RemainingQuantity == TotalQuantity.
type ExecutionState struct {
	ID                string        `json:"id"`
	Symbol            string        `json:"symbol"`
	Side              Side          `json:"side"`
	TotalQuantity     int64         `json:"total_quantity"`
	FilledQuantity    int64         `json:"filled_quantity"`
	RemainingQuantity int64         `json:"remaining_quantity"`
	Alternation       Alternation   `json:"alternation"`
	Phase             Phase         `json:"phase"`
	Control           Control       `json:"control"`
	Outcome           Outcome       `json:"outcome,omitempty"`
	WorkingOrder      *WorkingOrder `json:"working_order,omitempty"`
	Source            DataSource    `json:"source,omitempty"`
	Error             string        `json:"error,omitempty"`
	StartedAt         time.Time     `json:"started_at"`
	FinishedAt        *time.Time    `json:"finished_at,omitempty"`
}

// Running reports whether the execution has not reached PhaseDone.
func (s ExecutionState) Running() bool {
	return s.Phase != PhaseDone
}

// ExecutionReport is the archived summary of a finished execution.
type ExecutionReport struct {
	State  ExecutionState `json:"state"`
	Orders []OrderRecord  `json:"orders"`
	Events []Event        `json:"events"`
}
