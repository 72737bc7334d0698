package schemas

import (
	"fmt"
	"time"
)

// -- Subscription State --

// SubscriptionState is the canonical state of a membership as read from the
// management page. It is a closed set; the classifier never produces anything else.
type SubscriptionState string

const (
	StateActive         SubscriptionState = "Active"
	StatePaused         SubscriptionState = "Paused"
	StatePauseScheduled SubscriptionState = "PauseScheduled"
	StateExpired        SubscriptionState = "Expired"
	StateUncertain      SubscriptionState = "Uncertain"
)

// String implements fmt.Stringer.
func (s SubscriptionState) String() string { return string(s) }

// Valid reports whether s is one of the canonical states.
func (s SubscriptionState) Valid() bool {
	switch s {
	case StateActive, StatePaused, StatePauseScheduled, StateExpired, StateUncertain:
		return true
	}
	return false
}

// Action is the transition a run is asked to drive.
type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
)

// String implements fmt.Stringer.
func (a Action) String() string { return string(a) }

// ParseAction validates a user supplied action name.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionPause, ActionResume:
		return Action(s), nil
	}
	return "", fmt.Errorf("unknown action %q: expected %q or %q", s, ActionPause, ActionResume)
}

// ExpectedStates returns the post-condition states that prove the action took effect.
func (a Action) ExpectedStates() []SubscriptionState {
	switch a {
	case ActionPause:
		// Most pages show a scheduled pause until the current billing period ends.
		return []SubscriptionState{StatePaused, StatePauseScheduled}
	case ActionResume:
		return []SubscriptionState{StateActive}
	}
	return nil
}

// Satisfies reports whether state is an accepted post-condition for the action.
func (a Action) Satisfies(state SubscriptionState) bool {
	for _, s := range a.ExpectedStates() {
		if s == state {
			return true
		}
	}
	return false
}

// -- Dates --

// DateRole identifies which side of a pause window a date describes.
type DateRole string

const (
	RolePause   DateRole = "pause"
	RoleResume  DateRole = "resume"
	RoleUnknown DateRole = "unknown"
)

// RoleSource records how a role was inferred so that phrase-based and
// heuristic assignments are never confused downstream.
type RoleSource string

const (
	// RoleFromPhrase means a role-bearing phrase preceded the date.
	RoleFromPhrase RoleSource = "phrase"
	// RoleFromContext means the date was the only one and took the run's verb.
	RoleFromContext RoleSource = "context"
	// RoleFromProximity means the role came from chronological ordering.
	RoleFromProximity RoleSource = "proximity"
	// RoleFromNone means no rule applied and the role is unknown.
	RoleFromNone RoleSource = "none"
)

// CandidateDate is a calendar date detected in page text.
type CandidateDate struct {
	Raw        string     `json:"raw"`
	Year       int        `json:"year"`
	Month      int        `json:"month"`
	Day        int        `json:"day"`
	Role       DateRole   `json:"role"`
	RoleSource RoleSource `json:"role_source"`
	Locale     string     `json:"locale"`
	// Offset is the byte offset of Raw within the resolved text.
	Offset int `json:"offset"`
}

// Time returns the date as midnight UTC.
func (d CandidateDate) Time() time.Time {
	return time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, time.UTC)
}

// ISO formats the date as YYYY-MM-DD.
func (d CandidateDate) ISO() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// SameDay reports whether both candidates describe the same calendar day.
func (d CandidateDate) SameDay(o CandidateDate) bool {
	return d.Year == o.Year && d.Month == o.Month && d.Day == o.Day
}

// FirstWithRole returns the first date carrying role, if any.
func FirstWithRole(dates []CandidateDate, role DateRole) (CandidateDate, bool) {
	for _, d := range dates {
		if d.Role == role {
			return d, true
		}
	}
	return CandidateDate{}, false
}

// -- Connection Attempts --

// AttemptOutcome is the result of trying a single connection identifier.
type AttemptOutcome string

const (
	AttemptSuccess  AttemptOutcome = "success"
	AttemptNotFound AttemptOutcome = "not_found"
	AttemptError    AttemptOutcome = "error"
)

// ConnectionAttempt records one try at acquiring a browser handle.
type ConnectionAttempt struct {
	Identifier string         `json:"identifier"`
	Outcome    AttemptOutcome `json:"outcome"`
	Timestamp  time.Time      `json:"timestamp"`
	Error      string         `json:"error,omitempty"`
}

// -- Workflow Run --

// RunStatus is the lifecycle status of a WorkflowRun.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
	RunTimedOut  RunStatus = "timed_out"
)

// Terminal reports whether the status ends a run.
func (s RunStatus) Terminal() bool {
	return s != RunRunning && s != ""
}

// Step names the supervisor states. They double as the progress markers
// written to WorkflowRun.CurrentStep.
type Step string

const (
	StepStarting          Step = "Starting"
	StepConnecting        Step = "Connecting"
	StepNavigating        Step = "Navigating"
	StepAuthenticating    Step = "Authenticating"
	StepDetectingLanguage Step = "DetectingLanguage"
	StepCheckingStatus    Step = "CheckingStatus"
	StepActing            Step = "Acting"
	StepConfirming        Step = "Confirming"
	StepVerifying         Step = "Verifying"
	StepDone              Step = "Done"
)

// WorkflowRun is a point-in-time view of one account's run. The live record is
// owned by the supervisor; this struct is the copy handed to observers.
type WorkflowRun struct {
	RunID          string            `json:"run_id"`
	AccountID      string            `json:"account_id"`
	Action         Action            `json:"action"`
	StartedAt      time.Time         `json:"started_at"`
	CurrentStep    Step              `json:"current_step"`
	LastProgressAt time.Time         `json:"last_progress_at"`
	Status         RunStatus         `json:"status"`
	ResultState    SubscriptionState `json:"result_state,omitempty"`
}
