package schemas

import "time"

// Outcome is the business level result of a run, as written by the persistence layer.
type Outcome string

const (
	OutcomePaused         Outcome = "paused"
	OutcomeResumed        Outcome = "resumed"
	OutcomeAlreadyActive  Outcome = "already_active"
	OutcomeAlreadyPaused  Outcome = "already_paused"
	OutcomePauseScheduled Outcome = "pause_scheduled"
	OutcomeExpired        Outcome = "expired"
	OutcomeNeedsReview    Outcome = "needs_review"
	OutcomeFailed         Outcome = "failed"
	OutcomeTimedOut       Outcome = "timed_out"
	OutcomeSkipped        Outcome = "skipped"
)

// String implements fmt.Stringer.
func (o Outcome) String() string { return string(o) }

// ResultError is the serialisable failure reason of a run.
type ResultError struct {
	Code   ErrorCode `json:"code"`
	Detail string    `json:"detail"`
}

// RunResult is the record returned to the scheduler for every run. The engine
// never persists it itself.
type RunResult struct {
	RunID       string              `json:"run_id"`
	AccountID   string              `json:"account_id"`
	Action      Action              `json:"action"`
	Outcome     Outcome             `json:"outcome"`
	Success     bool                `json:"success"`
	Status      RunStatus           `json:"status"`
	State       SubscriptionState   `json:"state"`
	Provisional bool                `json:"provisional,omitempty"`
	PauseDate   *CandidateDate      `json:"pause_date,omitempty"`
	ResumeDate  *CandidateDate      `json:"resume_date,omitempty"`
	BrowserIP   string              `json:"browser_ip,omitempty"`
	Locale      string              `json:"locale,omitempty"`
	ProfileID   string              `json:"profile_id,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	DurationMs  int64               `json:"duration_ms"`
	LastStep    Step                `json:"last_step"`
	Refreshes   int                 `json:"refreshes,omitempty"`
	Attempts    []ConnectionAttempt `json:"attempts,omitempty"`
	Screenshots []string            `json:"screenshots,omitempty"`
	Error       *ResultError        `json:"error,omitempty"`
}

// SetDates fills PauseDate and ResumeDate from the first date of each role.
// Existing values are kept, so earlier evidence wins.
func (r *RunResult) SetDates(dates []CandidateDate) {
	if r.PauseDate == nil {
		if d, ok := FirstWithRole(dates, RolePause); ok {
			r.PauseDate = &d
		}
	}
	if r.ResumeDate == nil {
		if d, ok := FirstWithRole(dates, RoleResume); ok {
			r.ResumeDate = &d
		}
	}
}
