package supervisor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xkilldash9x/subsentry/api/schemas"
)

// liveRun is the mutable record of one run. lastProgress is written only by
// markProgress on the step goroutine and read by the watchdog; status is
// settled once by whichever of the step goroutine and the timers gets there
// first.
type liveRun struct {
	id        string
	accountID string
	action    schemas.Action
	startedAt time.Time
	clock     clockwork.Clock
	observer  Observer

	lastProgress atomic.Int64
	refreshes    atomic.Int32

	mu          sync.Mutex
	step        schemas.Step
	status      schemas.RunStatus
	resultState schemas.SubscriptionState
}

func newLiveRun(id string, req Request, clock clockwork.Clock, observer Observer) *liveRun {
	now := clock.Now()
	r := &liveRun{
		id:        id,
		accountID: req.Account.ID,
		action:    req.Action,
		startedAt: now,
		clock:     clock,
		observer:  observer,
		status:    schemas.RunRunning,
	}
	r.lastProgress.Store(now.UnixNano())
	return r
}

// markProgress records entry into step and advances lastProgress. The
// timestamp never moves backwards.
func (r *liveRun) markProgress(step schemas.Step) {
	now := r.clock.Now().UnixNano()
	for {
		prev := r.lastProgress.Load()
		if now <= prev || r.lastProgress.CompareAndSwap(prev, now) {
			break
		}
	}
	r.mu.Lock()
	r.step = step
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.StepEntered(r.view())
	}
}

func (r *liveRun) lastProgressAt() time.Time {
	return time.Unix(0, r.lastProgress.Load())
}

func (r *liveRun) currentStep() schemas.Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.step
}

func (r *liveRun) setResultState(s schemas.SubscriptionState) {
	r.mu.Lock()
	r.resultState = s
	r.mu.Unlock()
}

// finish moves the run to a terminal status. Only the first call wins.
func (r *liveRun) finish(status schemas.RunStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return false
	}
	r.status = status
	return true
}

func (r *liveRun) currentStatus() schemas.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// aborted reports whether a timer ended the run.
func (r *liveRun) aborted() bool {
	s := r.currentStatus()
	return s == schemas.RunTimedOut || s == schemas.RunSkipped
}

func (r *liveRun) view() schemas.WorkflowRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return schemas.WorkflowRun{
		RunID:          r.id,
		AccountID:      r.accountID,
		Action:         r.action,
		StartedAt:      r.startedAt,
		CurrentStep:    r.step,
		LastProgressAt: r.lastProgressAt(),
		Status:         r.status,
		ResultState:    r.resultState,
	}
}
