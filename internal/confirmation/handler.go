// Package confirmation waits for and resolves the confirmation step that
// follows a pause or resume click.
package confirmation

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/xkilldash9x/subsentry/api/schemas"
	"github.com/xkilldash9x/subsentry/internal/classifier"
	"github.com/xkilldash9x/subsentry/internal/dates"
	"github.com/xkilldash9x/subsentry/internal/locale"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultMaxStages    = 2
)

// Result describes how the confirmation step ended.
type Result struct {
	// Confirmed is true once at least one surface was accepted.
	Confirmed bool
	// Transitioned is true when no surface appeared but the page already shows
	// the expected post-condition state.
	Transitioned bool
	// Unresolved is true when a surface appeared but no control could be
	// chosen without guessing.
	Unresolved bool
	// Label is the text of the last control activated.
	Label string
	// Stages counts accepted surfaces.
	Stages int
	// Dates were extracted from the surfaces, or from the page on transition.
	Dates []schemas.CandidateDate
	// State is the classification made after a timeout, if any.
	State schemas.SubscriptionState
}

// Options tunes a Handler.
type Options struct {
	PollInterval time.Duration
	MaxStages    int
}

// Handler resolves confirmation surfaces. It holds no per-run state.
type Handler struct {
	classifier *classifier.Classifier
	dates      *dates.Resolver
	clock      clockwork.Clock
	logger     *zap.Logger
	opts       Options
}

// NewHandler creates a Handler.
func NewHandler(cls *classifier.Classifier, resolver *dates.Resolver, clock clockwork.Clock, logger *zap.Logger, opts Options) *Handler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxStages <= 0 {
		opts.MaxStages = DefaultMaxStages
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolver == nil {
		resolver = dates.NewResolver(dates.WithClock(clock))
	}
	if cls == nil {
		cls = classifier.New(resolver)
	}
	return &Handler{
		classifier: cls,
		dates:      resolver,
		clock:      clock,
		logger:     logger.Named("confirmation"),
		opts:       opts,
	}
}

// Confirm polls drv for up to timeout for a visible surface whose text matches
// a confirmation phrase and activates one control in it. Up to MaxStages
// consecutive surfaces are accepted. When no surface shows up in time the page
// is classified again; if verb's post-condition already holds the result is
// marked Transitioned. Errors are returned only for driver failures that end
// the attempt (cancellation, a closed driver, a failed click).
func (h *Handler) Confirm(ctx context.Context, drv schemas.Driver, table *locale.Table, verb schemas.Action, timeout time.Duration) (*Result, error) {
	res := &Result{}
	deadline := h.clock.Now().Add(timeout)
	var lastRef, lastText string

	for {
		snap, err := drv.Snapshot(ctx)
		if err != nil {
			if fatal(ctx, err) {
				return res, err
			}
			h.logger.Debug("Snapshot failed while waiting for confirmation.", zap.Error(err))
		} else if surface := findSurface(snap, table); surface != nil && !(surface.Ref == lastRef && surface.Text == lastText) {
			res.Dates = mergeDates(res.Dates, h.dates.Resolve(surface.Text, table, verb))

			ctl, ok := chooseControl(surface.Controls, table)
			if !ok {
				h.logger.Warn("Confirmation surface has no unambiguous control.", zap.Int("controls", len(surface.Controls)))
				res.Unresolved = true
				return res, nil
			}
			if err := drv.Click(ctx, ctl.Ref); err != nil {
				return res, err
			}
			lastRef, lastText = surface.Ref, surface.Text
			res.Confirmed = true
			res.Unresolved = false
			res.Label = ctl.Text
			res.Stages++
			h.logger.Info("Confirmation accepted.", zap.String("label", ctl.Text), zap.Int("stage", res.Stages))
			if res.Stages >= h.opts.MaxStages {
				return res, nil
			}
		}

		if !h.clock.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-h.clock.After(h.opts.PollInterval):
		}
	}

	if res.Confirmed {
		return res, nil
	}

	// Some pages apply the change without asking.
	snap, err := drv.Snapshot(ctx)
	if err != nil {
		if fatal(ctx, err) {
			return res, err
		}
		return res, nil
	}
	cls := h.classifier.ClassifySnapshot(snap, table)
	res.State = cls.State
	if verb.Satisfies(cls.State) {
		res.Transitioned = true
		res.Dates = mergeDates(res.Dates, cls.Dates)
	}
	return res, nil
}

func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, schemas.ErrRunAborted) ||
		errors.Is(err, schemas.ErrDriverClosed)
}

// findSurface returns the first visible surface with a visible control whose
// text matches a confirmation phrase.
func findSurface(snap *schemas.PageSnapshot, table *locale.Table) *schemas.Surface {
	for i := range snap.Surfaces {
		s := &snap.Surfaces[i]
		if !s.Visible || !hasVisibleControl(s.Controls) {
			continue
		}
		if locale.ContainsAnyPhrase(s.Text, table.ConfirmationPhrases) {
			return s
		}
	}
	return nil
}

func hasVisibleControl(controls []schemas.Control) bool {
	for _, c := range controls {
		if c.Visible {
			return true
		}
	}
	return false
}

// chooseControl picks the control to activate: an exact affirmative label, or
// the non-negative one of exactly two controls when the other is negative.
func chooseControl(controls []schemas.Control, table *locale.Table) (schemas.Control, bool) {
	var vis []schemas.Control
	for _, c := range controls {
		if c.Visible {
			vis = append(vis, c)
		}
	}
	for _, c := range vis {
		if locale.EqualsAnyLabel(c.Text, table.AffirmativeLabels) {
			return c, true
		}
	}
	if len(vis) == 2 {
		aNeg := locale.EqualsAnyLabel(vis[0].Text, table.NegativeLabels)
		bNeg := locale.EqualsAnyLabel(vis[1].Text, table.NegativeLabels)
		switch {
		case aNeg && !bNeg:
			return vis[1], true
		case bNeg && !aNeg:
			return vis[0], true
		}
	}
	return schemas.Control{}, false
}

func mergeDates(into, more []schemas.CandidateDate) []schemas.CandidateDate {
	for _, d := range more {
		dup := false
		for _, e := range into {
			if e.SameDay(d) {
				dup = true
				break
			}
		}
		if !dup {
			into = append(into, d)
		}
	}
	return into
}
