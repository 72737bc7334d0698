// Package classifier turns the text and controls of the membership page into
// one canonical subscription state.
package classifier

import (
	"regexp"

	"github.com/xkilldash9x/subsentry/api/schemas"
	"github.com/xkilldash9x/subsentry/internal/dates"
	"github.com/xkilldash9x/subsentry/internal/locale"
)

// Rule identifies which ordered rule produced a classification.
type Rule int

const (
	RuleNone Rule = iota
	RuleResumeControl
	RuleExpiredText
	RuleScheduledText
	RulePauseControl
	RulePlanText
	RuleFallthrough
)

var ruleNames = map[Rule]string{
	RuleNone:          "none",
	RuleResumeControl: "resume_control",
	RuleExpiredText:   "expired_text",
	RuleScheduledText: "scheduled_text",
	RulePauseControl:  "pause_control",
	RulePlanText:      "plan_text",
	RuleFallthrough:   "fallthrough",
}

func (r Rule) String() string { return ruleNames[r] }

// priceRe recognises a price next to a currency symbol or code.
var priceRe = regexp.MustCompile(`(?i)(?:[$€£¥₹]\s?\d{1,4}(?:[.,]\d{2})?|\d{1,4}(?:[.,]\d{2})?\s?(?:[$€£¥₹]|usd|eur|gbp|brl|mxn))`)

// Classification is the result of Classify.
type Classification struct {
	State schemas.SubscriptionState
	// Provisional marks an Active state derived only from plan or price text.
	Provisional bool
	Rule        Rule
	// Evidence is the label or phrase that triggered the rule.
	Evidence string
	Dates    []schemas.CandidateDate
}

// Classifier applies the ordered rules. It holds no per-call state.
type Classifier struct {
	dates *dates.Resolver
}

// New creates a Classifier. A nil resolver gets a default one.
func New(resolver *dates.Resolver) *Classifier {
	if resolver == nil {
		resolver = dates.NewResolver()
	}
	return &Classifier{dates: resolver}
}

// Classify inspects page text and controls. The first matching rule wins:
//
//  1. a visible resume control: Paused
//  2. an expired phrase and no visible resume control: Expired
//  3. a scheduled pause or resume phrase: PauseScheduled
//  4. a visible pause control and no visible resume control: Active
//  5. plan or price text without error or expired markers: Active, provisional
//  6. anything else: Uncertain
//
// Dates found in the page text are attached to every result.
func (c *Classifier) Classify(pageText string, controls []schemas.Control, table *locale.Table) Classification {
	if table == nil {
		return Classification{State: schemas.StateUncertain, Rule: RuleFallthrough}
	}
	result := c.classify(pageText, controls, table)
	result.Dates = c.dates.Resolve(pageText, table, nextTransition(result.State))
	return result
}

// ClassifySnapshot is Classify over a driver snapshot.
func (c *Classifier) ClassifySnapshot(snap *schemas.PageSnapshot, table *locale.Table) Classification {
	if snap == nil {
		return Classification{State: schemas.StateUncertain, Rule: RuleFallthrough}
	}
	return c.Classify(snap.Text, snap.Controls, table)
}

func (c *Classifier) classify(text string, controls []schemas.Control, table *locale.Table) Classification {
	resume, hasResume := visibleMatch(controls, table.ResumeLabels)
	if hasResume {
		return Classification{State: schemas.StatePaused, Rule: RuleResumeControl, Evidence: resume}
	}

	expired, hasExpired := locale.FirstPhrase(text, table.ExpiredPhrases)
	if hasExpired {
		return Classification{State: schemas.StateExpired, Rule: RuleExpiredText, Evidence: expired}
	}

	if scheduled, ok := locale.FirstPhrase(text, table.ScheduledPhrases); ok {
		return Classification{State: schemas.StatePauseScheduled, Rule: RuleScheduledText, Evidence: scheduled}
	}

	if pause, ok := visibleMatch(controls, table.PauseLabels); ok {
		return Classification{State: schemas.StateActive, Rule: RulePauseControl, Evidence: pause}
	}

	if _, hasError := locale.FirstPhrase(text, table.ErrorPhrases); !hasError {
		if plan, ok := locale.FirstPhrase(text, table.PlanPhrases); ok {
			return Classification{State: schemas.StateActive, Provisional: true, Rule: RulePlanText, Evidence: plan}
		}
		if price := priceRe.FindString(text); price != "" {
			return Classification{State: schemas.StateActive, Provisional: true, Rule: RulePlanText, Evidence: price}
		}
	}

	return Classification{State: schemas.StateUncertain, Rule: RuleFallthrough}
}

// visibleMatch returns the text of the first visible control matching labels.
func visibleMatch(controls []schemas.Control, labels []string) (string, bool) {
	for _, ctl := range controls {
		if ctl.Visible && locale.MatchesAnyLabel(ctl.Text, labels) {
			return ctl.Text, true
		}
	}
	return "", false
}

// nextTransition is the role a lone untagged date most likely plays on a page
// in the given state: a paused membership's next event is its resumption.
func nextTransition(state schemas.SubscriptionState) schemas.Action {
	if state == schemas.StatePaused {
		return schemas.ActionResume
	}
	return schemas.ActionPause
}
