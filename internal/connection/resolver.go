// Package connection acquires a controllable browser session for an account,
// falling back to alternate identifiers when the primary one is unknown.
package connection

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/xkilldash9x/subsentry/api/schemas"
)

// identifierRe is the shape of every browser profile identifier. Anything else
// is most likely a credential pasted into the wrong column.
var identifierRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Resolution is a successfully acquired handle.
type Resolution struct {
	Driver   schemas.Driver
	UsedID   string
	Attempts []schemas.ConnectionAttempt
}

// Resolver turns identifiers into drivers through a Connector. It keeps no
// state between calls.
type Resolver struct {
	connector schemas.Connector
	clock     clockwork.Clock
	logger    *zap.Logger
}

// NewResolver creates a Resolver. clock may be nil.
func NewResolver(connector schemas.Connector, logger *zap.Logger, clock clockwork.Clock) *Resolver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		connector: connector,
		clock:     clock,
		logger:    logger.Named("connection"),
	}
}

// ValidIdentifier reports whether id is structurally a profile identifier and
// does not equal any of the account's secrets.
func ValidIdentifier(id string, secrets ...string) bool {
	if !identifierRe.MatchString(id) {
		return false
	}
	for _, s := range secrets {
		if s != "" && id == s {
			return false
		}
	}
	return true
}

// pass tracks one resolution: the attempts made and the identifiers used.
type pass struct {
	r         *Resolver
	attempted map[string]bool
	attempts  []schemas.ConnectionAttempt
}

func (p *pass) try(ctx context.Context, id string) (schemas.Driver, error) {
	p.attempted[id] = true
	drv, err := p.r.connector.Connect(ctx, id)

	attempt := schemas.ConnectionAttempt{Identifier: id, Timestamp: p.r.clock.Now()}
	switch {
	case err == nil:
		attempt.Outcome = schemas.AttemptSuccess
	case errors.Is(err, schemas.ErrIdentifierUnknown):
		attempt.Outcome = schemas.AttemptNotFound
		attempt.Error = err.Error()
	default:
		attempt.Outcome = schemas.AttemptError
		attempt.Error = err.Error()
	}
	p.attempts = append(p.attempts, attempt)
	p.r.logger.Debug("Connection attempt finished.",
		zap.String("identifier", id),
		zap.String("outcome", string(attempt.Outcome)),
		zap.Error(err))
	return drv, err
}

func (p *pass) success(drv schemas.Driver, id string) *Resolution {
	return &Resolution{Driver: drv, UsedID: id, Attempts: p.attempts}
}

func (p *pass) fail(code schemas.ErrorCode, detail string, err error) *schemas.RunError {
	re := schemas.NewRunError(code, detail, err)
	re.Attempts = p.attempts
	return re
}

// Resolve acquires a driver. primaryID is attempted once unless it is
// structurally invalid or equals one of secrets. Only an unknown identifier
// triggers the fallback search through lookup; any other primary failure is
// returned as a retryable ConnectionFailed error. Every identifier is tried at
// most once per call. Exhausting all candidates returns ConnectionExhausted
// carrying every attempt.
func (r *Resolver) Resolve(ctx context.Context, primaryID, accountEmail string, lookup schemas.IdentifierLookup, secrets ...string) (*Resolution, error) {
	p := &pass{r: r, attempted: make(map[string]bool)}
	primaryID = strings.TrimSpace(primaryID)

	if ValidIdentifier(primaryID, secrets...) {
		drv, err := p.try(ctx, primaryID)
		if err == nil {
			return p.success(drv, primaryID), nil
		}
		if ctx.Err() != nil {
			return nil, p.fail(schemas.ErrCodeCanceled, "resolution canceled", ctx.Err())
		}
		if !errors.Is(err, schemas.ErrIdentifierUnknown) {
			return nil, p.fail(schemas.ErrCodeConnectionFailed, fmt.Sprintf("primary identifier '%s' failed", primaryID), err)
		}
		r.logger.Info("Primary identifier unknown, searching fallbacks.", zap.String("identifier", primaryID))
	} else {
		r.logger.Warn("Primary identifier is missing or malformed, skipping to fallbacks.",
			zap.Bool("empty", primaryID == ""))
	}

	var candidates []string
	if lookup != nil {
		alts, err := lookup.AlternateIdentifiers(ctx, accountEmail)
		if err != nil {
			return nil, p.fail(schemas.ErrCodeConnectionFailed, "alternate identifier lookup failed", err)
		}
		candidates = alts
	}

	for _, id := range candidates {
		id = strings.TrimSpace(id)
		if p.attempted[id] || !ValidIdentifier(id, secrets...) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, p.fail(schemas.ErrCodeCanceled, "resolution canceled", err)
		}
		drv, err := p.try(ctx, id)
		if err == nil {
			r.logger.Info("Connected through fallback identifier.", zap.String("identifier", id))
			return p.success(drv, id), nil
		}
	}

	return nil, p.fail(schemas.ErrCodeConnectionExhausted,
		fmt.Sprintf("no usable identifier after %d attempts", len(p.attempts)), nil)
}
