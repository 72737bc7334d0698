package connection

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/subsentry/api/schemas"
	"github.com/xkilldash9x/subsentry/internal/mocks"
)

var unknown = fmt.Errorf("profile missing: %w", schemas.ErrIdentifierUnknown)

func setup(t *testing.T) (*Resolver, *mocks.MockConnector, *mocks.MockIdentifierLookup) {
	t.Helper()
	connector := new(mocks.MockConnector)
	lookup := new(mocks.MockIdentifierLookup)
	clock := clockwork.NewFakeClockAt(time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC))
	t.Cleanup(func() {
		connector.AssertExpectations(t)
		lookup.AssertExpectations(t)
	})
	return NewResolver(connector, zaptest.NewLogger(t), clock), connector, lookup
}

func identifiers(attempts []schemas.ConnectionAttempt) []string {
	out := make([]string, len(attempts))
	for i, a := range attempts {
		out[i] = a.Identifier
	}
	return out
}

func TestResolve_PrimarySucceeds(t *testing.T) {
	r, connector, lookup := setup(t)
	drv := mocks.NewFakeDriver(nil)
	connector.On("Connect", mock.Anything, "k1a2b3").Return(drv, nil).Once()

	res, err := r.Resolve(context.Background(), "k1a2b3", "a@example.com", lookup)
	require.NoError(t, err)
	assert.Same(t, drv, res.Driver)
	assert.Equal(t, "k1a2b3", res.UsedID)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, schemas.AttemptSuccess, res.Attempts[0].Outcome)
	assert.False(t, res.Attempts[0].Timestamp.IsZero())
	lookup.AssertNotCalled(t, "AlternateIdentifiers", mock.Anything, mock.Anything)
}

func TestResolve_UnknownPrimaryFallsBack(t *testing.T) {
	r, connector, lookup := setup(t)
	drv := mocks.NewFakeDriver(nil)

	connector.On("Connect", mock.Anything, "primary").Return(nil, unknown).Once()
	lookup.On("AlternateIdentifiers", mock.Anything, "a@example.com").
		Return([]string{"primary", "alt1", " alt1 ", "alt2", "alt3"}, nil).Once()
	connector.On("Connect", mock.Anything, "alt1").Return(nil, unknown).Once()
	connector.On("Connect", mock.Anything, "alt2").Return(nil, errors.New("devtools refused")).Once()
	connector.On("Connect", mock.Anything, "alt3").Return(drv, nil).Once()

	res, err := r.Resolve(context.Background(), "primary", "a@example.com", lookup)
	require.NoError(t, err)
	assert.Equal(t, "alt3", res.UsedID)
	assert.Equal(t, []string{"primary", "alt1", "alt2", "alt3"}, identifiers(res.Attempts),
		"each identifier is tried once, even when repeated in the fallback list")
	assert.Equal(t, schemas.AttemptNotFound, res.Attempts[0].Outcome)
	assert.Equal(t, schemas.AttemptError, res.Attempts[2].Outcome)
	assert.Equal(t, schemas.AttemptSuccess, res.Attempts[3].Outcome)
}

func TestResolve_InvalidPrimarySkipsToFallback(t *testing.T) {
	tests := []struct {
		name    string
		primary string
		secrets []string
	}{
		{name: "empty", primary: ""},
		{name: "credential characters", primary: "hunter2!@#"},
		{name: "equals the password", primary: "Sup3rSecret", secrets: []string{"Sup3rSecret"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, connector, lookup := setup(t)
			drv := mocks.NewFakeDriver(nil)
			lookup.On("AlternateIdentifiers", mock.Anything, "a@example.com").Return([]string{"alt1"}, nil).Once()
			connector.On("Connect", mock.Anything, "alt1").Return(drv, nil).Once()

			res, err := r.Resolve(context.Background(), tt.primary, "a@example.com", lookup, tt.secrets...)
			require.NoError(t, err)
			assert.Equal(t, []string{"alt1"}, identifiers(res.Attempts))
		})
	}
}

func TestResolve_TransientPrimaryFailureIsRetryable(t *testing.T) {
	r, connector, lookup := setup(t)
	connector.On("Connect", mock.Anything, "primary").Return(nil, errors.New("connection reset")).Once()

	_, err := r.Resolve(context.Background(), "primary", "a@example.com", lookup)
	require.Error(t, err)

	var re *schemas.RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, schemas.ErrCodeConnectionFailed, re.Code)
	assert.True(t, re.Retryable())
	assert.Len(t, re.Attempts, 1)
	lookup.AssertNotCalled(t, "AlternateIdentifiers", mock.Anything, mock.Anything)
}

func TestResolve_ExhaustedCarriesAttempts(t *testing.T) {
	r, connector, lookup := setup(t)
	connector.On("Connect", mock.Anything, "primary").Return(nil, unknown).Once()
	lookup.On("AlternateIdentifiers", mock.Anything, "a@example.com").Return([]string{"alt1", "not valid!"}, nil).Once()
	connector.On("Connect", mock.Anything, "alt1").Return(nil, unknown).Once()

	_, err := r.Resolve(context.Background(), "primary", "a@example.com", lookup)
	var re *schemas.RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, schemas.ErrCodeConnectionExhausted, re.Code)
	assert.False(t, re.Retryable())
	assert.Equal(t, []string{"primary", "alt1"}, identifiers(re.Attempts))
}

func TestResolve_LookupFailure(t *testing.T) {
	r, connector, lookup := setup(t)
	connector.On("Connect", mock.Anything, "primary").Return(nil, unknown).Once()
	lookup.On("AlternateIdentifiers", mock.Anything, "a@example.com").Return(nil, errors.New("sheet offline")).Once()

	_, err := r.Resolve(context.Background(), "primary", "a@example.com", lookup)
	assert.Equal(t, schemas.ErrCodeConnectionFailed, schemas.CodeOf(err))
}

func TestResolve_NilLookupExhausts(t *testing.T) {
	r, connector, _ := setup(t)
	connector.On("Connect", mock.Anything, "primary").Return(nil, unknown).Once()

	_, err := r.Resolve(context.Background(), "primary", "a@example.com", nil)
	assert.Equal(t, schemas.ErrCodeConnectionExhausted, schemas.CodeOf(err))
}

func TestResolve_CanceledContext(t *testing.T) {
	r, connector, lookup := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	lookup.On("AlternateIdentifiers", mock.Anything, "a@example.com").
		Run(func(mock.Arguments) { cancel() }).
		Return([]string{"alt1"}, nil).Once()

	_, err := r.Resolve(ctx, "", "a@example.com", lookup)
	assert.Equal(t, schemas.ErrCodeCanceled, schemas.CodeOf(err))
	connector.AssertNotCalled(t, "Connect", mock.Anything, mock.Anything)
}

func TestValidIdentifier(t *testing.T) {
	assert.True(t, ValidIdentifier("k12ab_3-x"))
	assert.False(t, ValidIdentifier(""))
	assert.False(t, ValidIdentifier("has space"))
	assert.False(t, ValidIdentifier("p@ssw0rd"))
	assert.False(t, ValidIdentifier("abc", "abc"))
	assert.True(t, ValidIdentifier("abc", ""))
}
