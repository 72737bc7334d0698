package dates

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/subsentry/api/schemas"
	"github.com/xkilldash9x/subsentry/internal/locale"
)

var reference = time.Date(2025, time.September, 1, 12, 0, 0, 0, time.UTC)

func newTestResolver(opts ...Option) *Resolver {
	opts = append([]Option{WithClock(clockwork.NewFakeClockAt(reference))}, opts...)
	return NewResolver(opts...)
}

func table(t *testing.T, code string) *locale.Table {
	t.Helper()
	tbl, ok := locale.Default().Get(code)
	require.True(t, ok, "missing locale %s", code)
	return tbl
}

type roleOf struct {
	ISO    string
	Role   schemas.DateRole
	Source schemas.RoleSource
}

func summarize(ds []schemas.CandidateDate) []roleOf {
	out := make([]roleOf, len(ds))
	for i, d := range ds {
		out[i] = roleOf{ISO: d.ISO(), Role: d.Role, Source: d.RoleSource}
	}
	return out
}

func TestResolve_RoleFromPhrase(t *testing.T) {
	r := newTestResolver()
	en := table(t, "en")

	got := r.Resolve("Membership pauses on Oct 4", en, schemas.ActionResume)
	require.Len(t, got, 1)
	assert.Equal(t, "Oct 4", got[0].Raw)
	assert.Equal(t, "2025-10-04", got[0].ISO())
	assert.Equal(t, schemas.RolePause, got[0].Role, "a phrase beats the context verb")
	assert.Equal(t, schemas.RoleFromPhrase, got[0].RoleSource)
	assert.Equal(t, "en", got[0].Locale)
	assert.Equal(t, 21, got[0].Offset)
}

func TestResolve_PhraseRolesIgnoreTextOrder(t *testing.T) {
	r := newTestResolver()
	en := table(t, "en")

	got := r.Resolve("Your membership resumes on Nov 4, 2025. It pauses on Oct 4, 2025.", en, schemas.ActionPause)
	want := []roleOf{
		{ISO: "2025-11-04", Role: schemas.RoleResume, Source: schemas.RoleFromPhrase},
		{ISO: "2025-10-04", Role: schemas.RolePause, Source: schemas.RoleFromPhrase},
	}
	if diff := cmp.Diff(want, summarize(got)); diff != "" {
		t.Errorf("roles mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_UntaggedDatesUseChronology(t *testing.T) {
	r := newTestResolver()
	en := table(t, "en")

	got := r.Resolve("Dates: Nov 4, 2025 / Oct 4, 2025", en, schemas.ActionResume)
	want := []roleOf{
		{ISO: "2025-11-04", Role: schemas.RoleResume, Source: schemas.RoleFromProximity},
		{ISO: "2025-10-04", Role: schemas.RolePause, Source: schemas.RoleFromProximity},
	}
	if diff := cmp.Diff(want, summarize(got)); diff != "" {
		t.Errorf("roles mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_MixedPhraseAndProximity(t *testing.T) {
	r := newTestResolver()
	en := table(t, "en")

	got := r.Resolve("Pauses on Oct 4, 2025. Back Nov 4, 2025", en, schemas.ActionPause)
	want := []roleOf{
		{ISO: "2025-10-04", Role: schemas.RolePause, Source: schemas.RoleFromPhrase},
		{ISO: "2025-11-04", Role: schemas.RoleResume, Source: schemas.RoleFromProximity},
	}
	assert.Equal(t, want, summarize(got))

	// An untagged date earlier than the tagged pause cannot be the resume date.
	got = r.Resolve("Pauses on Oct 4, 2025. Noted Sep 20, 2025", en, schemas.ActionPause)
	require.Len(t, got, 2)
	assert.Equal(t, schemas.RoleUnknown, got[1].Role)
	assert.Equal(t, schemas.RoleFromNone, got[1].RoleSource)
}

func TestResolve_SingleDateTakesContextVerb(t *testing.T) {
	r := newTestResolver()
	en := table(t, "en")

	got := r.Resolve("Effective Oct 4, 2025", en, schemas.ActionPause)
	require.Len(t, got, 1)
	assert.Equal(t, schemas.RolePause, got[0].Role)
	assert.Equal(t, schemas.RoleFromContext, got[0].RoleSource)

	got = r.Resolve("Effective Oct 4, 2025", en, schemas.ActionResume)
	require.Len(t, got, 1)
	assert.Equal(t, schemas.RoleResume, got[0].Role)
	assert.Equal(t, schemas.RoleFromContext, got[0].RoleSource)
}

func TestResolve_YearWindow(t *testing.T) {
	en := table(t, "en")
	text := "Oct 4, 2019 and Oct 4, 2040"

	assert.Empty(t, newTestResolver().Resolve(text, en, schemas.ActionPause))
	assert.Len(t, newTestResolver(WithYearWindow(2010, 2050)).Resolve(text, en, schemas.ActionPause), 2)
}

func TestResolve_YearlessDatesRollForward(t *testing.T) {
	r := newTestResolver()
	en := table(t, "en")

	got := r.Resolve("Benefits end: Aug 30", en, schemas.ActionPause)
	require.Len(t, got, 1)
	assert.Equal(t, "2026-08-30", got[0].ISO())

	got = r.Resolve("Benefits end: Sep 30", en, schemas.ActionPause)
	require.Len(t, got, 1)
	assert.Equal(t, "2025-09-30", got[0].ISO())
}

func TestResolve_Locales(t *testing.T) {
	r := newTestResolver()

	tests := []struct {
		name string
		code string
		text string
		want []roleOf
	}{
		{
			name: "german day month",
			code: "de",
			text: "Pausiert ab 4. Oktober 2025, fortgesetzt am 4. November 2025",
			want: []roleOf{
				{ISO: "2025-10-04", Role: schemas.RolePause, Source: schemas.RoleFromPhrase},
				{ISO: "2025-11-04", Role: schemas.RoleResume, Source: schemas.RoleFromPhrase},
			},
		},
		{
			name: "spanish with de",
			code: "es",
			text: "Tu membresía se reanudará el 4 de noviembre de 2025",
			want: []roleOf{{ISO: "2025-11-04", Role: schemas.RoleResume, Source: schemas.RoleFromPhrase}},
		},
		{
			name: "german numeric",
			code: "de",
			text: "Nächstes Abrechnungsdatum: 04.10.2025",
			want: []roleOf{{ISO: "2025-10-04", Role: schemas.RolePause, Source: schemas.RoleFromPhrase}},
		},
		{
			name: "english numeric month first",
			code: "en",
			text: "Next billing date 10/04/2025",
			want: []roleOf{{ISO: "2025-10-04", Role: schemas.RolePause, Source: schemas.RoleFromPhrase}},
		},
		{
			name: "french ordinal",
			code: "fr",
			text: "L'abonnement reprendra le 1er décembre 2025",
			want: []roleOf{{ISO: "2025-12-01", Role: schemas.RoleResume, Source: schemas.RoleFromPhrase}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(tt.text, table(t, tt.code), schemas.ActionPause)
			if diff := cmp.Diff(tt.want, summarize(got)); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResolve_DeduplicatesAndRejectsInvalid(t *testing.T) {
	r := newTestResolver()
	en := table(t, "en")

	got := r.Resolve("Pauses on Oct 4, 2025 (2025-10-04)", en, schemas.ActionPause)
	require.Len(t, got, 1)
	assert.Equal(t, "Oct 4, 2025", got[0].Raw)

	assert.Empty(t, r.Resolve("Feb 30, 2025", en, schemas.ActionPause))
	assert.Empty(t, r.Resolve("Marathon 5 starts soon", en, schemas.ActionPause))
	assert.Empty(t, r.Resolve("", en, schemas.ActionPause))
	assert.Empty(t, r.Resolve("Oct 4", nil, schemas.ActionPause))
}

func TestResolve_Idempotent(t *testing.T) {
	r := newTestResolver()
	en := table(t, "en")
	text := "Membership pauses on Oct 4 and resumes on Nov 4. Billed monthly."

	first := r.Resolve(text, en, schemas.ActionPause)
	second := r.Resolve(text, en, schemas.ActionPause)
	require.Len(t, first, 2)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("re-resolving changed the result (-first +second):\n%s", diff)
	}
}
