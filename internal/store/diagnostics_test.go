package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glimpse/internal/diag"
	"glimpse/internal/types"
)

func openTestStore(t *testing.T) *DiagnosticsStore {
	t.Helper()
	s, err := OpenDiagnostics(filepath.Join(t.TempDir(), "diag", "glimpse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDiagnostics_AppendAndRecent(t *testing.T) {
	s := openTestStore(t)

	first := types.SessionDiagnostic{
		SessionID:     "s1",
		Phase:         types.PhaseResult,
		StopReason:    types.StopNatural,
		GateEvaluated: true,
		GatePassed:    true,
		BudgetsMet:    true,
		Metrics:       types.RequestMetrics{TotalLatency: 900 * time.Millisecond},
		RecordedAt:    time.Now().Add(-time.Minute),
	}
	second := types.SessionDiagnostic{
		SessionID:  "s2",
		Phase:      types.PhaseError,
		ErrorText:  "no text selected",
		RecordedAt: time.Now(),
	}
	require.NoError(t, s.Append(first))
	require.NoError(t, s.Append(second))

	got, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Most recent first.
	assert.Equal(t, "s2", got[0].SessionID)
	assert.Equal(t, types.PhaseError, got[0].Phase)
	assert.Equal(t, "no text selected", got[0].ErrorText)

	assert.Equal(t, "s1", got[1].SessionID)
	assert.Equal(t, types.StopNatural, got[1].StopReason)
	assert.True(t, got[1].GatePassed)
	assert.Equal(t, 900*time.Millisecond, got[1].Metrics.TotalLatency)
}

func TestDiagnostics_RecentHonorsLimit(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 6; i++ {
		require.NoError(t, s.Append(types.SessionDiagnostic{
			SessionID:  "bulk",
			Phase:      types.PhaseResult,
			RecordedAt: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}
	got, err := s.Recent(3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestDiagnostics_Prune(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Append(types.SessionDiagnostic{
		SessionID:  "old",
		Phase:      types.PhaseError,
		RecordedAt: time.Now().Add(-48 * time.Hour),
	}))
	require.NoError(t, s.Append(types.SessionDiagnostic{
		SessionID:  "fresh",
		Phase:      types.PhaseResult,
		RecordedAt: time.Now(),
	}))

	pruned, err := s.Prune(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	got, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fresh", got[0].SessionID)
}

func TestDiagnostics_ActsAsRecorderSink(t *testing.T) {
	s := openTestStore(t)

	rec := diag.NewRecorder()
	rec.SetSink(s)
	rec.Record(types.SessionDiagnostic{SessionID: "via-sink", Phase: types.PhaseResult})

	got, err := s.Recent(1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "via-sink", got[0].SessionID)
	assert.False(t, got[0].RecordedAt.IsZero())
}
