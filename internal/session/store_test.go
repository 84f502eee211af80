package session

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ganaudit/auditor-mcp/internal/apperrors"
	"github.com/ganaudit/auditor-mcp/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), time.Hour, true, nil)
	require.NoError(t, err)
	return s
}

func TestWriteSkipsFsyncWhenPersistenceDisabled(t *testing.T) {
	s, err := New(t.TempDir(), time.Hour, false, nil)
	require.NoError(t, err)

	sess, err := s.GetOrCreate("sess-nofsync", "")
	require.NoError(t, err)
	assert.False(t, s.enableFsync)

	// The write path still goes through the atomic temp-file-then-rename
	// sequence; only the fsync call is skipped, so the file is still
	// readable back afterward.
	updated, err := s.AppendIteration(sess.ID, domain.IterationRecord{ThoughtNumber: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.CurrentLoop)

	reread, err := s.Read(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reread.CurrentLoop)
}

func TestGetOrCreateCreatesFreshSessionOnFirstCall(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.GetOrCreate("sess-1", "")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sess.ID)
	assert.Equal(t, 0, sess.CurrentLoop)
	assert.False(t, sess.IsComplete)
}

func TestGetOrCreateReturnsExistingSessionOnSecondCall(t *testing.T) {
	s := newTestStore(t)
	first, err := s.GetOrCreate("sess-1", "loop-42")
	require.NoError(t, err)

	second, err := s.GetOrCreate("sess-1", "")
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, "loop-42", second.ExternalLoopID)
}

func TestAppendIterationAdvancesCurrentLoop(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetOrCreate("sess-1", "")
	require.NoError(t, err)

	sess, err := s.AppendIteration("sess-1", domain.IterationRecord{
		ThoughtNumber:         1,
		SubmittedAt:           time.Now(),
		SubmissionFingerprint: "abc123",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sess.CurrentLoop)
	assert.Len(t, sess.Iterations, 1)
}

func TestAppendIterationFailsOnAlreadyCompleteSession(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetOrCreate("sess-1", "")
	require.NoError(t, err)
	_, err = s.MarkComplete("sess-1", domain.ReasonTier1)
	require.NoError(t, err)

	_, err = s.AppendIteration("sess-1", domain.IterationRecord{ThoughtNumber: 1})
	require.Error(t, err)
	assert.True(t, apperrors.OfKind(err, apperrors.KindSessionComplete))
}

func TestWritesPersistAcrossStoreInstances(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessions")
	s1, err := New(dir, time.Hour, true, nil)
	require.NoError(t, err)
	_, err = s1.GetOrCreate("sess-1", "")
	require.NoError(t, err)
	_, err = s1.AppendIteration("sess-1", domain.IterationRecord{ThoughtNumber: 1})
	require.NoError(t, err)

	s2, err := New(dir, time.Hour, true, nil)
	require.NoError(t, err)
	sess, err := s2.Read("sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.CurrentLoop)
}

func TestReadOnCorruptFileReportsCorruptNotOverwritten(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, time.Hour, true, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "sess-1.json"), []byte("{not valid json"), 0o644))

	_, err = s.Read("sess-1")
	require.Error(t, err)
	assert.True(t, apperrors.OfKind(err, apperrors.KindSessionCorrupt))

	// Confirm the corrupt file was left untouched rather than silently replaced.
	data, readErr := os.ReadFile(filepath.Join(dir, "sess-1.json"))
	require.NoError(t, readErr)
	assert.Equal(t, "{not valid json", string(data))
}

func TestValidateRejectsIterationCountMismatch(t *testing.T) {
	sess := &domain.Session{
		ID:          "x",
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		CurrentLoop: 2,
		Iterations:  []domain.IterationRecord{{ThoughtNumber: 1}},
	}
	err := validate(sess)
	require.Error(t, err)
	assert.True(t, apperrors.OfKind(err, apperrors.KindSessionCorrupt))
}

func TestStartAndTerminateExternalContext(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetOrCreate("sess-1", "")
	require.NoError(t, err)

	sess, err := s.StartExternalContext("sess-1", "handle-1")
	require.NoError(t, err)
	assert.True(t, sess.ExternalContextActive)
	assert.Equal(t, "handle-1", sess.ExternalContextID)

	sess, err = s.TerminateExternalContext("sess-1")
	require.NoError(t, err)
	assert.False(t, sess.ExternalContextActive)
}

func TestMarkCompleteClearsExternalContextActive(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetOrCreate("sess-1", "loop-1")
	require.NoError(t, err)
	_, err = s.StartExternalContext("sess-1", "handle-1")
	require.NoError(t, err)

	sess, err := s.MarkComplete("sess-1", domain.ReasonTier1)
	require.NoError(t, err)
	assert.True(t, sess.IsComplete)
	assert.False(t, sess.ExternalContextActive)

	reloaded, err := s.Read("sess-1")
	require.NoError(t, err)
	assert.False(t, reloaded.ExternalContextActive)
}

func TestSweepRemovesAgedInactiveSessionsOnly(t *testing.T) {
	s := newTestStore(t)
	s.maxAge = 10 * time.Millisecond

	_, err := s.GetOrCreate("old", "")
	require.NoError(t, err)
	end := s.Begin("active")
	_, err = s.GetOrCreate("active", "")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	removed, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Read("old")
	assert.True(t, apperrors.OfKind(err, apperrors.KindSessionNotFound))

	_, err = s.Read("active")
	assert.NoError(t, err)
	end()
}

func TestConcurrentAppendIterationsAreSerializedPerSession(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetOrCreate("sess-1", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		n := i
		go func() {
			defer wg.Done()
			_, _ = s.AppendIteration("sess-1", domain.IterationRecord{ThoughtNumber: n + 1})
		}()
	}
	wg.Wait()

	sess, err := s.Read("sess-1")
	require.NoError(t, err)
	assert.Equal(t, 20, sess.CurrentLoop)
	assert.Len(t, sess.Iterations, 20)
}
