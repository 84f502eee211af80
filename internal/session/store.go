// Package session implements C4: durable per-session iteration history and
// external-context handle, persisted as one JSON document per session
// under the configured state directory.
//
// Grounded on the example SDK's session manager: a per-session operation
// lock registry with double-checked-locking creation
// (getSessionOperationLock/cleanupSessionOperationLock) and an idempotent
// sync.Once shutdown. The write path deliberately improves on that SDK's
// file-backed state store, which writes with a plain os.WriteFile (not
// atomic); §4.4 requires atomic writes, so this store writes to a sibling
// temporary file, fsyncs it (when enabled), then renames it into place.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ganaudit/auditor-mcp/internal/apperrors"
	"github.com/ganaudit/auditor-mcp/internal/domain"
	"go.uber.org/zap"
)

// Store owns all Session records under one state directory. It is safe
// for concurrent use: writes to one session are serialized via a
// per-session lock; a coarse registry lock protects creation of that
// per-session lock itself (§4.4, §5).
type Store struct {
	dir         string
	logger      *zap.Logger
	maxAge      time.Duration
	enableFsync bool

	locksMu sync.RWMutex
	locks   map[string]*sync.RWMutex

	activeMu sync.Mutex
	active   map[string]int // sessions with an in-flight request; never swept
}

// New constructs a Store rooted at dir. dir is created if absent.
// enableFsync gates ENABLE_SESSION_PERSISTENCE (§6 "Toggle C4 fsync
// path"): when false, writes still go through the atomic
// temp-file-then-rename path, but skip the f.Sync() call, trading the
// fsync durability guarantee for faster writes.
func New(dir string, maxAge time.Duration, enableFsync bool, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.New(apperrors.KindConfigInvalid, "cannot create session state dir").WithCause(err)
	}
	return &Store{
		dir:         dir,
		logger:      logger,
		maxAge:      maxAge,
		enableFsync: enableFsync,
		locks:       make(map[string]*sync.RWMutex),
		active:      make(map[string]int),
	}, nil
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// lockFor returns the per-session lock, creating it under double-checked
// locking if this is the first reference (mirrors the SDK's
// getSessionOperationLock).
func (s *Store) lockFor(sessionID string) *sync.RWMutex {
	s.locksMu.RLock()
	if l, ok := s.locks[sessionID]; ok {
		s.locksMu.RUnlock()
		return l
	}
	s.locksMu.RUnlock()

	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if l, ok := s.locks[sessionID]; ok {
		return l
	}
	l := &sync.RWMutex{}
	s.locks[sessionID] = l
	return l
}

// Begin marks a session as actively in-flight, excluding it from the
// cleanup sweep (§4.4 "Active sessions... are never swept") until End is
// called.
func (s *Store) Begin(sessionID string) func() {
	s.activeMu.Lock()
	s.active[sessionID]++
	s.activeMu.Unlock()
	return func() {
		s.activeMu.Lock()
		s.active[sessionID]--
		if s.active[sessionID] <= 0 {
			delete(s.active, sessionID)
		}
		s.activeMu.Unlock()
	}
}

// GetOrCreate loads a session, creating a fresh in_progress one if absent
// (§4.4). A corrupt file is reported rather than silently overwritten.
func (s *Store) GetOrCreate(sessionID, externalLoopID string) (*domain.Session, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.read(sessionID)
	if err == nil {
		return sess, nil
	}
	var ee *apperrors.EngineError
	if !apperrors.OfKind(err, apperrors.KindSessionNotFound) {
		return nil, err
	}
	_ = ee

	now := time.Now()
	sess = &domain.Session{
		ID:             sessionID,
		CreatedAt:      now,
		UpdatedAt:      now,
		CurrentLoop:    0,
		Iterations:     []domain.IterationRecord{},
		ExternalLoopID: externalLoopID,
	}
	if err := s.write(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// read loads and structurally validates a session document (§4.4's
// integrity invariants). A missing file yields SessionNotFound; a
// present-but-invalid file yields SessionCorrupt rather than being
// silently discarded.
func (s *Store) read(sessionID string) (*domain.Session, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.New(apperrors.KindSessionNotFound, "no session file for "+sessionID)
		}
		return nil, apperrors.New(apperrors.KindSessionCorrupt, "cannot read session file").WithCause(err)
	}

	var sess domain.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, apperrors.New(apperrors.KindSessionCorrupt, "session file is not valid JSON").WithCause(err)
	}
	if err := validate(&sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// validate enforces §4.4's integrity invariants.
func validate(sess *domain.Session) error {
	if len(sess.Iterations) != sess.CurrentLoop {
		return apperrors.New(apperrors.KindSessionCorrupt, "len(iterations) != current_loop").
			WithDetail("len_iterations", len(sess.Iterations)).
			WithDetail("current_loop", sess.CurrentLoop)
	}
	if sess.UpdatedAt.Before(sess.CreatedAt) {
		return apperrors.New(apperrors.KindSessionCorrupt, "updated_at precedes created_at")
	}
	if sess.IsComplete && sess.CompletionReason == domain.ReasonNone {
		return apperrors.New(apperrors.KindSessionCorrupt, "is_complete is true but completion_reason is unset")
	}
	if sess.ExternalContextActive && sess.ExternalContextID == "" {
		return apperrors.New(apperrors.KindSessionCorrupt, "external_context_active is true but external_context_id is empty")
	}
	return nil
}

// write atomically persists sess: write to a sibling temp file, fsync
// (only when enableFsync is set), rename into place (§4.4).
func (s *Store) write(sess *domain.Session) error {
	if err := validate(sess); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return apperrors.New(apperrors.KindSessionCorrupt, "cannot marshal session").WithCause(err)
	}

	final := s.path(sess.ID)
	tmp := fmt.Sprintf("%s.tmp-%d", final, time.Now().UnixNano())

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return apperrors.New(apperrors.KindSessionCorrupt, "cannot create temp session file").WithCause(err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return apperrors.New(apperrors.KindSessionCorrupt, "cannot write temp session file").WithCause(err)
	}
	if s.enableFsync {
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmp)
			return apperrors.New(apperrors.KindSessionCorrupt, "cannot fsync temp session file").WithCause(err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return apperrors.New(apperrors.KindSessionCorrupt, "cannot close temp session file").WithCause(err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return apperrors.New(apperrors.KindSessionCorrupt, "cannot rename temp session file into place").WithCause(err)
	}
	return nil
}

// mutate loads the current session, applies fn, and persists the result
// under the per-session write lock (§5's "brief append-iteration critical
// section, never held across an auditor invocation").
func (s *Store) mutate(sessionID string, fn func(*domain.Session) error) (*domain.Session, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.read(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.IsComplete {
		return nil, apperrors.New(apperrors.KindSessionComplete, "session "+sessionID+" is already complete")
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	sess.UpdatedAt = time.Now()
	if err := s.write(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// AppendIteration appends one IterationRecord and advances current_loop
// (§4.4, §8's monotonic thought_number-order invariant is maintained by
// the caller always appending in request-arrival order per session).
func (s *Store) AppendIteration(sessionID string, rec domain.IterationRecord) (*domain.Session, error) {
	return s.mutate(sessionID, func(sess *domain.Session) error {
		sess.Iterations = append(sess.Iterations, rec)
		sess.CurrentLoop = len(sess.Iterations)
		return nil
	})
}

// MarkComplete marks a session terminal with the given reason (§4.4) and,
// in the same write, clears any external-context ownership flag. §8's
// testable property ("after a call that returns completion.isComplete =
// true, any prior external_context_active state is false") must hold in
// the persisted record itself, and mutate() refuses all further writes to
// an already-complete session — so the external-context clear cannot be a
// second call after this one sets IsComplete; it has to happen here.
func (s *Store) MarkComplete(sessionID string, reason domain.CompletionReason) (*domain.Session, error) {
	return s.mutate(sessionID, func(sess *domain.Session) error {
		sess.IsComplete = true
		sess.CompletionReason = reason
		sess.ExternalContextActive = false
		return nil
	})
}

// SetStagnation records stagnation detector output onto the session
// (§4.5's advisory result attached ahead of the completion decision).
func (s *Store) SetStagnation(sessionID string, info domain.StagnationInfo) (*domain.Session, error) {
	return s.mutate(sessionID, func(sess *domain.Session) error {
		sess.StagnationInfo = &info
		return nil
	})
}

// SetHardStopOverride records a per-session hard-stop loop-cap override
// from the inline audit-config block's "maxCycles" key (§6). A value of
// zero clears any existing override.
func (s *Store) SetHardStopOverride(sessionID string, loops int) (*domain.Session, error) {
	return s.mutate(sessionID, func(sess *domain.Session) error {
		sess.HardStopOverride = loops
		return nil
	})
}

// StartExternalContext records that an external-context handle is now
// owned by the session (§4.9). It does not check whether a handle is
// already active and overwrites any recorded handle id; callers check
// session.ExternalContextActive themselves to keep the start/maintain
// decision in the engine per §4.8 step 5.
func (s *Store) StartExternalContext(sessionID, handleID string) (*domain.Session, error) {
	return s.mutate(sessionID, func(sess *domain.Session) error {
		sess.ExternalContextActive = true
		sess.ExternalContextID = handleID
		return nil
	})
}

// TerminateExternalContext clears the external-context ownership flag
// (§4.9). Idempotent at the session layer: calling it when already
// inactive is a no-op from the session's point of view.
func (s *Store) TerminateExternalContext(sessionID string) (*domain.Session, error) {
	return s.mutate(sessionID, func(sess *domain.Session) error {
		sess.ExternalContextActive = false
		return nil
	})
}

// Read returns the session's current persisted state without mutation,
// for the admin export endpoint (§12 supplement) and tests.
func (s *Store) Read(sessionID string) (*domain.Session, error) {
	lock := s.lockFor(sessionID)
	lock.RLock()
	defer lock.RUnlock()
	return s.read(sessionID)
}

// Sweep deletes sessions older than maxAge that are not currently active
// (§4.4's cleanup). It runs only when called; the store starts no
// background timer for it. It returns the number of sessions removed.
func (s *Store) Sweep() (int, error) {
	if s.maxAge <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, apperrors.New(apperrors.KindConfigInvalid, "cannot list session state dir").WithCause(err)
	}

	removed := 0
	cutoff := time.Now().Add(-s.maxAge)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		sessionID := trimJSONExt(entry.Name())
		if sessionID == "" {
			continue
		}

		s.activeMu.Lock()
		isActive := s.active[sessionID] > 0
		s.activeMu.Unlock()
		if isActive {
			continue
		}

		sess, err := s.Read(sessionID)
		if err != nil {
			continue // corrupt or racing delete; leave for an administrative sweep
		}
		if sess.UpdatedAt.Before(cutoff) {
			lock := s.lockFor(sessionID)
			lock.Lock()
			if err := os.Remove(s.path(sessionID)); err == nil {
				removed++
			}
			lock.Unlock()
		}
	}
	return removed, nil
}

func trimJSONExt(name string) string {
	const suffix = ".json"
	if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
		return ""
	}
	return name[:len(name)-len(suffix)]
}
