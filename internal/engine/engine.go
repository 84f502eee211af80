// Package engine implements C8: the synchronous audit_and_wait
// orchestrator that wires the fingerprint cache (C1), auditor process
// driver (C2), work queue (C3), session store (C4), stagnation detector
// (C5), completion evaluator (C6), response assembler (C7), and
// external-context lifecycle (C9) into the twelve-step algorithm of §4.8.
//
// Grounded on go-sdk/pkg/tools/executor.go's ExecutionEngine.Execute: a
// registry lookup replaced here by session lookup, a cache check, a
// concurrency-bounded execution, metrics recording, and a cache-store on
// success — generalized from one-shot tool invocation to the iterative
// submit-audit-feedback cycle.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/ganaudit/auditor-mcp/internal/apperrors"
	"github.com/ganaudit/auditor-mcp/internal/auditor"
	"github.com/ganaudit/auditor-mcp/internal/completion"
	"github.com/ganaudit/auditor-mcp/internal/config"
	"github.com/ganaudit/auditor-mcp/internal/domain"
	"github.com/ganaudit/auditor-mcp/internal/externalcontext"
	"github.com/ganaudit/auditor-mcp/internal/fingerprint"
	"github.com/ganaudit/auditor-mcp/internal/metrics"
	"github.com/ganaudit/auditor-mcp/internal/queue"
	"github.com/ganaudit/auditor-mcp/internal/response"
	"github.com/ganaudit/auditor-mcp/internal/session"
	"github.com/ganaudit/auditor-mcp/internal/stagnation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// maxCyclesCeiling is the server-side absolute ceiling on a per-request
// "maxCycles" override (§6). Not itself part of the env-var config
// surface in §6's table; it bounds an already-optional client override,
// not the operator-controlled defaults.
const maxCyclesCeiling = 100

// submissionHistoryLimit bounds the in-memory per-session normalized
// submission history kept for stagnation comparisons (§4.5). It is not
// persisted: a restart loses stagnation context for in-flight sessions,
// which is acceptable since stagnation is advisory (§4.5) and session
// state durability is about iteration history, not this derived cache.
const submissionHistoryLimit = 64

// defaultRubric is the scoring-dimension rubric sent to the auditor when
// the inline audit-config block does not override it. §6 does not
// expose a rubric override key, so this is the only rubric in play.
var defaultRubric = []domain.Rubric{
	{Name: "correctness", Weight: 0.4},
	{Name: "security", Weight: 0.3},
	{Name: "maintainability", Weight: 0.2},
	{Name: "style", Weight: 0.1},
}

// Request is one audit_and_wait call's decoded input, already stripped
// of the transport envelope (§4.8 step 1 is the mcp package's job; this
// is what it hands to the engine).
type Request struct {
	SessionID      string
	ExternalLoopID string
	ThoughtNumber  int
	Thought        string
}

// Engine is C8's orchestrator. One Engine is constructed per process and
// shared across all concurrent audit_and_wait calls.
type Engine struct {
	cfg              *config.Config
	store            *session.Store
	cache            *fingerprint.Cache[domain.AuditResult]
	queue            *queue.Queue
	driver           *auditor.Driver
	stagnation       *stagnation.Detector
	completionPolicy completion.Policy
	assembler        *response.Assembler
	extctx           *externalcontext.Manager
	metrics          *metrics.Metrics
	logger           *zap.Logger
	tracer           trace.Tracer

	historyMu sync.Mutex
	history   map[string][]string

	sessionsMu sync.Mutex
	sessionIDs map[string]struct{}
}

// New constructs an Engine from its already-constructed collaborators.
// cfg must already be validated (config.Config.Validate).
func New(cfg *config.Config, store *session.Store, driver *auditor.Driver, extctx *externalcontext.Manager, m *metrics.Metrics, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cache, err := fingerprint.NewCache[domain.AuditResult](cfg.CacheMaxSize, cfg.CacheMaxAge)
	if err != nil {
		return nil, apperrors.New(apperrors.KindConfigInvalid, "cannot construct fingerprint cache").WithCause(err)
	}

	policy := completion.Policy{
		Tier1:        completion.Tier{Score: cfg.Tier1.Score, Loops: cfg.Tier1.Loops},
		Tier2:        completion.Tier{Score: cfg.Tier2.Score, Loops: cfg.Tier2.Loops},
		Tier3:        completion.Tier{Score: cfg.Tier3.Score, Loops: cfg.Tier3.Loops},
		HardStopLoop: cfg.HardStop,
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	return &Engine{
		cfg:              cfg,
		store:            store,
		cache:            cache,
		queue:            queue.New(cfg.MaxConcurrentAudits, cfg.QueueWaitTimeout),
		driver:           driver,
		stagnation:       stagnation.New(cfg.StagnationStartLoop, cfg.StagnationThreshold, cfg.StagnationWindow),
		completionPolicy: policy,
		assembler:        response.New(response.DetailStandard),
		extctx:           extctx,
		metrics:          m,
		logger:           logger,
		tracer:           otel.Tracer("engine"),
		history:          make(map[string][]string),
		sessionIDs:       make(map[string]struct{}),
	}, nil
}

// AuditAndWait implements §4.8's twelve-step algorithm.
func (e *Engine) AuditAndWait(ctx context.Context, req Request) (domain.FeedbackPayload, error) {
	ctx, span := e.tracer.Start(ctx, "engine.audit_and_wait")
	defer span.End()

	if req.SessionID == "" {
		return domain.FeedbackPayload{}, apperrors.New(apperrors.KindInputInvalid, "sessionId is required")
	}

	if err := e.admitSession(req.SessionID); err != nil {
		return domain.FeedbackPayload{}, err
	}

	end := e.store.Begin(req.SessionID)
	defer end()
	if e.metrics != nil {
		e.metrics.SessionsActive.Inc()
		defer e.metrics.SessionsActive.Dec()
	}

	cfgBlock, warnings, err := parseInlineConfig(req.Thought)
	if err != nil {
		return domain.FeedbackPayload{}, err
	}

	sess, err := e.store.GetOrCreate(req.SessionID, req.ExternalLoopID)
	if err != nil {
		return domain.FeedbackPayload{}, err
	}

	if sess.IsComplete {
		return e.terminalResponse(sess), nil
	}

	if cfgBlock.MaxCycles != nil {
		effective, w := clampMaxCycles(*cfgBlock.MaxCycles, maxCyclesCeiling, warnings)
		warnings = w
		if sess.HardStopOverride != effective {
			sess, err = e.store.SetHardStopOverride(req.SessionID, effective)
			if err != nil {
				return domain.FeedbackPayload{}, err
			}
		}
	}

	hardStopLoop := e.completionPolicy.HardStopLoop
	if sess.HardStopOverride > 0 {
		hardStopLoop = sess.HardStopOverride
	}

	normalized := fingerprint.Normalize(req.Thought)

	// §4.8 step 3: must-audit gate.
	if !looksLikeCode(req.Thought) {
		updated, err := e.store.AppendIteration(req.SessionID, domain.IterationRecord{
			ThoughtNumber: req.ThoughtNumber,
			SubmittedAt:   time.Now(),
		})
		if err != nil {
			return domain.FeedbackPayload{}, err
		}
		payload := e.assembler.Build(nil, domain.CompletionDecision{}, updated, domain.StagnationInfo{}, auditScores(updated.Iterations), e.cfg.ProgressTrendWindow, hardStopLoop)
		payload.Warnings = warnings
		return payload, nil
	}

	key := fingerprint.Fingerprint(normalized)

	var auditResult *domain.AuditResult
	cacheHit := false
	auditErrMsg := ""

	if cached, ok := e.cacheLookup(key); ok {
		ar := cached
		auditResult = &ar
		cacheHit = true
		e.observeCacheLookup("hit")
	} else {
		e.observeCacheLookup("miss")

		handleID, cerr := e.manageExternalContext(ctx, sess, req.ExternalLoopID)
		if cerr != nil {
			return domain.FeedbackPayload{}, cerr
		}

		auditReq := domain.AuditRequest{
			SubmissionText:    req.Thought,
			Rubric:            defaultRubric,
			Budget:            buildBudget(cfgBlock, e.cfg),
			Timeout:           e.cfg.AuditTimeout,
			ExternalContextID: handleID,
			Judges:            cfgBlock.Judges,
		}

		value, buildErr, _ := e.cache.Once(key, func() (domain.AuditResult, error) {
			return e.invoke(ctx, auditReq)
		})

		switch {
		case buildErr == nil:
			result := value
			auditResult = &result
			if e.cfg.EnableCaching {
				e.cache.Store(key, value)
			}
		case apperrors.OfKind(buildErr, apperrors.KindAuditorTimeout), apperrors.OfKind(buildErr, apperrors.KindAuditorParseError):
			result := value
			auditResult = &result
			auditErrMsg = buildErr.Error()
		default:
			return domain.FeedbackPayload{}, buildErr
		}
	}

	stag := e.stagnationCheck(sess, normalized)

	updated, err := e.store.AppendIteration(req.SessionID, domain.IterationRecord{
		ThoughtNumber:         req.ThoughtNumber,
		SubmittedAt:           time.Now(),
		SubmissionFingerprint: key,
		Audit:                 auditResult,
		AuditError:            auditErrMsg,
		CacheHit:              cacheHit,
	})
	if err != nil {
		return domain.FeedbackPayload{}, err
	}
	e.recordSubmission(req.SessionID, normalized)

	policy := e.completionPolicy
	policy.HardStopLoop = hardStopLoop
	if cfgBlock.Threshold != nil {
		policy.Tier1.Score = *cfgBlock.Threshold
	}
	decision := completion.New(policy).Evaluate(false, updated.CurrentLoop, auditResult.OverallScore, stagnation.IsStagnant(stag))

	if stag.DetectedAtLoop > 0 {
		updated, err = e.store.SetStagnation(req.SessionID, stag)
		if err != nil {
			return domain.FeedbackPayload{}, err
		}
	}

	if decision.IsComplete {
		if req.ExternalLoopID != "" {
			if terr := e.extctx.Terminate(ctx, req.ExternalLoopID, string(decision.Reason)); terr != nil {
				e.logger.Error("failed to terminate external context", zap.Error(terr), zap.String("loop_id", req.ExternalLoopID))
			}
		}
		updated, err = e.store.MarkComplete(req.SessionID, decision.Reason)
		if err != nil {
			return domain.FeedbackPayload{}, err
		}
		if e.metrics != nil {
			e.metrics.CompletionReasons.WithLabelValues(string(decision.Reason)).Inc()
		}
	}

	payload := e.assembler.Build(auditResult, decision, updated, stag, auditScores(updated.Iterations), e.cfg.ProgressTrendWindow, hardStopLoop)
	payload.Warnings = warnings
	return payload, nil
}

// terminalResponse builds a response for a session that was already
// complete on entry (§4.8 step 2), without running a new audit.
func (e *Engine) terminalResponse(sess *domain.Session) domain.FeedbackPayload {
	hardStop := e.completionPolicy.HardStopLoop
	if sess.HardStopOverride > 0 {
		hardStop = sess.HardStopOverride
	}
	var stag domain.StagnationInfo
	if sess.StagnationInfo != nil {
		stag = *sess.StagnationInfo
	}
	decision := domain.CompletionDecision{IsComplete: true, Reason: sess.CompletionReason}
	return e.assembler.Build(lastAudit(sess.Iterations), decision, sess, stag, auditScores(sess.Iterations), e.cfg.ProgressTrendWindow, hardStop)
}

// manageExternalContext implements §4.8 step 5: start a handle the first
// time a session sees its external_loop_id, otherwise touch Maintain on
// the existing one. Returns the handle id to hand to the auditor driver.
func (e *Engine) manageExternalContext(ctx context.Context, sess *domain.Session, loopID string) (string, error) {
	if loopID == "" {
		return "", nil
	}

	if !sess.ExternalContextActive {
		handleID, err := e.extctx.Start(ctx, loopID)
		if err != nil {
			return "", err
		}
		if _, err := e.store.StartExternalContext(sess.ID, handleID); err != nil {
			return "", err
		}
		return handleID, nil
	}

	if err := e.extctx.Maintain(ctx, loopID, sess.ExternalContextID); err != nil {
		return "", err
	}
	return sess.ExternalContextID, nil
}

// invoke submits one auditor invocation through the queue (C3), timing
// both the queue wait and the subprocess execution separately (§11's
// engine-wide metrics).
func (e *Engine) invoke(ctx context.Context, req domain.AuditRequest) (domain.AuditResult, error) {
	submitted := time.Now()
	result, err := e.queue.Submit(ctx, func(innerCtx context.Context) (interface{}, error) {
		if e.metrics != nil {
			e.metrics.QueueWaitDuration.Observe(time.Since(submitted).Seconds())
		}
		execStart := time.Now()
		res, ierr := e.driver.Invoke(innerCtx, req)
		if e.metrics != nil {
			e.metrics.AuditorDuration.WithLabelValues(outcomeLabel(ierr)).Observe(time.Since(execStart).Seconds())
		}
		return res, ierr
	})

	ar, _ := result.(*domain.AuditResult)
	return safeDeref(ar), err
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case apperrors.OfKind(err, apperrors.KindAuditorTimeout):
		return "timeout"
	case apperrors.OfKind(err, apperrors.KindAuditorCrash):
		return "crash"
	case apperrors.OfKind(err, apperrors.KindAuditorUnavailable):
		return "unavailable"
	case apperrors.OfKind(err, apperrors.KindAuditorParseError):
		return "parse_error"
	default:
		return "error"
	}
}

func safeDeref(ar *domain.AuditResult) domain.AuditResult {
	if ar == nil {
		return domain.AuditResult{}
	}
	return *ar
}

func buildBudget(cfgBlock InlineConfig, cfg *config.Config) domain.Budget {
	budget := domain.Budget{MaxCycles: 1, ThresholdScore: cfg.Tier1.Score, Candidates: 1}
	if cfgBlock.MaxCycles != nil {
		budget.MaxCycles = *cfgBlock.MaxCycles
	}
	if cfgBlock.Threshold != nil {
		budget.ThresholdScore = *cfgBlock.Threshold
	}
	if cfgBlock.Candidates != nil {
		budget.Candidates = *cfgBlock.Candidates
	}
	return budget
}

func lastAudit(iterations []domain.IterationRecord) *domain.AuditResult {
	for i := len(iterations) - 1; i >= 0; i-- {
		if iterations[i].Audit != nil {
			return iterations[i].Audit
		}
	}
	return nil
}

func auditScores(iterations []domain.IterationRecord) []int {
	var out []int
	for _, it := range iterations {
		if it.Audit != nil {
			out = append(out, it.Audit.OverallScore)
		}
	}
	return out
}

// cacheLookup honors ENABLE_AUDIT_CACHING (§6 "Toggle C1"): a disabled
// cache always misses, so every submission is re-audited, while the
// per-key singleflight gate in e.cache.Once still coordinates concurrent
// in-flight invocations on the same fingerprint regardless of this flag.
func (e *Engine) cacheLookup(key string) (domain.AuditResult, bool) {
	if !e.cfg.EnableCaching {
		return domain.AuditResult{}, false
	}
	return e.cache.Lookup(key)
}

func (e *Engine) observeCacheLookup(outcome string) {
	if e.metrics != nil {
		e.metrics.CacheLookups.WithLabelValues(outcome).Inc()
	}
}

// stagnationCheck runs C5 against this session's in-memory recent
// normalized-submission history (§4.5). The history itself is not part
// of the durable Session record; see submissionHistoryLimit.
func (e *Engine) stagnationCheck(sess *domain.Session, normalized string) domain.StagnationInfo {
	e.historyMu.Lock()
	prior := append([]string(nil), e.history[sess.ID]...)
	e.historyMu.Unlock()
	return e.stagnation.Check(sess.CurrentLoop, prior, normalized)
}

func (e *Engine) recordSubmission(sessionID, normalized string) {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	hist := append(e.history[sessionID], normalized)
	if len(hist) > submissionHistoryLimit {
		hist = hist[len(hist)-submissionHistoryLimit:]
	}
	e.history[sessionID] = hist
}

// admitSession enforces §5's session cap: sessions already known to this
// process are always admitted; a brand new session id is refused once
// the configured cap is reached (§5 "refuses new sessions past the
// session cap with a typed error"). The cap is tracked in-memory for the
// process's lifetime, consistent with §1's "session state is local to
// the process."
func (e *Engine) admitSession(sessionID string) error {
	e.sessionsMu.Lock()
	defer e.sessionsMu.Unlock()
	if _, ok := e.sessionIDs[sessionID]; ok {
		return nil
	}
	if e.cfg.MaxConcurrentSessions > 0 && len(e.sessionIDs) >= e.cfg.MaxConcurrentSessions {
		return apperrors.New(apperrors.KindQueueFull, "maximum concurrent sessions reached").
			WithDetail("max_concurrent_sessions", e.cfg.MaxConcurrentSessions)
	}
	e.sessionIDs[sessionID] = struct{}{}
	return nil
}
