// Package auditor implements C2: driving exactly one auditor subprocess
// invocation end-to-end, including its wall-clock deadline, graceful-then-
// forcible termination, output capture, and three-tier result parsing.
//
// Grounded on the shell-out pattern in the example client's built-in shell
// tool: exec.CommandContext, OS-appropriate shell selection, buffered
// stdout/stderr capture, and exit-code extraction via *exec.ExitError.
package auditor

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ganaudit/auditor-mcp/internal/apperrors"
	"github.com/ganaudit/auditor-mcp/internal/domain"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const gracefulKillWindow = 2 * time.Second

// Driver executes auditor subprocess invocations against one configured
// executable path.
type Driver struct {
	executable string
	logger     *zap.Logger
	tracer     trace.Tracer
}

// New constructs a Driver bound to the given auditor executable path.
func New(executable string, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{executable: executable, logger: logger, tracer: otel.Tracer("auditor")}
}

// Invoke runs exactly one auditor invocation and returns the parsed
// AuditResult, or a synthetic fallback result plus a non-nil degraded
// error kind recorded for diagnostics (§4.2). The caller decides, per
// §4.8's error policy, whether to append the synthetic result as an
// iteration or surface the error.
func (d *Driver) Invoke(ctx context.Context, req domain.AuditRequest) (*domain.AuditResult, error) {
	ctx, span := d.tracer.Start(ctx, "auditor.invoke")
	defer span.End()

	deadline := req.Timeout
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	inputFile, cleanup, err := writeInputFile(req)
	if err != nil {
		return nil, apperrors.New(apperrors.KindAuditorCrash, "cannot stage auditor input").WithCause(err)
	}
	defer cleanup()

	args := []string{"--input-format", "json", "--output-format", "json", "--input-file", inputFile}
	if req.ExternalContextID != "" {
		args = append(args, "--context-id", req.ExternalContextID)
	}

	cmd := exec.CommandContext(runCtx, d.executable, args...)
	if req.WorkingDirectory != "" {
		cmd.Dir = req.WorkingDirectory
	}
	cmd.Env = prunedEnvironment()
	cmd.Stdin = nil // stdin closed per §4.2; the submission travels via --input-file instead
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := runWithGracefulTimeout(runCtx, cmd)

	span.SetAttributes(attribute.Int("auditor.stdout_bytes", stdout.Len()))

	if runCtx.Err() == context.DeadlineExceeded {
		if result, ok := TryParse(stdout.Bytes()); ok {
			d.logger.Warn("auditor timed out but produced a parseable partial result")
			return result, nil
		}
		d.logger.Warn("auditor timed out with no parseable output, degrading to synthetic fallback")
		return timeoutFallback(), apperrors.New(apperrors.KindAuditorTimeout, "audit invocation exceeded its deadline")
	}

	if runErr != nil {
		if isNotFound(runErr) {
			return nil, apperrors.New(apperrors.KindAuditorUnavailable, "auditor executable not found").WithCause(runErr)
		}
		if result, ok := TryParse(stdout.Bytes()); ok {
			d.logger.Warn("auditor exited non-zero but produced a parseable result", zap.Error(runErr))
			return result, nil
		}
		return nil, apperrors.New(apperrors.KindAuditorCrash, "auditor process exited with no parseable output").
			WithCause(runErr).
			WithDetail("stderr_tail", tail(stderr.String(), 2048))
	}

	result, ok := TryParse(stdout.Bytes())
	if !ok {
		fallback := &domain.AuditResult{
			OverallScore: 50,
			Verdict:      domain.VerdictRevise,
			Summary:      "Audit could not be completed: auditor output could not be parsed",
			RawAuditorID: uuid.NewString(),
		}
		return fallback, apperrors.New(apperrors.KindAuditorParseError, "auditor output did not match any known parse strategy").
			WithDetail("stdout_tail", tail(stdout.String(), 2048))
	}
	if result.RawAuditorID == "" {
		result.RawAuditorID = uuid.NewString()
	}
	return result, nil
}

// runWithGracefulTimeout starts cmd and waits for it, sending an
// interrupt signal (SIGTERM/os.Interrupt) when the context deadline is
// reached and escalating to Kill after a short grace window if the
// process has not exited (§4.2).
func runWithGracefulTimeout(ctx context.Context, cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = cmd.Process.Signal(os.Interrupt)
		select {
		case err := <-done:
			return err
		case <-time.After(gracefulKillWindow):
			_ = cmd.Process.Kill()
			<-done
			return ctx.Err()
		}
	}
}

// IsAvailable probes the auditor executable with a version flag under a
// short timeout (§4.2).
func (d *Driver) IsAvailable(ctx context.Context) bool {
	_, err := d.Version(ctx)
	return err == nil
}

// Version runs the auditor with --version under a short timeout.
func (d *Driver) Version(ctx context.Context) (string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, d.executable, "--version")
	cmd.Env = prunedEnvironment()
	out, err := cmd.Output()
	if err != nil {
		return "", apperrors.New(apperrors.KindAuditorUnavailable, "version probe failed").WithCause(err)
	}
	return strings.TrimSpace(string(out)), nil
}

// auditorInput is the on-disk shape of one invocation's input, written to
// a temp file and referenced by path rather than piped over stdin, since
// §4.2 closes stdin.
type auditorInput struct {
	SubmissionText string          `json:"submission_text"`
	ContextPack    string          `json:"context_pack,omitempty"`
	Rubric         []domain.Rubric `json:"rubric,omitempty"`
	Budget         domain.Budget   `json:"budget"`
	Judges         []string        `json:"judges,omitempty"`
}

// writeInputFile stages req as a temp JSON file and returns its path plus
// a cleanup func that removes it.
func writeInputFile(req domain.AuditRequest) (string, func(), error) {
	data, err := json.Marshal(auditorInput{
		SubmissionText: req.SubmissionText,
		ContextPack:    req.ContextPack,
		Rubric:         req.Rubric,
		Budget:         req.Budget,
		Judges:         req.Judges,
	})
	if err != nil {
		return "", func() {}, err
	}

	f, err := os.CreateTemp("", "auditor-input-*.json")
	if err != nil {
		return "", func() {}, err
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", func() {}, err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", func() {}, err
	}
	return path, func() { os.Remove(path) }, nil
}

func isNotFound(err error) bool {
	if execErr, ok := err.(*exec.Error); ok {
		return os.IsNotExist(execErr.Err)
	}
	return false
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// prunedEnvironment preserves PATH but strips anything that looks like a
// secret, per §4.2's "secrets stripped unless explicitly allowed".
func prunedEnvironment() []string {
	var out []string
	for _, kv := range os.Environ() {
		upper := strings.ToUpper(kv)
		if strings.Contains(upper, "SECRET") || strings.Contains(upper, "TOKEN") ||
			strings.Contains(upper, "PASSWORD") || strings.Contains(upper, "_KEY") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func timeoutFallback() *domain.AuditResult {
	return &domain.AuditResult{
		OverallScore: 50,
		Verdict:      domain.VerdictRevise,
		Summary:      "Audit could not be completed due to timeout",
		RawAuditorID: uuid.NewString(),
	}
}
