// Package mcp implements the stdio JSON-RPC 2.0 transport framing and
// the single `audit_thought` tool registration described in §6. Framing
// and tool registration are named out of scope by §1 as an external
// collaborator; this package is the concrete stand-in a runnable
// repository still needs, decode-and-dispatch only, with no protocol
// extensions beyond what §6 specifies.
//
// Grounded on go-cli/pkg/tools/handler.go's single-purpose tool-call
// handler shape (registry lookup, argument decode, structured result
// write), adapted from an HTTP POST handler to a stdin/stdout read loop
// since this service's only client-facing transport is stdio.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/ganaudit/auditor-mcp/internal/apperrors"
	"github.com/ganaudit/auditor-mcp/internal/domain"
	"github.com/ganaudit/auditor-mcp/internal/engine"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const toolName = "audit_thought"

// rpcRequest is one JSON-RPC 2.0 request line (§6).
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// auditThoughtArgs is §6's tools/call argument shape.
type auditThoughtArgs struct {
	Thought           string `json:"thought"`
	ThoughtNumber     int    `json:"thoughtNumber"`
	TotalThoughts     int    `json:"totalThoughts"`
	NextThoughtNeeded bool   `json:"nextThoughtNeeded"`
	BranchID          string `json:"branchId,omitempty"`
	LoopID            string `json:"loopId,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  *toolCallResult `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data,omitempty"`
}

type toolCallResult struct {
	Content []contentBlock `json:"content"`
	IsError bool            `json:"isError,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Server reads tools/call requests for audit_thought from an input
// stream, drives the engine, and writes the §6 response shape to an
// output stream. One Server instance serves one process's stdio.
type Server struct {
	engine *engine.Engine
	logger *zap.Logger
	in     io.Reader
	out    io.Writer

	writeMu sync.Mutex
}

// New constructs a Server bound to the given engine and stdio streams.
func New(e *engine.Engine, logger *zap.Logger, in io.Reader, out io.Writer) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{engine: e, logger: logger, in: in, out: out}
}

// Serve reads newline-delimited JSON-RPC requests until ctx is
// cancelled or the input stream is exhausted. Each request is handled
// synchronously; concurrent requests are not expected over a single
// stdio pipe, but the underlying engine is itself safe for concurrent
// use should a future transport multiplex it.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		s.handleLine(ctx, append([]byte(nil), line...))
	}
	return scanner.Err()
}

func (s *Server) handleLine(ctx context.Context, line []byte) {
	var req rpcRequest
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeProtocolError(nil, -32700, "parse error")
		return
	}

	if req.Method != "tools/call" {
		s.writeProtocolError(req.ID, -32601, "method not found: "+req.Method)
		return
	}

	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.writeProtocolError(req.ID, -32602, "invalid params")
		return
	}
	if params.Name != toolName {
		s.writeProtocolError(req.ID, -32601, "unknown tool: "+params.Name)
		return
	}

	var args auditThoughtArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		s.writeProtocolError(req.ID, -32602, "invalid arguments")
		return
	}
	if err := validateArgs(args); err != nil {
		s.writeToolError(req.ID, apperrors.KindInputInvalid, err.Error())
		return
	}

	sessionID := args.BranchID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	payload, err := s.engine.AuditAndWait(ctx, engine.Request{
		SessionID:      sessionID,
		ExternalLoopID: args.LoopID,
		ThoughtNumber:  args.ThoughtNumber,
		Thought:        args.Thought,
	})
	if err != nil {
		s.logger.Warn("audit_thought failed", zap.Error(err), zap.String("session_id", sessionID))
		s.writeToolError(req.ID, classifyKind(err), err.Error())
		return
	}

	body := buildResponseBody(args, sessionID, payload)
	s.writeResult(req.ID, body)
}

func validateArgs(args auditThoughtArgs) error {
	if args.ThoughtNumber < 1 {
		return errors.New("thoughtNumber must be >= 1")
	}
	if args.TotalThoughts < 1 {
		return errors.New("totalThoughts must be >= 1")
	}
	return nil
}

func classifyKind(err error) apperrors.Kind {
	var ee *apperrors.EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return apperrors.Kind("InternalError")
}

func (s *Server) writeResult(id json.RawMessage, body responseBody) {
	text, err := json.Marshal(body)
	if err != nil {
		s.writeProtocolError(id, -32603, "internal error marshaling response")
		return
	}
	s.write(rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result: &toolCallResult{
			Content: []contentBlock{{Type: "text", Text: string(text)}},
		},
	})
}

func (s *Server) writeToolError(id json.RawMessage, kind apperrors.Kind, message string) {
	s.write(rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &rpcError{
			Code:    -32000,
			Message: message,
			Data:    map[string]string{"code": string(kind)},
		},
	})
}

func (s *Server) writeProtocolError(id json.RawMessage, code int, message string) {
	s.write(rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}

func (s *Server) write(resp rpcResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("cannot marshal rpc response", zap.Error(err))
		return
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		s.logger.Error("cannot write rpc response", zap.Error(err))
	}
}

// responseBody is §6's response shape, excluding the JSON-RPC envelope.
type responseBody struct {
	ThoughtNumber     int       `json:"thoughtNumber"`
	TotalThoughts     int       `json:"totalThoughts"`
	NextThoughtNeeded bool      `json:"nextThoughtNeeded"`
	SessionID         string    `json:"sessionId"`
	GAN               *ganBlock `json:"gan,omitempty"`
	Warnings          []string  `json:"warnings,omitempty"`
}

type ganBlock struct {
	Overall          int                 `json:"overall"`
	Verdict          domain.Verdict      `json:"verdict"`
	Dimensions       []ganDimension      `json:"dimensions"`
	Review           ganReview           `json:"review"`
	JudgeCards       []ganJudgeCard      `json:"judge_cards"`
	CompletionStatus ganCompletionStatus `json:"completionStatus"`
	LoopInfo         *ganLoopInfo        `json:"loopInfo,omitempty"`
	TerminationInfo  *ganTermination     `json:"terminationInfo,omitempty"`
}

type ganDimension struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

type ganReview struct {
	Summary   string      `json:"summary"`
	Inline    []ganInline `json:"inline"`
	Citations []string    `json:"citations"`
}

type ganInline struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Comment string `json:"comment"`
}

type ganJudgeCard struct {
	Model string `json:"model"`
	Score int    `json:"score"`
	Notes string `json:"notes,omitempty"`
}

type ganCompletionStatus struct {
	IsComplete  bool    `json:"isComplete"`
	Reason      *string `json:"reason"`
	CurrentLoop int     `json:"currentLoop"`
	Score       int     `json:"score"`
	Threshold   int     `json:"threshold"`
}

type ganLoopInfo struct {
	CurrentLoop        int                  `json:"currentLoop"`
	MaxLoops           int                  `json:"maxLoops"`
	ProgressTrend      domain.ProgressTrend `json:"progressTrend"`
	StagnationDetected bool                 `json:"stagnationDetected"`
}

type ganTermination struct {
	Reason          string   `json:"reason"`
	CriticalIssues  []string `json:"criticalIssues"`
	FinalAssessment string   `json:"finalAssessment"`
}

func buildResponseBody(args auditThoughtArgs, sessionID string, payload domain.FeedbackPayload) responseBody {
	body := responseBody{
		ThoughtNumber:     args.ThoughtNumber,
		TotalThoughts:     args.TotalThoughts,
		NextThoughtNeeded: !payload.Completion.IsComplete,
		SessionID:         sessionID,
		Warnings:          payload.Warnings,
	}

	if payload.Audit == nil {
		return body
	}

	var reason *string
	if payload.Completion.Reason != domain.ReasonNone {
		r := string(payload.Completion.Reason)
		reason = &r
	}

	dims := make([]ganDimension, 0, len(payload.Audit.Dimensions))
	for _, d := range payload.Audit.Dimensions {
		dims = append(dims, ganDimension{Name: d.Name, Score: d.Score})
	}

	inline := make([]ganInline, 0, len(payload.Audit.InlineComments))
	for _, c := range payload.Audit.InlineComments {
		inline = append(inline, ganInline{Path: c.Path, Line: c.Line, Comment: c.Comment})
	}

	judgeCards := make([]ganJudgeCard, 0, len(payload.Audit.JudgeCards))
	for _, j := range payload.Audit.JudgeCards {
		judgeCards = append(judgeCards, ganJudgeCard{Model: j.JudgeID, Score: j.Score, Notes: j.Notes})
	}

	gan := &ganBlock{
		Overall:    payload.Audit.OverallScore,
		Verdict:    payload.Audit.Verdict,
		Dimensions: dims,
		Review: ganReview{
			Summary: payload.Audit.Summary,
			Inline:  inline,
		},
		JudgeCards: judgeCards,
		CompletionStatus: ganCompletionStatus{
			IsComplete:  payload.Completion.IsComplete,
			Reason:      reason,
			CurrentLoop: payload.CurrentLoop,
			Score:       payload.Audit.OverallScore,
			Threshold:   payload.Completion.ThresholdScore,
		},
	}

	if payload.LoopInfo != nil {
		gan.LoopInfo = &ganLoopInfo{
			CurrentLoop:        payload.LoopInfo.CurrentLoop,
			MaxLoops:           payload.LoopInfo.MaxLoops,
			ProgressTrend:      payload.LoopInfo.ProgressTrend,
			StagnationDetected: payload.LoopInfo.StagnationDetected,
		}
	}
	if payload.Termination != nil {
		gan.TerminationInfo = &ganTermination{
			Reason:          string(payload.Termination.Reason),
			CriticalIssues:  payload.Termination.CriticalIssues,
			FinalAssessment: payload.Termination.FinalAssessment,
		}
	}

	body.GAN = gan
	return body
}
