// Package uia implements the per-endpoint UIA orchestrator (spec.md §4.7,
// C7): flow/stage progression, parameter memoization, and the HTTP
// middleware contract that fronts every UIA-capable endpoint.
package uia

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/famedly/uia-proxy/internal/apierror"
	"github.com/famedly/uia-proxy/internal/config"
	"github.com/famedly/uia-proxy/internal/session"
	"github.com/famedly/uia-proxy/internal/stages"
)

// ssoTokenType is the special-cased `m.login.token` auth type that
// always dispatches to the registered com.famedly.login.sso stage
// (spec.md §4.7 middleware protocol, bullet 2).
const ssoTokenType = "m.login.token"
const ssoStageType = "com.famedly.login.sso"

// StageHandler is the per-endpoint UIA orchestrator: the configured set
// of flows plus the stage instances they reference.
type StageHandler struct {
	Flows        []config.Flow
	Stages       map[string]stages.Stage
	StageAliases map[string]string
}

func (h *StageHandler) resolve(stageType string) string {
	if target, ok := h.StageAliases[stageType]; ok {
		return target
	}
	return stageType
}

// getFlows returns the configured flows — stage names resolved through
// StageAliases to their canonical registered type — with any stage
// inactive for this session's accumulated data filtered out.
func (h *StageHandler) getFlows(data session.Data) [][]string {
	out := make([][]string, 0, len(h.Flows))
	for _, flow := range h.Flows {
		filtered := make([]string, 0, len(flow.Stages))
		for _, stageType := range flow.Stages {
			resolved := h.resolve(stageType)
			stage, ok := h.Stages[resolved]
			if ok && !stage.IsActive(data) {
				continue
			}
			filtered = append(filtered, resolved)
		}
		out = append(out, filtered)
	}
	return out
}

// getParams returns {stageType -> params} for every stage that exposes
// one, memoizing each value into sess.Params on first computation.
func (h *StageHandler) getParams(sess *session.Session) map[string]any {
	if sess.Params == nil {
		sess.Params = make(map[string]any)
	}
	for stageType, stage := range h.Stages {
		if _, ok := sess.Params[stageType]; ok {
			continue
		}
		if params := stage.GetParams(sess.Data); params != nil {
			sess.Params[stageType] = params
		}
	}
	return sess.Params
}

// areStagesComplete is true iff sess.Completed equals some configured
// flow exactly, once stages that are inactive for this session are
// filtered out of that flow.
func (h *StageHandler) areStagesComplete(sess *session.Session) bool {
	for _, flow := range h.getFlows(sess.Data) {
		if stringSliceEqual(flow, sess.Completed) {
			return true
		}
	}
	return false
}

// getNextStages returns the set of stage types any flow permits as the
// immediate next step given sess.Completed.
func (h *StageHandler) getNextStages(sess *session.Session) map[string]bool {
	next := make(map[string]bool)
	for _, flow := range h.getFlows(sess.Data) {
		if len(flow) < len(sess.Completed) {
			continue
		}
		if !stringSliceEqual(flow[:len(sess.Completed)], sess.Completed) {
			continue
		}
		if len(flow) == len(sess.Completed) {
			continue
		}
		next[flow[len(sess.Completed)]] = true
	}
	return next
}

// challengeState runs stageType's auth against payload and, on success,
// merges the returned data into sess.Data and appends stageType to
// sess.Completed.
func (h *StageHandler) challengeState(ctx context.Context, stageType string, sess *session.Session, payload map[string]any) *apierror.Error {
	stage, ok := h.Stages[h.resolve(stageType)]
	if !ok {
		return apierror.BadJSON("unknown stage type")
	}

	params := sess.Params[stageType]
	result := stage.Auth(ctx, payload, params)
	if !result.Success {
		if result.Err != nil {
			return result.Err
		}
		return apierror.Unauthorized("stage auth failed")
	}

	mergeData(&sess.Data, result.Data)
	if !sess.HasCompleted(stageType) {
		sess.Completed = append(sess.Completed, stageType)
	}
	return nil
}

func mergeData(dst *session.Data, src session.Data) {
	if src.Username != "" {
		dst.Username = src.Username
	}
	if src.Password != "" {
		dst.Password = src.Password
	}
	if src.Displayname != "" {
		dst.Displayname = src.Displayname
	}
	if src.Admin != nil {
		dst.Admin = src.Admin
	}
	if src.PasswordProvider != "" {
		dst.PasswordProvider = src.PasswordProvider
	}
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// progress is the `{session, flows, params, completed, errcode?, error?}`
// body shape sent back on every non-terminal UIA response (spec.md §6
// "Wire — client side").
type progress struct {
	Session   string          `json:"session"`
	Flows     []flowResponse  `json:"flows"`
	Params    map[string]any  `json:"params"`
	Completed []string        `json:"completed"`
	Errcode   string          `json:"errcode,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type flowResponse struct {
	Stages []string `json:"stages"`
}

func (h *StageHandler) progressBody(sess *session.Session, apiErr *apierror.Error) progress {
	flows := h.getFlows(sess.Data)
	flowResponses := make([]flowResponse, 0, len(flows))
	for _, f := range flows {
		flowResponses = append(flowResponses, flowResponse{Stages: f})
	}
	p := progress{
		Session:   sess.ID,
		Flows:     flowResponses,
		Params:    h.getParams(sess),
		Completed: sess.Completed,
	}
	if apiErr != nil {
		p.Errcode = apiErr.Errcode
		p.Error = apiErr.Err
	}
	return p
}

// Middleware implements the §4.7 per-request protocol: it looks up or
// creates the session, dispatches to the requested stage, and either
// calls next (all flow stages completed) or responds with UIA progress.
func (h *StageHandler) Middleware(store *session.Store, endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var raw []byte
		if r.Body != nil {
			raw, _ = io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(raw))
		}

		var body struct {
			Auth map[string]any `json:"auth"`
		}
		var full map[string]any
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &body)
			_ = json.Unmarshal(raw, &full)
		}

		sessionID, _ := body.Auth["session"].(string)
		var sess *session.Session
		if sessionID == "" {
			sess, _ = store.NewSession(endpoint)
		} else {
			sess = store.Get(sessionID)
			if sess == nil {
				writeError(w, apierror.Unrecognized("unknown or expired session"))
				return
			}
			if sess.Endpoint != endpoint {
				writeError(w, apierror.Unrecognized("session was not created for this endpoint"))
				return
			}
		}

		authType, _ := body.Auth["type"].(string)
		if authType == "" {
			writeJSON(w, http.StatusUnauthorized, h.progressBody(sess, nil))
			return
		}

		dispatchType := h.resolve(authType)
		if authType == ssoTokenType {
			dispatchType = ssoStageType
		}

		nextStages := h.getNextStages(sess)
		if _, configured := h.Stages[dispatchType]; !configured || !nextStages[dispatchType] {
			writeError(w, apierror.BadJSON("auth type is not configured or not a valid next stage"))
			return
		}

		if err := h.challengeState(r.Context(), dispatchType, sess, body.Auth); err != nil {
			_ = store.Save(sess)
			writeJSON(w, http.StatusUnauthorized, h.progressBody(sess, err))
			return
		}
		_ = store.Save(sess)

		if h.areStagesComplete(sess) {
			ctx := withSessionData(r.Context(), sess.Data)
			ctx = withRequestBody(ctx, full)
			r.Body = io.NopCloser(bytes.NewReader(raw))
			next(w, r.WithContext(ctx))
			return
		}
		writeJSON(w, http.StatusUnauthorized, h.progressBody(sess, nil))
	}
}

type ctxKey int

const (
	sessionDataKey ctxKey = iota
	requestBodyKey
)

func withSessionData(ctx context.Context, data session.Data) context.Context {
	return context.WithValue(ctx, sessionDataKey, data)
}

// DataFromContext retrieves the completed session's accumulated data, as
// stashed by Middleware right before calling the wrapped handler.
func DataFromContext(ctx context.Context) (session.Data, bool) {
	data, ok := ctx.Value(sessionDataKey).(session.Data)
	return data, ok
}

func withRequestBody(ctx context.Context, body map[string]any) context.Context {
	return context.WithValue(ctx, requestBodyKey, body)
}

// RequestBodyFromContext retrieves the full decoded JSON request body
// Middleware already parsed, sparing terminal handlers a second decode
// of an already-consumed io.Reader.
func RequestBodyFromContext(ctx context.Context) map[string]any {
	body, _ := ctx.Value(requestBodyKey).(map[string]any)
	return body
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err *apierror.Error) {
	writeJSON(w, err.Status, err)
}
