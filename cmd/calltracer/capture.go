package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/getsentry/sentry-go"
	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/calltracer/internal/calltrace"
	"github.com/getsentry/calltracer/internal/chrometrace"
	"github.com/getsentry/calltracer/internal/httputil"
	"github.com/getsentry/calltracer/internal/metrics"
	"github.com/getsentry/calltracer/internal/speedscope"
)

type (
	StartCaptureRequest struct {
		Threads int `json:"threads"`
	}

	StartCaptureResponse struct {
		CaptureID string   `json:"capture_id"`
		Threads   int      `json:"threads"`
		Warnings  []string `json:"warnings,omitempty"`
	}

	StopCaptureResponse struct {
		CaptureID string `json:"capture_id"`
		Events    int    `json:"events"`
	}

	GetEventsResponse struct {
		CaptureID string                 `json:"capture_id"`
		Events    []calltrace.TraceEvent `json:"events"`
	}

	GetFunctionsResponse struct {
		Functions []metrics.FunctionMetrics `json:"functions"`
	}
)

func (e *environment) postStartCapture(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body StartCaptureRequest
	if r.Body != nil {
		err := gojson.NewDecoder(r.Body).Decode(&body)
		if err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
	}
	fallback := calltrace.MaxThreads
	if body.Threads != 0 {
		fallback = body.Threads
	}
	threads, ok := httputil.GetOptionalIntParameter(w, r, "threads", fallback, 1, calltrace.MaxThreads)
	if !ok {
		return
	}
	if threads < 1 || threads > calltrace.MaxThreads {
		http.Error(w, "threads must be between 1 and 256", http.StatusBadRequest)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := calltrace.StartCapture(threads); err != nil {
		writeCaptureError(ctx, w, err)
		return
	}
	e.captureID = uuid.New().String()

	response := StartCaptureResponse{CaptureID: e.captureID, Threads: threads}
	for _, warning := range calltrace.CaptureWarnings() {
		response.Warnings = append(response.Warnings, warning.Error())
	}
	log.Info().Str("capture_id", e.captureID).Int("threads", threads).Msg("capture started")
	writeJSON(ctx, w, http.StatusOK, response)
}

func (e *environment) postStopCapture(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := calltrace.StopCapture(); err != nil {
		writeCaptureError(ctx, w, err)
		return
	}
	events, err := calltrace.GetEvents()
	if err != nil {
		writeCaptureError(ctx, w, err)
		return
	}

	s := sentry.StartSpan(ctx, "functions.aggregate")
	e.functions.AddFunctions(metrics.FunctionsFromEvents(events), e.captureID)
	s.Finish()

	log.Info().Str("capture_id", e.captureID).Int("events", len(events)).Msg("capture stopped")
	writeJSON(ctx, w, http.StatusOK, StopCaptureResponse{CaptureID: e.captureID, Events: len(events)})
}

func (e *environment) postClearCapture(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := calltrace.ClearCapture(); err != nil {
		writeCaptureError(r.Context(), w, err)
		return
	}
	e.captureID = ""
	w.WriteHeader(http.StatusNoContent)
}

func (e *environment) events(ctx context.Context, w http.ResponseWriter) (string, []calltrace.TraceEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := sentry.StartSpan(ctx, "capture.replay")
	defer s.Finish()

	events, err := calltrace.GetEvents()
	if err != nil {
		writeCaptureError(ctx, w, err)
		return "", nil, false
	}
	return e.captureID, events, true
}

func (e *environment) getEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, events, ok := e.events(ctx, w)
	if !ok {
		return
	}
	if events == nil {
		events = []calltrace.TraceEvent{}
	}
	writeJSON(ctx, w, http.StatusOK, GetEventsResponse{CaptureID: id, Events: events})
}

func (e *environment) getSpeedscope(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, events, ok := e.events(ctx, w)
	if !ok {
		return
	}
	exporter := "calltracer"
	if rel := releaseName(); rel != "" {
		exporter += "@" + rel
	}
	writeJSON(ctx, w, http.StatusOK, speedscope.FromEvents("capture "+id, exporter, events))
}

func (e *environment) getChromeTrace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, events, ok := e.events(ctx, w)
	if !ok {
		return
	}
	otherData := map[string]string{"capture_id": id}
	if rel := releaseName(); rel != "" {
		otherData["release"] = rel
	}
	writeJSON(ctx, w, http.StatusOK, chrometrace.FromEvents(events, os.Getpid(), otherData))
}

func (e *environment) getFunctions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, ok := httputil.GetOptionalIntParameter(w, r, "limit", int(e.config.MaxUniqueFunctions), 1, 10000)
	if !ok {
		return
	}

	e.mu.Lock()
	functions := e.functions.ToMetrics()
	e.mu.Unlock()

	if len(functions) > limit {
		functions = functions[:limit]
	}
	writeJSON(ctx, w, http.StatusOK, GetFunctionsResponse{Functions: functions})
}

// writeCaptureError maps session state violations to 409 and reports
// everything else.
func writeCaptureError(ctx context.Context, w http.ResponseWriter, err error) {
	if calltrace.IsPrecondition(err) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.CaptureException(err)
	}
	log.Err(err).Msg("capture failed")
	w.WriteHeader(http.StatusInternalServerError)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v interface{}) {
	s := sentry.StartSpan(ctx, "json.marshal")
	b, err := gojson.Marshal(v)
	s.Finish()
	if err != nil {
		if hub := sentry.GetHubFromContext(ctx); hub != nil {
			hub.CaptureException(err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
