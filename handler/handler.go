package handler

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"course-concierge/internal/domain"
	"course-concierge/internal/integrations/twilio"
	"course-concierge/internal/usecase"
	"course-concierge/internal/webhook"
)

const (
	correlationHeader     = "X-Correlation-Id"
	twilioSignatureHeader = "X-Twilio-Signature"
	eventSignatureHeader  = "X-Signature-256"

	routeWhatsApp  = "/webhooks/whatsapp"
	routeAssistant = "/webhooks/assistant"
	routeHealth    = "/health"
	routeMetrics   = "/metrics"
	routeBindings  = "/admin/bindings"
	adminHeader    = "X-Admin-Token"

	emptyTwiML   = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`
	checkTimeout = 3 * time.Second
)

type TurnExecutor interface {
	Execute(ctx context.Context, in usecase.TurnInput) (domain.TurnResult, error)
}

type LifecycleIngress interface {
	Handle(ctx context.Context, body []byte, signature string) (webhook.Response, int)
	SecretConfigured() bool
}

// TokenSource provides the channel auth token used to sign inbound requests.
type TokenSource interface {
	AuthToken(ctx context.Context) (string, error)
}

type MetricsExporter interface {
	Exposition() (body string, contentType string, err error)
}

// BindingRemover drops a user's context binding so the next turn starts fresh.
type BindingRemover interface {
	DeleteBinding(ctx context.Context, userKey string) error
}

// JobRunner performs lifecycle work dispatched from another invocation.
type JobRunner interface {
	RunJob(ctx context.Context, job webhook.Job) error
}

// Check pings one dependency; nil means reachable.
type Check func(ctx context.Context) error

type Handler struct {
	turns   TurnExecutor
	ingress LifecycleIngress
	logger  *slog.Logger

	storeCheck      Check
	generationCheck Check
	metrics         MetricsExporter
	tokens          TokenSource
	publicBaseURL   string
	drain           func()
	bindings        BindingRemover
	adminToken      string
	jobs            JobRunner
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func WithHealthChecks(store, generation Check) Option {
	return func(h *Handler) {
		h.storeCheck = store
		h.generationCheck = generation
	}
}

func WithMetrics(m MetricsExporter) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithTwilioSignature enables X-Twilio-Signature checks. publicBaseURL is the
// externally visible scheme and host the channel posts to.
func WithTwilioSignature(tokens TokenSource, publicBaseURL string) Option {
	return func(h *Handler) {
		h.tokens = tokens
		h.publicBaseURL = strings.TrimRight(publicBaseURL, "/")
	}
}

// WithBindingAdmin enables DELETE /admin/bindings for callers presenting token.
// An empty token leaves the route disabled.
func WithBindingAdmin(bindings BindingRemover, token string) Option {
	return func(h *Handler) {
		h.bindings = bindings
		h.adminToken = token
	}
}

// WithDrain runs fn after every request, before the response is returned.
func WithDrain(fn func()) Option {
	return func(h *Handler) {
		h.drain = fn
	}
}

// WithJobRunner lets Invoke accept lifecycle jobs alongside API Gateway events.
func WithJobRunner(jobs JobRunner) Option {
	return func(h *Handler) {
		h.jobs = jobs
	}
}

func NewHandler(turns TurnExecutor, ingress LifecycleIngress, opts ...Option) (*Handler, error) {
	if turns == nil {
		return nil, errors.New("handler: turn executor must not be nil")
	}
	if ingress == nil {
		return nil, errors.New("handler: lifecycle ingress must not be nil")
	}
	h := &Handler{turns: turns, ingress: ingress, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type errorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

type inboundJSON struct {
	MessageSid  string `json:"MessageSid"`
	From        string `json:"From"`
	To          string `json:"To"`
	Body        string `json:"Body"`
	ProfileName string `json:"ProfileName"`
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := header(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.logger.With("correlation_id", correlationID, "path", req.Path, "method", req.HTTPMethod)
	if h.drain != nil {
		defer h.drain()
	}

	var resp events.APIGatewayProxyResponse
	switch req.Path {
	case routeWhatsApp:
		resp = h.onlyMethod(req, http.MethodPost, correlationID, func() events.APIGatewayProxyResponse {
			return h.handleInbound(ctx, log, req, correlationID)
		})
	case routeAssistant:
		resp = h.onlyMethod(req, http.MethodPost, correlationID, func() events.APIGatewayProxyResponse {
			return h.handleLifecycle(ctx, req, correlationID)
		})
	case routeHealth:
		resp = h.onlyMethod(req, http.MethodGet, correlationID, func() events.APIGatewayProxyResponse {
			return h.handleHealth(ctx, correlationID)
		})
	case routeMetrics:
		resp = h.onlyMethod(req, http.MethodGet, correlationID, func() events.APIGatewayProxyResponse {
			return h.handleMetrics(log, correlationID)
		})
	case routeBindings:
		resp = h.onlyMethod(req, http.MethodDelete, correlationID, func() events.APIGatewayProxyResponse {
			return h.handleUnbind(ctx, log, req, correlationID)
		})
	default:
		resp = errorJSON(http.StatusNotFound, "NOT_FOUND", "no route for "+req.Path, correlationID)
	}
	return resp, nil
}

// Invoke is the Lambda entry point. A raw payload is either a lifecycle job
// sent by this function to itself or an API Gateway proxy event.
func (h *Handler) Invoke(ctx context.Context, raw json.RawMessage) (any, error) {
	if job, ok := webhook.DecodeJob(raw); ok && h.jobs != nil {
		if h.drain != nil {
			defer h.drain()
		}
		log := h.logger.With("event", job.Event, "run_id", job.RunID, "context_id", job.ContextID)
		if err := h.jobs.RunJob(ctx, job); err != nil {
			// An error makes Lambda retry the async invocation.
			log.Error("lifecycle job failed", "err", err)
			return nil, err
		}
		log.Info("lifecycle job done")
		return nil, nil
	}
	var req events.APIGatewayProxyRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("handler: decode invocation payload: %w", err)
	}
	return h.Handle(ctx, req)
}

func (h *Handler) onlyMethod(req events.APIGatewayProxyRequest, method, correlationID string, fn func() events.APIGatewayProxyResponse) events.APIGatewayProxyResponse {
	if req.HTTPMethod != method {
		resp := errorJSON(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", method+" only", correlationID)
		resp.Headers["Allow"] = method
		return resp
	}
	return fn()
}

// handleInbound acknowledges with 200 regardless of the turn outcome; the
// reply itself goes out through the channel API.
func (h *Handler) handleInbound(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest, correlationID string) events.APIGatewayProxyResponse {
	body, err := requestBody(req)
	if err != nil {
		return errorJSON(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "undecodable body", correlationID)
	}

	var msg domain.InboundMessage
	if isJSON(header(req.Headers, "Content-Type")) {
		var in inboundJSON
		if err := json.Unmarshal([]byte(body), &in); err != nil {
			return errorJSON(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid JSON body", correlationID)
		}
		msg = domain.InboundMessage{MessageID: in.MessageSid, From: in.From, To: in.To, Body: in.Body, ProfileName: in.ProfileName}
	} else {
		form, err := url.ParseQuery(body)
		if err != nil {
			return errorJSON(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid form body", correlationID)
		}
		if !h.validTwilioSignature(ctx, log, req, form) {
			return errorJSON(http.StatusForbidden, "FORBIDDEN", "invalid signature", correlationID)
		}
		msg = domain.InboundMessage{
			MessageID:   form.Get("MessageSid"),
			From:        form.Get("From"),
			To:          form.Get("To"),
			Body:        form.Get("Body"),
			ProfileName: form.Get("ProfileName"),
		}
	}

	if strings.TrimSpace(msg.From) == "" || strings.TrimSpace(msg.Body) == "" {
		return errorJSON(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "From and Body are required", correlationID)
	}

	log.Info("inbound message", "message_id", msg.MessageID, "user_key", msg.From)
	res, err := h.turns.Execute(ctx, usecase.TurnInput{UserKey: msg.From, Text: msg.Body, MessageID: msg.MessageID})
	if err != nil {
		log.Error("turn failed", "message_id", msg.MessageID, "user_key", msg.From, "err", err)
	} else if !res.Duplicate {
		log.Info("turn finished", "message_id", msg.MessageID, "source", res.Source, "delivery_id", res.DeliveryID)
	}

	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "text/xml", correlationHeader: correlationID},
		Body:       emptyTwiML,
	}
}

// validTwilioSignature accepts every request when no token source is set or
// the token cannot be loaded.
func (h *Handler) validTwilioSignature(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest, form url.Values) bool {
	if h.tokens == nil || h.publicBaseURL == "" {
		return true
	}
	token, err := h.tokens.AuthToken(ctx)
	if err != nil {
		log.Warn("channel auth token unavailable; skipping signature check", "err", err)
		return true
	}
	fullURL := h.publicBaseURL + req.Path
	if ok := twilio.ValidSignature(token, fullURL, form, header(req.Headers, twilioSignatureHeader)); !ok {
		log.Warn("inbound message rejected: invalid channel signature")
		return false
	}
	return true
}

func (h *Handler) handleLifecycle(ctx context.Context, req events.APIGatewayProxyRequest, correlationID string) events.APIGatewayProxyResponse {
	body, err := requestBody(req)
	if err != nil {
		return errorJSON(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "undecodable body", correlationID)
	}
	ack, status := h.ingress.Handle(ctx, []byte(body), header(req.Headers, eventSignatureHeader))
	return jsonResponse(status, ack, correlationID)
}

func (h *Handler) handleHealth(ctx context.Context, correlationID string) events.APIGatewayProxyResponse {
	checks := map[string]string{
		"store":      runCheck(ctx, h.storeCheck),
		"generation": runCheck(ctx, h.generationCheck),
		"secret":     "ok",
	}
	if !h.ingress.SecretConfigured() {
		checks["secret"] = "missing"
	}

	down := 0
	for _, name := range []string{"store", "generation"} {
		if checks[name] != "ok" {
			down++
		}
	}
	out := healthResponse{Status: "healthy", Checks: checks}
	status := http.StatusOK
	switch {
	case down == 2:
		out.Status = "error"
		status = http.StatusServiceUnavailable
	case down == 1 || checks["secret"] != "ok":
		out.Status = "degraded"
	}
	return jsonResponse(status, out, correlationID)
}

func runCheck(ctx context.Context, check Check) string {
	if check == nil {
		return "unconfigured"
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if err := check(ctx); err != nil {
		return "unreachable"
	}
	return "ok"
}

func (h *Handler) handleMetrics(log *slog.Logger, correlationID string) events.APIGatewayProxyResponse {
	if h.metrics == nil {
		return errorJSON(http.StatusNotFound, "NOT_FOUND", "metrics disabled", correlationID)
	}
	body, contentType, err := h.metrics.Exposition()
	if err != nil {
		log.Error("metrics exposition failed", "err", err)
		return errorJSON(http.StatusInternalServerError, string(usecase.ErrorInternal), "metrics unavailable", correlationID)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": contentType, correlationHeader: correlationID},
		Body:       body,
	}
}

func (h *Handler) handleUnbind(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest, correlationID string) events.APIGatewayProxyResponse {
	if h.bindings == nil || h.adminToken == "" {
		return errorJSON(http.StatusNotFound, "NOT_FOUND", "binding admin disabled", correlationID)
	}
	got := header(req.Headers, adminHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.adminToken)) != 1 {
		return errorJSON(http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin token", correlationID)
	}
	userKey := strings.TrimSpace(req.QueryStringParameters["user_key"])
	if userKey == "" {
		return errorJSON(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "user_key is required", correlationID)
	}
	if err := h.bindings.DeleteBinding(ctx, userKey); err != nil {
		log.Error("binding removal failed", "user_key", userKey, "err", err)
		return errorJSON(http.StatusBadGateway, string(usecase.ErrorUpstream), "binding removal failed", correlationID)
	}
	log.Info("binding removed", "user_key", userKey)
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusNoContent,
		Headers:    map[string]string{correlationHeader: correlationID},
	}
}

func requestBody(req events.APIGatewayProxyRequest) (string, error) {
	if !req.IsBase64Encoded {
		return req.Body, nil
	}
	raw, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func isJSON(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "application/json")
}

// header looks name up case-insensitively; API Gateway preserves client casing.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func errorJSON(status int, code, message, correlationID string) events.APIGatewayProxyResponse {
	return jsonResponse(status, errorResponse{Error: code, Message: message, CorrelationID: correlationID}, correlationID)
}

func jsonResponse(status int, v any, correlationID string) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(body),
	}
}
