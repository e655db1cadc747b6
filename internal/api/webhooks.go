package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// emptyTwiML acknowledges a Twilio webhook without replying inline.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// WithTwilioSignature makes POST /twilio/webhook reject requests whose
// X-Twilio-Signature does not match authToken. webhookURL is the public URL
// Twilio posts to, as configured in the Twilio console.
func WithTwilioSignature(authToken, webhookURL string) Option {
	return func(s *Server) {
		if authToken == "" || webhookURL == "" {
			return
		}
		v := twilioclient.NewRequestValidator(authToken)
		s.twilioValidator = &v
		s.twilioURL = webhookURL
	}
}

// verifyWebhookHandler answers the Cloud API subscription handshake.
func (s *Server) verifyWebhookHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if s.verifyToken == "" || q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != s.verifyToken {
		slog.Warn("Server.verifyWebhookHandler: verification rejected", "mode", q.Get("hub.mode"))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	slog.Info("Server.verifyWebhookHandler: webhook verified")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, q.Get("hub.challenge")); err != nil {
		slog.Error("Server.verifyWebhookHandler: failed to write challenge", "error", err)
	}
}

// cloudWebhookHandler acknowledges a Cloud API delivery immediately and
// walks its messages in the background.
func (s *Server) cloudWebhookHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		slog.Warn("Server.cloudWebhookHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}
	events, err := messaging.ParseCloudWebhook(body)
	if errors.Is(err, messaging.ErrInvalidPayload) {
		slog.Warn("Server.cloudWebhookHandler: invalid payload", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err != nil {
		slog.Error("Server.cloudWebhookHandler: failed to parse payload", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to parse payload"))
		return
	}
	for _, ev := range events {
		s.dispatcher.DispatchAsync(r.Context(), ev)
	}
	slog.Debug("Server.cloudWebhookHandler: accepted", "messages", len(events))
	writeJSONResponse(w, http.StatusOK, models.Accepted("Received"))
}

// twilioWebhookHandler accepts Twilio's form-encoded inbound message
// callback.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: failed to parse form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form body"))
		return
	}
	if s.twilioValidator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.twilioValidator.Validate(s.twilioURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("Server.twilioWebhookHandler: signature mismatch")
			writeJSONResponse(w, http.StatusForbidden, models.Error("Invalid signature"))
			return
		}
	}
	ev, err := messaging.ParseTwilioForm(r.PostForm)
	if err != nil {
		slog.Warn("Server.twilioWebhookHandler: invalid message", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	s.dispatcher.DispatchAsync(r.Context(), ev)

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, emptyTwiML); err != nil {
		slog.Error("Server.twilioWebhookHandler: failed to write response", "error", err)
	}
}
