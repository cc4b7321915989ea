package api

import (
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/BTreeMap/CarValue/internal/models"
)

// webhookPayload is the generic JSON delivery format. ConversationID is an opaque
// key: it is trimmed but otherwise used verbatim.
type webhookPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

// webhookHandler accepts one inbound chat message. Every POST is acknowledged with
// 200 {"ok":true}; malformed or rejected deliveries are only logged, so the
// transport never retries because of conversation-level problems.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defer writeWebhookAck(w)
	r.Body = http.MaxBytesReader(w, r.Body, MaxWebhookBodyBytes)

	resp, ok := parseWebhook(r)
	if !ok {
		return
	}
	if err := s.inbox.Submit(resp); err != nil {
		slog.Warn("Server.webhookHandler: delivery rejected", "error", err, "from", resp.From)
		return
	}
	slog.Debug("Server.webhookHandler: delivery queued", "message_id", resp.ID, "from", resp.From)
}

// parseWebhook reads a Twilio form post (MessageSid, From, Body) or a JSON payload.
func parseWebhook(r *http.Request) (models.Response, bool) {
	now := time.Now().Unix()
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			slog.Warn("Server.webhookHandler: failed to parse form", "error", err)
			return models.Response{}, false
		}
		return models.Response{
			ID:   r.PostFormValue("MessageSid"),
			From: r.PostFormValue("From"),
			Body: r.PostFormValue("Body"),
			Time: now,
		}, true
	}

	var p webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		slog.Warn("Server.webhookHandler: failed to decode JSON", "error", err)
		return models.Response{}, false
	}
	return models.Response{ID: p.MessageID, From: p.ConversationID, Body: p.Text, Time: now, Opaque: true}, true
}

// healthStatus is the body of GET /health.
type healthStatus struct {
	ActiveSessions int    `json:"active_sessions"`
	Uptime         string `json:"uptime"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := healthStatus{Uptime: time.Since(s.started).Round(time.Second).String()}
	if s.sessions != nil {
		status.ActiveSessions = s.sessions.ActiveSessions()
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}

func (s *Server) valuationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	valuations, err := s.st.GetValuations()
	if err != nil {
		slog.Error("Server.valuationsHandler: failed to load valuations", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load valuations"))
		return
	}
	if valuations == nil {
		valuations = []models.Valuation{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(valuations))
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.st.GetValuationStats()
	if err != nil {
		slog.Error("Server.statsHandler: failed to compute stats", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to compute stats"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}
