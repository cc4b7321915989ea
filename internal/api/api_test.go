package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CarValue/internal/messaging"
	"github.com/BTreeMap/CarValue/internal/models"
	"github.com/BTreeMap/CarValue/internal/store"
	"github.com/BTreeMap/CarValue/internal/twiliowhatsapp"
)

type recordingInbox struct {
	mu        sync.Mutex
	submitted []models.Response
	err       error
}

func (r *recordingInbox) Submit(resp models.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.submitted = append(r.submitted, resp)
	return nil
}

type fixedSessions int

func (f fixedSessions) ActiveSessions() int { return int(f) }

func assertAck(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var ack models.WebhookAck
	if err := json.Unmarshal(rr.Body.Bytes(), &ack); err != nil {
		t.Fatalf("ack is not JSON: %v (%s)", err, rr.Body.String())
	}
	if !ack.OK {
		t.Errorf("expected ok=true, got %s", rr.Body.String())
	}
}

func TestWebhook_JSONPayload(t *testing.T) {
	inbox := &recordingInbox{}
	srv := NewServer(inbox, store.NewInMemoryStore(), fixedSessions(0))

	body := `{"message_id":"m1","conversation_id":"15551234567","text":"Toyota"}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	assertAck(t, rr)
	if len(inbox.submitted) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(inbox.submitted))
	}
	got := inbox.submitted[0]
	if got.ID != "m1" || got.From != "15551234567" || got.Body != "Toyota" || !got.Opaque {
		t.Errorf("unexpected submission: %+v", got)
	}
}

func TestWebhook_TwilioForm(t *testing.T) {
	inbox := &recordingInbox{}
	srv := NewServer(inbox, store.NewInMemoryStore(), nil)

	form := url.Values{}
	form.Set("MessageSid", "SM123")
	form.Set("From", "whatsapp:+15551234567")
	form.Set("Body", "/start")
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	assertAck(t, rr)
	if len(inbox.submitted) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(inbox.submitted))
	}
	got := inbox.submitted[0]
	if got.ID != "SM123" || got.From != "whatsapp:+15551234567" || got.Body != "/start" || got.Opaque {
		t.Errorf("unexpected submission: %+v", got)
	}
}

func TestWebhook_AlwaysAcknowledges(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		inbox *recordingInbox
	}{
		{"malformed JSON", `{not json`, &recordingInbox{}},
		{"empty body", ``, &recordingInbox{}},
		{"rejected delivery", `{"conversation_id":"1","text":"x"}`, &recordingInbox{err: errors.New("invalid sender")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(tt.inbox, store.NewInMemoryStore(), nil)
			req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rr := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rr, req)
			assertAck(t, rr)
		})
	}
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	srv := NewServer(&recordingInbox{}, store.NewInMemoryStore(), nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}

func TestWebhook_ThroughResponseHandler(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := messaging.NewTwilioService(mock)
	echo := messaging.MessageHandlerFunc(func(ctx context.Context, conversationID, text string) error {
		return svc.SendMessage(ctx, conversationID, "echo: "+text)
	})
	rh := messaging.NewResponseHandler(svc, echo)
	srv := NewServer(rh, store.NewInMemoryStore(), nil)

	form := url.Values{}
	form.Set("MessageSid", "SM1")
	form.Set("From", "whatsapp:+15551234567")
	form.Set("Body", "hello")
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assertAck(t, rr)

	rh.Wait()
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].To != "15551234567" || sent[0].Body != "echo: hello" {
		t.Errorf("unexpected outbound messages: %+v", sent)
	}
}

func TestWebhook_JSONConversationIDsAreSeparateLanes(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]string{}
	record := messaging.MessageHandlerFunc(func(ctx context.Context, conversationID, text string) error {
		mu.Lock()
		defer mu.Unlock()
		seen[conversationID] = append(seen[conversationID], text)
		return nil
	})
	rh := messaging.NewResponseHandler(messaging.NewTwilioService(twiliowhatsapp.NewMockClient()), record)
	srv := NewServer(rh, store.NewInMemoryStore(), nil)

	for _, body := range []string{
		`{"message_id":"t1","conversation_id":"-100123456","text":"/start"}`,
		`{"message_id":"t2","conversation_id":"100123456","text":"/start"}`,
		`{"message_id":"t3","conversation_id":"chat-abc","text":"/start"}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		assertAck(t, rr)
	}
	rh.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("expected 3 conversations, got %v", seen)
	}
	for _, id := range []string{"-100123456", "100123456", "chat-abc"} {
		if len(seen[id]) != 1 {
			t.Errorf("conversation %q handled %v, want one message", id, seen[id])
		}
	}
}

func TestHealthHandler(t *testing.T) {
	srv := NewServer(&recordingInbox{}, store.NewInMemoryStore(), fixedSessions(3))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Status string       `json:"status"`
		Result healthStatus `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != string(models.APIStatusOK) || resp.Result.ActiveSessions != 3 {
		t.Errorf("unexpected health response: %s", rr.Body.String())
	}
}

func TestValuationsAndStatsHandlers(t *testing.T) {
	st := store.NewInMemoryStore()
	now := time.Now()
	_ = st.SaveValuation(&models.Valuation{ID: "a", ConversationID: "1", Price: 100, Status: models.ValuationStatusEstimated, CreatedAt: now})
	_ = st.SaveValuation(&models.Valuation{ID: "b", ConversationID: "1", Status: models.ValuationStatusFailed, CreatedAt: now.Add(time.Second)})
	srv := NewServer(&recordingInbox{}, st, nil)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/valuations", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var list struct {
		Result []models.Valuation `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode valuations: %v", err)
	}
	if len(list.Result) != 2 || list.Result[0].ID != "b" {
		t.Errorf("unexpected valuations: %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))
	var stats struct {
		Result models.ValuationStats `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Result.Estimated != 1 || stats.Result.Failed != 1 || stats.Result.AveragePrice != 100 {
		t.Errorf("unexpected stats: %s", rr.Body.String())
	}
}

func TestValuationsHandler_EmptyIsArray(t *testing.T) {
	srv := NewServer(&recordingInbox{}, store.NewInMemoryStore(), nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/valuations", nil))
	if !strings.Contains(rr.Body.String(), `"result":[]`) {
		t.Errorf("expected empty array result, got %s", rr.Body.String())
	}
}

func TestWithAddr(t *testing.T) {
	if got := NewServer(&recordingInbox{}, store.NewInMemoryStore(), nil, WithAddr(":9000")).Addr(); got != ":9000" {
		t.Errorf("Addr() = %q", got)
	}
	if got := NewServer(&recordingInbox{}, store.NewInMemoryStore(), nil, WithAddr("")).Addr(); got != DefaultAddr {
		t.Errorf("Addr() = %q, want default", got)
	}
}
