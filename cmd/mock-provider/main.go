package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"
)

// Local SMS gateway stand-in for development: accepts sends, fabricates
// provider message ids and posts delivery receipts back after a delay.
type config struct {
	Port   string `envconfig:"PORT" default:"9090"`
	APIKey string `envconfig:"MOCK_API_KEY" default:"mock_key"`

	// OutcomeMode "fixed" always delivers; "random" fails at 1-SuccessRate.
	OutcomeMode string  `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	SuccessRate float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`

	DelayMs        int    `envconfig:"MOCK_DELAY_MS" default:"0"`
	WebhookURL     string `envconfig:"MOCK_WEBHOOK_URL" default:""`
	WebhookDelayMs int    `envconfig:"MOCK_WEBHOOK_DELAY_MS" default:"500"`
	SendSentFirst  bool   `envconfig:"MOCK_WEBHOOK_INCLUDE_SENT" default:"true"`
}

type sendRequest struct {
	To          string            `json:"to"`
	Text        string            `json:"text"`
	Meta        map[string]string `json:"meta"`
	CallbackURL string            `json:"callback_url"`
}

type sendResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type receipt struct {
	MessageID    string `json:"message_id"`
	Status       string `json:"status"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type server struct {
	cfg    config
	seq    uint64
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	s := &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
	}

	router := mux.NewRouter()
	router.HandleFunc("/send", s.handleSend).Methods(http.MethodPost)

	slog.Info("mock provider listening", "port", cfg.Port, "outcome_mode", cfg.OutcomeMode)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if auth != "Bearer "+s.cfg.APIKey {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(sendResponse{Status: "failed", ErrorCode: "unauthorized"})
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(sendResponse{Status: "failed", ErrorCode: "invalid_json"})
		return
	}
	if strings.TrimSpace(req.To) == "" || strings.TrimSpace(req.Text) == "" {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(sendResponse{Status: "failed", ErrorCode: "missing_fields"})
		return
	}

	if s.cfg.DelayMs > 0 {
		time.Sleep(time.Duration(s.cfg.DelayMs) * time.Millisecond)
	}

	id := fmt.Sprintf("mock_%d_%d", time.Now().UnixNano(), atomic.AddUint64(&s.seq, 1))

	callback := req.CallbackURL
	if callback == "" {
		callback = s.cfg.WebhookURL
	}
	if callback != "" {
		go s.emitReceipts(callback, id)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sendResponse{ID: id, Status: "queued"})
}

// emitReceipts plays back the delivery lifecycle against the callback URL.
func (s *server) emitReceipts(callback, id string) {
	delay := time.Duration(s.cfg.WebhookDelayMs) * time.Millisecond

	if s.cfg.SendSentFirst {
		time.Sleep(delay)
		s.post(callback, receipt{MessageID: id, Status: "sent"})
	}

	time.Sleep(delay)
	if s.delivered() {
		s.post(callback, receipt{MessageID: id, Status: "delivered"})
		return
	}
	s.post(callback, receipt{MessageID: id, Status: "undelivered", ErrorCode: "30003", ErrorMessage: "unreachable handset"})
}

func (s *server) delivered() bool {
	if s.cfg.OutcomeMode != "random" {
		return true
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64() < s.cfg.SuccessRate
}

func (s *server) post(url string, rec receipt) {
	body, _ := json.Marshal(rec)
	resp, err := s.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		slog.Error("mock provider webhook post failed", "url", url, "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("mock provider webhook rejected", "url", url, "status", resp.StatusCode, "message_id", rec.MessageID)
	}
}
