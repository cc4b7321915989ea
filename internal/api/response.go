package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/CarValue/internal/models"
)

var (
	fallbackErrorResponse []byte
	webhookAckResponse    []byte
)

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
	webhookAckResponse, err = json.Marshal(models.WebhookAck{OK: true})
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal webhook ack at startup: %v", err))
	}
}

// writeJSONResponse marshals response before touching headers so an encoding
// failure can still become a clean 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}
	writeRaw(w, statusCode, jsonData)
}

// writeWebhookAck writes {"ok":true} with status 200.
func writeWebhookAck(w http.ResponseWriter) {
	writeRaw(w, http.StatusOK, webhookAckResponse)
}

func writeRaw(w http.ResponseWriter, statusCode int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server.writeRaw: failed to write response", "error", err)
	}
}
