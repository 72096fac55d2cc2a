// internal/handler/receipt_handler.go
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-dispatch/internal/controller"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

var errMissingFields = errors.New("missing required fields")

// ReceiptHandler holds the vendor-facing endpoints.
type ReceiptHandler struct {
	Receipts *service.ReceiptService
	Sends    *service.AsyncSendService
	Logger   *zap.Logger
}

func NewReceiptHandler(receipts *service.ReceiptService, sends *service.AsyncSendService, logger *zap.Logger) *ReceiptHandler {
	return &ReceiptHandler{Receipts: receipts, Sends: sends, Logger: logger}
}

func badRequest(w http.ResponseWriter, err error) {
	controller.WriteJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
}

// DeliveryReceiptHandler reconciles a receipt posted by the vendor.
func (h *ReceiptHandler) DeliveryReceiptHandler(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		LogID        string `json:"log_id"`
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		badRequest(w, errors.New("invalid request body: "+err.Error()))
		return
	}
	if strings.TrimSpace(payload.LogID) == "" || strings.TrimSpace(payload.Status) == "" {
		badRequest(w, errMissingFields)
		return
	}

	result, err := h.Receipts.Reconcile(r.Context(), payload.LogID, payload.Status, payload.ErrorMessage)
	if err != nil {
		controller.WriteError(w, h.Logger, err)
		return
	}
	controller.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"outcome": result.Outcome,
		"log":     result.Log,
	})
}

// VendorSendHandler accepts a single message for asynchronous delivery.
func (h *ReceiptHandler) VendorSendHandler(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		CampaignID string `json:"campaign_id"`
		CustomerID string `json:"customer_id"`
		Message    string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		badRequest(w, errors.New("invalid request body: "+err.Error()))
		return
	}
	if payload.CampaignID == "" || payload.CustomerID == "" || payload.Message == "" {
		badRequest(w, errMissingFields)
		return
	}

	queued, err := h.Sends.QueueSend(r.Context(), payload.CampaignID, payload.CustomerID, payload.Message)
	if err != nil {
		controller.WriteError(w, h.Logger, err)
		return
	}
	controller.WriteJSON(w, http.StatusAccepted, map[string]any{
		"success":    true,
		"message":    "Message queued for delivery",
		"log_id":     queued.LogID,
		"message_id": queued.MessageID,
	})
}
