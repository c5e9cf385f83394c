// Package api provides the HTTP bridge between a view and the chat session controller.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/docchat/internal/chatapi"
	"github.com/ashureev/docchat/internal/domain"
)

// Session is the controller surface the bridge drives.
type Session interface {
	Snapshot() domain.State
	Start(ctx context.Context, persona domain.Persona) error
	SetInput(text string)
	SetPhone(phone string)
	SetOTP(otp string)
	SendMessage(ctx context.Context) error
	SendOTP(ctx context.Context) error
	VerifyOTP(ctx context.Context) error
	BackToPhone()
	ClosePhonePrompt()
	SwitchPersona(ctx context.Context, persona domain.Persona) error
	ReloadHistory() error
	Reset()
	Logout(ctx context.Context) error
}

// Handler provides common handler utilities.
type Handler struct {
	session Session
	logger  *slog.Logger
}

// NewHandler creates a new Handler bound to one chat session.
func NewHandler(session Session, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{session: session, logger: logger}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StateResponse is a session snapshot with the derived view flags spelled out.
type StateResponse struct {
	domain.State
	RequiresPhone  bool `json:"requiresPhone"`
	OTPSent        bool `json:"otpSent"`
	QuotaRemaining int  `json:"quotaRemaining"`
}

// NewStateResponse expands a snapshot for the wire.
func NewStateResponse(s domain.State) StateResponse {
	return StateResponse{
		State:          s,
		RequiresPhone:  s.RequiresPhone(),
		OTPSent:        s.OTPSent(),
		QuotaRemaining: s.QuotaRemaining(),
	}
}

func (h *Handler) writeState(w http.ResponseWriter) {
	JSON(w, http.StatusOK, NewStateResponse(h.session.Snapshot()))
}

// writeError maps controller and client failures onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var apiErr *chatapi.Error
	if !errors.As(err, &apiErr) {
		h.logger.Error("Unexpected session error", "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	switch apiErr.Kind {
	case chatapi.KindValidation:
		Error(w, http.StatusBadRequest, apiErr.Message)
	case chatapi.KindAuthRequired:
		Error(w, http.StatusForbidden, apiErr.Message)
	default:
		Error(w, http.StatusBadGateway, apiErr.Message)
	}
}

// decode reads an optional JSON body. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return chatapi.NewValidationError("invalid request body")
	}
	return nil
}
