package api

import (
	"net/http"

	"github.com/ashureev/docchat/internal/chatapi"
	"github.com/ashureev/docchat/internal/domain"
	"github.com/go-chi/chi/v5"
)

type personaRequest struct {
	Persona string `json:"persona"`
}

type textRequest struct {
	Text *string `json:"text"`
}

type phoneRequest struct {
	Phone *string `json:"phone"`
}

type otpRequest struct {
	OTP *string `json:"otp"`
}

// RegisterRoutes registers the view intent routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/state", h.GetState)
		r.Post("/start", h.Start)
		r.Put("/input", h.SetInput)
		r.Post("/messages", h.SendMessage)
		r.Put("/phone", h.SetPhone)
		r.Post("/phone/close", h.ClosePhonePrompt)
		r.Put("/otp", h.SetOTP)
		r.Post("/otp/send", h.SendOTP)
		r.Post("/otp/verify", h.VerifyOTP)
		r.Post("/otp/back", h.BackToPhone)
		r.Post("/persona", h.SwitchPersona)
		r.Post("/history/reload", h.ReloadHistory)
		r.Post("/reset", h.Reset)
		r.Post("/logout", h.Logout)
	})
}

// GetState returns the current session snapshot.
func (h *Handler) GetState(w http.ResponseWriter, _ *http.Request) {
	h.writeState(w)
}

// Start leaves the landing view, optionally choosing a persona first.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req personaRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	var persona domain.Persona
	if req.Persona != "" {
		p, err := parsePersona(req.Persona)
		if err != nil {
			h.writeError(w, err)
			return
		}
		persona = p
	}
	if err := h.session.Start(r.Context(), persona); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeState(w)
}

// SetInput replaces the pending message text.
func (h *Handler) SetInput(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.Text != nil {
		h.session.SetInput(*req.Text)
	}
	h.writeState(w)
}

// SendMessage sends the pending input, or the text in the body when given.
// The request completes once the reply has fully arrived; partial text is
// pushed over the state stream meanwhile.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.Text != nil {
		h.session.SetInput(*req.Text)
	}
	if err := h.session.SendMessage(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeState(w)
}

// SetPhone replaces the phone number field.
func (h *Handler) SetPhone(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.Phone != nil {
		h.session.SetPhone(*req.Phone)
	}
	h.writeState(w)
}

// SetOTP replaces the one-time code field.
func (h *Handler) SetOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.OTP != nil {
		h.session.SetOTP(*req.OTP)
	}
	h.writeState(w)
}

// SendOTP requests a code for the phone field, or the phone in the body when given.
func (h *Handler) SendOTP(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.Phone != nil {
		h.session.SetPhone(*req.Phone)
	}
	if err := h.session.SendOTP(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeState(w)
}

// VerifyOTP verifies the code field, or the code in the body when given.
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.OTP != nil {
		h.session.SetOTP(*req.OTP)
	}
	if err := h.session.VerifyOTP(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeState(w)
}

// BackToPhone returns from the code prompt to the phone prompt.
func (h *Handler) BackToPhone(w http.ResponseWriter, _ *http.Request) {
	h.session.BackToPhone()
	h.writeState(w)
}

// ClosePhonePrompt dismisses the verification prompt.
func (h *Handler) ClosePhonePrompt(w http.ResponseWriter, _ *http.Request) {
	h.session.ClosePhonePrompt()
	h.writeState(w)
}

// SwitchPersona changes the doctor.
func (h *Handler) SwitchPersona(w http.ResponseWriter, r *http.Request) {
	var req personaRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	persona, err := parsePersona(req.Persona)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.session.SwitchPersona(r.Context(), persona); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeState(w)
}

// ReloadHistory re-fetches the current persona's history.
func (h *Handler) ReloadHistory(w http.ResponseWriter, _ *http.Request) {
	if err := h.session.ReloadHistory(); err != nil {
		h.writeError(w, err)
		return
	}
	JSON(w, http.StatusAccepted, NewStateResponse(h.session.Snapshot()))
}

// Reset returns to the landing view. The token is kept.
func (h *Handler) Reset(w http.ResponseWriter, _ *http.Request) {
	h.session.Reset()
	h.writeState(w)
}

// Logout forgets the token and returns to the landing view.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Logout(r.Context()); err != nil {
		h.logger.Error("Failed to log out", "error", err)
		Error(w, http.StatusInternalServerError, "failed to log out")
		return
	}
	h.writeState(w)
}

func parsePersona(raw string) (domain.Persona, error) {
	p, err := domain.ParsePersona(raw)
	if err != nil {
		return "", chatapi.NewValidationError(err.Error())
	}
	return p, nil
}
