package domain

// Phase is the view mode the chat session is currently in.
// Exactly one phase is active at a time.
type Phase string

const (
	PhaseLanding       Phase = "landing"
	PhaseAnonymousChat Phase = "anonymous_chat"
	PhasePhoneEntry    Phase = "phone_entry"
	PhaseOTPEntry      Phase = "otp_entry"
)

// InChat reports whether the transcript view is visible, with or without a
// verification prompt layered over it.
func (p Phase) InChat() bool {
	return p == PhaseAnonymousChat || p == PhasePhoneEntry || p == PhaseOTPEntry
}

// State is an immutable snapshot of the chat session handed to a view.
type State struct {
	Phase         Phase     `json:"phase"`
	Authenticated bool      `json:"authenticated"`
	OTPVerified   bool      `json:"otpVerified"`
	Persona       Persona   `json:"persona"`
	Messages      []Message `json:"messages"`

	PendingInput string `json:"pendingInput"`
	PhoneInput   string `json:"phoneInput"`
	OTPInput     string `json:"otpInput"`

	Loading         bool   `json:"isLoading"`
	Streaming       bool   `json:"isStreaming"`
	StreamingText   string `json:"streamingText"`
	FetchingHistory bool   `json:"isFetchingHistory"`

	ChatCount int `json:"chatCount"`
	MaxChats  int `json:"maxChats"`
}

// RequiresPhone reports whether the phone number prompt is showing.
func (s State) RequiresPhone() bool { return s.Phase == PhasePhoneEntry }

// OTPSent reports whether the one-time code prompt is showing.
func (s State) OTPSent() bool { return s.Phase == PhaseOTPEntry }

// QuotaRemaining returns how many messages are left before verification, never negative.
func (s State) QuotaRemaining() int {
	if n := s.MaxChats - s.ChatCount; n > 0 {
		return n
	}
	return 0
}
