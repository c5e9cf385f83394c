// Package chat implements the chat session controller: the state machine that
// sequences anonymous chatting, quota enforcement, phone verification and
// history hydration on top of the chat API client.
package chat

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ashureev/docchat/internal/chatapi"
	"github.com/ashureev/docchat/internal/domain"
	"github.com/google/uuid"
)

const (
	minPhoneLength = 10
	otpLength      = 6
)

// Validation failures. They never reach the network.
var (
	ErrInvalidPhone = chatapi.NewValidationError("Please enter a valid phone number")
	ErrInvalidOTP   = chatapi.NewValidationError("Please enter a valid 6-digit OTP")
	ErrBusy         = chatapi.NewValidationError("Please wait for the current request to finish")
	ErrNotChatting  = chatapi.NewValidationError("Start a chat first")
	ErrVerifying    = chatapi.NewValidationError("Finish phone verification first")
	ErrClosed       = chatapi.NewValidationError("Chat session is closed")
	ErrNoCodeSent   = chatapi.NewValidationError("Request a code for your phone number first")
)

// SessionClient is the chat API surface the controller drives.
type SessionClient interface {
	Token(ctx context.Context) (string, error)
	ClearToken(ctx context.Context) error
	StreamMessage(ctx context.Context, text string, persona domain.Persona) iter.Seq2[string, error]
	SendOTP(ctx context.Context, phoneNumber string) (chatapi.OTPAck, error)
	VerifyOTP(ctx context.Context, phoneNumber, otp string) (chatapi.VerifyResult, error)
	GetChats(ctx context.Context, persona domain.Persona) ([]domain.ChatThread, error)
}

var _ SessionClient = (*chatapi.Client)(nil)

// Options configures a Controller.
type Options struct {
	Persona      domain.Persona
	MaxChats     int
	HydrateDelay time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// Controller owns the chat state and serializes every transition on it.
type Controller struct {
	client       SessionClient
	logger       *slog.Logger
	hydrateDelay time.Duration
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	st    domain.State
	epoch uint64 // bumped by Reset; in-flight sends from an older epoch are dropped

	hydrateGen    uint64
	hydrateCancel context.CancelFunc

	subs    map[int]*subscriber
	nextSub int
	subWG   sync.WaitGroup
	closed  bool
}

// New creates a Controller in the Landing phase.
func New(client SessionClient, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if !opts.Persona.Valid() {
		opts.Persona = domain.PersonaHealthCoach
	}
	if opts.MaxChats <= 0 {
		opts.MaxChats = domain.DefaultMaxChats
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		client:       client,
		logger:       opts.Logger,
		hydrateDelay: opts.HydrateDelay,
		now:          opts.Now,
		ctx:          ctx,
		cancel:       cancel,
		st: domain.State{
			Phase:    domain.PhaseLanding,
			Persona:  opts.Persona,
			MaxChats: opts.MaxChats,
		},
		subs: make(map[int]*subscriber),
	}
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() domain.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() domain.State {
	s := c.st
	s.Messages = slices.Clone(c.st.Messages)
	return s
}

// update applies fn to the state and broadcasts the result.
func (c *Controller) update(fn func(s *domain.State)) domain.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.st)
	snap := c.snapshotLocked()
	c.broadcastLocked(Event{Type: EventState, State: &snap})
	return snap
}

// Mount enters the chat view as a page load would: anonymous chat starts
// immediately, and a held token triggers history hydration.
func (c *Controller) Mount(ctx context.Context) error {
	return c.enterChat(ctx)
}

// Start is the explicit "start chatting" intent from the landing view.
func (c *Controller) Start(ctx context.Context, persona domain.Persona) error {
	if persona != "" {
		if !persona.Valid() {
			return chatapi.NewValidationError(fmt.Sprintf("Unknown doctor type %q", persona))
		}
		c.update(func(s *domain.State) {
			if s.Phase == domain.PhaseLanding {
				s.Persona = persona
			}
		})
	}
	return c.enterChat(ctx)
}

func (c *Controller) enterChat(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	token := c.currentToken(ctx)

	entered := false
	snap := c.update(func(s *domain.State) {
		if s.Phase == domain.PhaseLanding {
			s.Phase = domain.PhaseAnonymousChat
			entered = true
		}
		if token != "" {
			s.Authenticated = true
		}
	})

	if entered && token != "" {
		c.scheduleHydration(snap.Persona, c.hydrateDelay)
	}
	return nil
}

// SetInput replaces the pending message text.
func (c *Controller) SetInput(text string) {
	c.update(func(s *domain.State) { s.PendingInput = text })
}

// SetPhone replaces the phone number field.
func (c *Controller) SetPhone(phone string) {
	c.update(func(s *domain.State) { s.PhoneInput = phone })
}

// SetOTP replaces the one-time code field.
func (c *Controller) SetOTP(otp string) {
	c.update(func(s *domain.State) { s.OTPInput = otp })
}

// SendMessage sends the pending input. Whitespace-only input is ignored.
//
// The user message is appended optimistically and rolled back on failure.
// A phone-verification failure moves the session to PhoneEntry without a
// notice; any other failure is reported to subscribers and returned.
func (c *Controller) SendMessage(ctx context.Context) error {
	c.mu.Lock()
	text := c.st.PendingInput
	switch {
	case strings.TrimSpace(text) == "":
		c.mu.Unlock()
		return nil
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.st.Phase == domain.PhaseLanding:
		c.mu.Unlock()
		return ErrNotChatting
	case c.st.Phase != domain.PhaseAnonymousChat:
		c.mu.Unlock()
		return ErrVerifying
	case c.st.Loading:
		c.mu.Unlock()
		return ErrBusy
	}

	userMsg := domain.Message{
		ID:        c.newID(domain.SenderUser),
		Text:      text,
		Sender:    domain.SenderUser,
		Timestamp: c.now(),
	}
	c.st.Messages = append(c.st.Messages, userMsg)
	c.st.PendingInput = ""
	c.st.Loading = true
	c.st.Streaming = true
	c.st.StreamingText = ""
	persona := c.st.Persona
	epoch := c.epoch
	snap := c.snapshotLocked()
	c.broadcastLocked(Event{Type: EventState, State: &snap})
	c.mu.Unlock()

	var (
		reply   strings.Builder
		sendErr error
	)
	for chunk, err := range c.client.StreamMessage(ctx, text, persona) {
		if err != nil {
			sendErr = err
			break
		}
		reply.WriteString(chunk)
		partial := reply.String()
		c.update(func(s *domain.State) {
			if c.epoch == epoch {
				s.StreamingText = partial
			}
		})
	}

	if sendErr != nil {
		return c.failSend(epoch, userMsg.ID, sendErr)
	}

	token := c.currentToken(ctx)
	c.update(func(s *domain.State) {
		if c.epoch != epoch {
			return
		}
		s.Messages = append(s.Messages, domain.Message{
			ID:           c.newID(domain.SenderAssistant),
			Text:         reply.String(),
			Sender:       domain.SenderAssistant,
			Timestamp:    c.now(),
			IsAIResponse: true,
		})
		s.Loading = false
		s.Streaming = false
		s.StreamingText = ""
		s.ChatCount++
		if token != "" {
			s.Authenticated = true
		}
	})
	return nil
}

func (c *Controller) failSend(epoch uint64, optimisticID string, err error) error {
	authRequired := chatapi.IsAuthRequired(err)
	c.update(func(s *domain.State) {
		if c.epoch != epoch {
			return
		}
		s.Messages = removeMessage(s.Messages, optimisticID)
		s.Loading = false
		s.Streaming = false
		s.StreamingText = ""
		if authRequired {
			s.Phase = domain.PhasePhoneEntry
		}
	})

	if authRequired {
		c.logger.Info("message quota reached, phone verification required")
		return nil
	}
	c.logger.Warn("send message failed", "error", err, "kind", chatapi.KindOf(err))
	c.notify(err.Error())
	return err
}

// SendOTP requests a one-time code for the phone number field.
func (c *Controller) SendOTP(ctx context.Context) error {
	c.mu.Lock()
	phone := strings.TrimSpace(c.st.PhoneInput)
	if err := c.checkVerifyLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if utf8.RuneCountInString(phone) < minPhoneLength {
		c.mu.Unlock()
		c.notify(ErrInvalidPhone.Message)
		return ErrInvalidPhone
	}
	c.st.Loading = true
	snap := c.snapshotLocked()
	c.broadcastLocked(Event{Type: EventState, State: &snap})
	c.mu.Unlock()

	_, err := c.client.SendOTP(ctx, phone)
	c.update(func(s *domain.State) {
		s.Loading = false
		if err == nil && s.Phase.InChat() {
			s.Phase = domain.PhaseOTPEntry
		}
	})
	if err != nil {
		c.logger.Warn("send otp failed", "error", err)
		c.notify(err.Error())
		return err
	}
	return nil
}

// VerifyOTP exchanges the phone number and code fields for a verified session.
func (c *Controller) VerifyOTP(ctx context.Context) error {
	c.mu.Lock()
	phone := strings.TrimSpace(c.st.PhoneInput)
	otp := strings.TrimSpace(c.st.OTPInput)
	if err := c.checkVerifyLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.st.Phase != domain.PhaseOTPEntry {
		c.mu.Unlock()
		return ErrNoCodeSent
	}
	if utf8.RuneCountInString(otp) != otpLength {
		c.mu.Unlock()
		c.notify(ErrInvalidOTP.Message)
		return ErrInvalidOTP
	}
	c.st.Loading = true
	snap := c.snapshotLocked()
	c.broadcastLocked(Event{Type: EventState, State: &snap})
	c.mu.Unlock()

	result, err := c.client.VerifyOTP(ctx, phone, otp)
	if err != nil {
		c.update(func(s *domain.State) { s.Loading = false })
		c.logger.Warn("verify otp failed", "error", err)
		c.notify(err.Error())
		return err
	}

	snap = c.update(func(s *domain.State) {
		s.Loading = false
		s.OTPVerified = true
		s.Authenticated = true
		s.ChatCount = result.User.ChatCount
		if result.User.MaxChats > 0 {
			s.MaxChats = result.User.MaxChats
		}
		s.OTPInput = ""
		if s.Phase.InChat() {
			s.Phase = domain.PhaseAnonymousChat
		}
	})
	if snap.Phase.InChat() {
		c.scheduleHydration(snap.Persona, c.hydrateDelay)
	}
	return nil
}

func (c *Controller) checkVerifyLocked() error {
	switch {
	case c.closed:
		return ErrClosed
	case !c.st.Phase.InChat():
		return ErrNotChatting
	case c.st.Loading:
		return ErrBusy
	}
	return nil
}

// BackToPhone returns from the code prompt to the phone number prompt.
func (c *Controller) BackToPhone() {
	c.update(func(s *domain.State) {
		if s.Phase == domain.PhaseOTPEntry {
			s.Phase = domain.PhasePhoneEntry
			s.OTPInput = ""
		}
	})
}

// ClosePhonePrompt dismisses the verification prompt and returns to the transcript.
func (c *Controller) ClosePhonePrompt() {
	c.update(func(s *domain.State) {
		if s.Phase == domain.PhasePhoneEntry || s.Phase == domain.PhaseOTPEntry {
			s.Phase = domain.PhaseAnonymousChat
		}
	})
}

// SwitchPersona changes the doctor. In the chat view a held token schedules a
// history fetch for the new persona that supersedes any earlier one.
func (c *Controller) SwitchPersona(ctx context.Context, persona domain.Persona) error {
	if !persona.Valid() {
		return chatapi.NewValidationError(fmt.Sprintf("Unknown doctor type %q", persona))
	}

	c.mu.Lock()
	phase := c.st.Phase
	c.mu.Unlock()
	if phase == domain.PhasePhoneEntry || phase == domain.PhaseOTPEntry {
		return ErrVerifying
	}

	var token string
	if phase == domain.PhaseAnonymousChat {
		token = c.currentToken(ctx)
	}
	c.update(func(s *domain.State) { s.Persona = persona })

	if token != "" {
		c.scheduleHydration(persona, c.hydrateDelay)
	}
	return nil
}

// ReloadHistory re-fetches the current persona's history right away.
func (c *Controller) ReloadHistory() error {
	if c.isClosed() {
		return ErrClosed
	}
	c.mu.Lock()
	persona := c.st.Persona
	inChat := c.st.Phase.InChat()
	c.mu.Unlock()
	if !inChat {
		return ErrNotChatting
	}
	c.scheduleHydration(persona, 0)
	return nil
}

// Reset returns to the landing view and clears every transient field.
// The token is kept: reset is navigation, not logout.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.cancelHydrationLocked()
	c.epoch++
	c.st.Phase = domain.PhaseLanding
	c.st.Authenticated = false
	c.st.OTPVerified = false
	c.st.PhoneInput = ""
	c.st.OTPInput = ""
	c.st.PendingInput = ""
	c.st.Messages = nil
	c.st.Loading = false
	c.st.Streaming = false
	c.st.StreamingText = ""
	snap := c.snapshotLocked()
	c.broadcastLocked(Event{Type: EventState, State: &snap})
	c.mu.Unlock()
}

// Logout forgets the token and resets to the landing view.
func (c *Controller) Logout(ctx context.Context) error {
	if err := c.client.ClearToken(ctx); err != nil {
		c.notify("Failed to log out. Please try again.")
		return err
	}
	c.Reset()
	return nil
}

// Close stops background work and closes every subscription.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancelHydrationLocked()
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	for id, sub := range c.subs {
		sub.close()
		delete(c.subs, id)
	}
	c.mu.Unlock()
	c.subWG.Wait()
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// currentToken reports the held token; a storage failure counts as anonymous.
func (c *Controller) currentToken(ctx context.Context) string {
	token, err := c.client.Token(ctx)
	if err != nil {
		c.logger.Warn("failed to read session token", "error", err)
		return ""
	}
	return token
}

func (c *Controller) newID(sender domain.Sender) string {
	return fmt.Sprintf("%s-%d-%s", sender, c.now().UnixMilli(), uuid.NewString()[:8])
}

func removeMessage(msgs []domain.Message, id string) []domain.Message {
	return slices.DeleteFunc(msgs, func(m domain.Message) bool { return m.ID == id })
}
