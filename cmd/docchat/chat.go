package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/ashureev/docchat/internal/chat"
	"github.com/ashureev/docchat/internal/chatapi"
	"github.com/ashureev/docchat/internal/domain"
	"github.com/spf13/cobra"
)

const chatHelp = `Commands:
  /persona <gp|gynecologist>   switch doctor
  /phone <number>              request a one-time code
  /otp <code>                  verify the code
  /back                        re-enter the phone number
  /close                       dismiss the verification prompt
  /reload                      reload chat history
  /status                      show quota and session info
  /start [persona]             start chatting again after /reset
  /reset                       return to the start screen (keeps the session)
  /logout                      forget the session token
  /quit                        exit`

// chatCmd starts the interactive terminal chat.
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat in the terminal",
	Long:  "Starts a line-oriented chat. Type a message and press enter to send it.\n\n" + chatHelp,
	Args:  cobra.NoArgs,
	RunE:  runChat,
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens, err := openTokenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTokenStore(tokens)

	logger := slog.Default()
	ctrl := newController(cfg, newClient(cfg, tokens, logger), logger)
	defer ctrl.Close()

	return newREPL(ctrl, cmd.OutOrStdout()).Run(ctx, cmd.InOrStdin())
}

// repl renders controller events as text and turns input lines into intents.
type repl struct {
	ctrl *chat.Controller

	mu  sync.Mutex
	out io.Writer

	// render state, owned by the event goroutine
	prev    domain.State
	printed int
}

func newREPL(ctrl *chat.Controller, out io.Writer) *repl {
	return &repl{ctrl: ctrl, out: out}
}

func (r *repl) printf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// Run processes input until EOF, /quit or ctx is canceled.
func (r *repl) Run(ctx context.Context, in io.Reader) error {
	events, unsubscribe := r.ctrl.Subscribe(256)
	first := <-events
	if first.State != nil {
		r.prev = *first.State
	}

	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for ev := range events {
			r.render(ev)
		}
	}()
	defer func() {
		unsubscribe()
		<-rendered
	}()

	if err := r.ctrl.Mount(ctx); err != nil {
		return err
	}
	r.printf("Chatting with the %s. Type /help for commands.\n", r.ctrl.Snapshot().Persona.Title())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := r.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// handle dispatches one input line and reports whether the user asked to quit.
func (r *repl) handle(ctx context.Context, line string) bool {
	if !strings.HasPrefix(line, "/") {
		r.ctrl.SetInput(line)
		r.report(r.ctrl.SendMessage(ctx))
		return false
	}

	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(name) {
	case "quit", "exit":
		return true
	case "help":
		r.printf("%s\n", chatHelp)
	case "persona":
		persona, err := domain.ParsePersona(arg)
		if err != nil {
			r.printf("! %v\n", err)
			return false
		}
		if err := r.ctrl.SwitchPersona(ctx, persona); err != nil {
			r.report(err)
			return false
		}
		r.printf("Now chatting with the %s.\n", persona.Title())
	case "phone":
		r.ctrl.SetPhone(arg)
		r.report(r.ctrl.SendOTP(ctx))
	case "otp":
		r.ctrl.SetOTP(arg)
		r.report(r.ctrl.VerifyOTP(ctx))
	case "back":
		r.ctrl.BackToPhone()
	case "close":
		r.ctrl.ClosePhonePrompt()
	case "reload":
		r.report(r.ctrl.ReloadHistory())
	case "status":
		s := r.ctrl.Snapshot()
		r.printf("persona=%s phase=%s verified=%t messages=%d quota=%d/%d\n",
			s.Persona, s.Phase, s.OTPVerified, len(s.Messages), s.ChatCount, s.MaxChats)
	case "start":
		var persona domain.Persona
		if arg != "" {
			p, err := domain.ParsePersona(arg)
			if err != nil {
				r.printf("! %v\n", err)
				return false
			}
			persona = p
		}
		r.report(r.ctrl.Start(ctx, persona))
	case "reset":
		r.ctrl.Reset()
		r.printf("Back at the start screen. Type /start to chat again.\n")
	case "logout":
		if err := r.ctrl.Logout(ctx); err == nil {
			r.printf("Logged out.\n")
		}
	default:
		r.printf("! unknown command /%s (try /help)\n", name)
	}
	return false
}

// report prints err unless the controller already raised a notice for it.
func (r *repl) report(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, chat.ErrInvalidPhone) || errors.Is(err, chat.ErrInvalidOTP) || chatapi.KindOf(err) == chatapi.KindTransport {
		return
	}
	r.printf("! %v\n", err)
}

func (r *repl) render(ev chat.Event) {
	if ev.Type == chat.EventNotice {
		r.printf("! %s\n", ev.Notice)
		return
	}
	if ev.State == nil {
		return
	}
	s, prev := *ev.State, r.prev
	r.prev = s

	if s.Streaming && len(s.StreamingText) > r.printed {
		if r.printed == 0 {
			r.printf("%s: ", s.Persona.Title())
		}
		r.printf("%s", s.StreamingText[r.printed:])
		r.printed = len(s.StreamingText)
	}
	if !s.Streaming && r.printed > 0 {
		r.printf("\n")
		r.printed = 0
	}

	if prev.FetchingHistory && !s.FetchingHistory {
		r.renderHistory(s)
	}

	if s.Phase != prev.Phase {
		switch s.Phase {
		case domain.PhasePhoneEntry:
			r.printf("You have used your %d free messages. Verify your phone with /phone <number>.\n", s.MaxChats)
		case domain.PhaseOTPEntry:
			r.printf("Code sent. Enter it with /otp <code>, or /back to change the number.\n")
		case domain.PhaseAnonymousChat:
			if s.OTPVerified && !prev.OTPVerified {
				r.printf("Phone verified. %d of %d messages used.\n", s.ChatCount, s.MaxChats)
			}
		}
	}
}

func (r *repl) renderHistory(s domain.State) {
	if len(s.Messages) == 0 {
		r.printf("No previous conversation with the %s.\n", s.Persona.Title())
		return
	}
	r.printf("Previous conversation with the %s:\n", s.Persona.Title())
	for _, m := range s.Messages {
		who := "You"
		if m.Sender == domain.SenderAssistant {
			who = s.Persona.Title()
		}
		r.printf("  %s: %s\n", who, m.Text)
	}
}
