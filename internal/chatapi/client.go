// Package chatapi is the single point of contact with the remote chat API.
// It owns the bearer token and its durable slot.
package chatapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ashureev/docchat/internal/domain"
	"github.com/ashureev/docchat/internal/store"
)

// tokenPrefix marks a reply whose first line carries a freshly minted token.
const tokenPrefix = "TOKEN:"

const (
	maxErrorBodySize = 64 << 10
	streamChunkSize  = 4 << 10
)

// SendResult is a complete reply to a sent message.
type SendResult struct {
	Token string // set only when this response minted a new token
	Reply string
}

// OTPAck acknowledges an OTP dispatch request.
type OTPAck struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// VerifyResult is the outcome of a successful OTP verification.
type VerifyResult struct {
	Token string       `json:"token"`
	User  domain.Quota `json:"user"`
}

type sendRequest struct {
	Message    string `json:"message"`
	DoctorType string `json:"doctorType"`
}

type otpRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	OTP         string `json:"otp,omitempty"`
}

// Client talks to the remote chat API.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  store.TokenStore
	logger  *slog.Logger

	mu     sync.Mutex
	token  string
	loaded bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for every call.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger for token lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Client for baseURL that persists its token in tokens.
func New(baseURL string, tokens store.TokenStore, opts ...Option) *Client {
	if tokens == nil {
		tokens = store.NewMemory()
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		tokens:  tokens,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the bearer token, reading the durable slot on first use.
// An empty string means the session is anonymous.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokenLocked(ctx)
}

func (c *Client) tokenLocked(ctx context.Context) (string, error) {
	if c.loaded {
		return c.token, nil
	}
	token, err := c.tokens.LoadToken(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("load token: %w", err)
	}
	c.token = token
	c.loaded = true
	return c.token, nil
}

// ClearToken erases the token from memory and from the durable slot.
func (c *Client) ClearToken(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = ""
	c.loaded = true
	if err := c.tokens.DeleteToken(ctx); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	c.logger.Info("session token cleared")
	return nil
}

func (c *Client) setToken(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = token
	c.loaded = true
	if err := c.tokens.SaveToken(ctx, token); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	return nil
}

// SendMessage sends text to the persona and returns the whole reply.
func (c *Client) SendMessage(ctx context.Context, text string, persona domain.Persona) (SendResult, error) {
	var (
		result SendResult
		reply  strings.Builder
	)
	for chunk, err := range c.streamMessage(ctx, text, persona, &result.Token) {
		if err != nil {
			return SendResult{}, err
		}
		reply.WriteString(chunk)
	}
	result.Reply = reply.String()
	return result, nil
}

// StreamMessage sends text to the persona and yields reply text as it arrives.
// A token carried on the first line is stored before the first chunk is yielded.
// The sequence ends with a single non-nil error if the call fails.
func (c *Client) StreamMessage(ctx context.Context, text string, persona domain.Persona) iter.Seq2[string, error] {
	return c.streamMessage(ctx, text, persona, nil)
}

func (c *Client) streamMessage(ctx context.Context, text string, persona domain.Persona, minted *string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := c.do(ctx, http.MethodPost, "/send", sendRequest{Message: text, DoctorType: string(persona)}, false)
		if err != nil {
			yield("", err)
			return
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				c.logger.Debug("failed to close reply body", "error", closeErr)
			}
		}()

		body := bufio.NewReaderSize(resp.Body, streamChunkSize)
		token, err := readTokenLine(body)
		if err != nil {
			yield("", transportError(resp.StatusCode, err))
			return
		}
		if token != "" {
			if err := c.setToken(ctx, token); err != nil {
				// The reply is still delivered; the in-memory token keeps this process working.
				c.logger.Error("failed to persist minted token", "error", err)
			} else {
				c.logger.Info("session token minted", "persona", persona)
			}
			if minted != nil {
				*minted = token
			}
		}

		buf := make([]byte, streamChunkSize)
		for {
			n, readErr := body.Read(buf)
			if n > 0 {
				if !yield(string(buf[:n]), nil) {
					return
				}
			}
			if errors.Is(readErr, io.EOF) {
				return
			}
			if readErr != nil {
				yield("", transportError(resp.StatusCode, readErr))
				return
			}
		}
	}
}

// readTokenLine consumes a leading "TOKEN:<token>\n" line if present and
// returns the token. Any other body is left untouched.
func readTokenLine(r *bufio.Reader) (string, error) {
	peek, err := r.Peek(len(tokenPrefix))
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, bufio.ErrBufferFull) {
			return "", nil
		}
		return "", err
	}
	if string(peek) != tokenPrefix {
		return "", nil
	}

	line, err := r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	token := strings.TrimPrefix(line, tokenPrefix)
	token = strings.TrimRight(token, "\r\n")
	return strings.TrimSpace(token), nil
}

// SendOTP asks the server to text a one-time code to phoneNumber.
func (c *Client) SendOTP(ctx context.Context, phoneNumber string) (OTPAck, error) {
	var ack OTPAck
	if err := c.doJSON(ctx, http.MethodPost, "/send-otp", otpRequest{PhoneNumber: phoneNumber}, &ack, false); err != nil {
		return OTPAck{}, err
	}
	return ack, nil
}

// VerifyOTP exchanges phoneNumber and otp for a token, replacing any token already held.
func (c *Client) VerifyOTP(ctx context.Context, phoneNumber, otp string) (VerifyResult, error) {
	var result VerifyResult
	if err := c.doJSON(ctx, http.MethodPost, "/verify-otp", otpRequest{PhoneNumber: phoneNumber, OTP: otp}, &result, false); err != nil {
		return VerifyResult{}, err
	}
	if result.Token == "" {
		return VerifyResult{}, &Error{Kind: KindTransport, Status: http.StatusOK, Message: "verification response did not include a token"}
	}
	if err := c.setToken(ctx, result.Token); err != nil {
		return VerifyResult{}, &Error{Kind: KindTransport, Message: "failed to save session token", Err: err}
	}
	c.logger.Info("phone verified", "chat_count", result.User.ChatCount, "max_chats", result.User.MaxChats)
	return result, nil
}

// GetChats fetches the persona's conversation threads, most recent first.
// It fails locally, without a network call, when no token is held.
func (c *Client) GetChats(ctx context.Context, persona domain.Persona) ([]domain.ChatThread, error) {
	var threads []domain.ChatThread
	if err := c.doJSON(ctx, http.MethodGet, "/"+url.PathEscape(string(persona)), nil, &threads, true); err != nil {
		return nil, err
	}
	return threads, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any, requireToken bool) error {
	resp, err := c.do(ctx, method, path, body, requireToken)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close response body", "error", closeErr)
		}
	}()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindTransport, Status: resp.StatusCode, Message: "invalid response from server", Err: err}
	}
	return nil
}

// do issues a request and returns the response only for 2xx statuses.
func (c *Client) do(ctx context.Context, method, path string, body any, requireToken bool) (*http.Response, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Message: "failed to read session token", Err: err}
	}
	if requireToken && token == "" {
		return nil, &Error{Kind: KindValidation, Message: ErrNoToken.Error(), Err: ErrNoToken}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Kind: KindValidation, Message: "failed to encode request", Err: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Message: "failed to build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(0, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				c.logger.Debug("failed to close error body", "error", closeErr)
			}
		}()
		return nil, errorFromResponse(resp)
	}
	return resp, nil
}

// errorFromResponse prefers the server's JSON message and falls back to a
// generic one when the body is not JSON.
func errorFromResponse(resp *http.Response) *Error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	message := fallbackErrorMessage
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		switch {
		case payload.Message != "":
			message = payload.Message
		case payload.Error != "":
			message = payload.Error
		default:
			message = emptyErrorMessage
		}
	}

	return &Error{Kind: classifyMessage(message), Status: resp.StatusCode, Message: message}
}

func transportError(status int, err error) *Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransport, Status: status, Message: "request cancelled", Err: err}
	}
	return &Error{Kind: KindTransport, Status: status, Message: fallbackErrorMessage + ": " + err.Error(), Err: err}
}
