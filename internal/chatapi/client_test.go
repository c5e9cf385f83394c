package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ashureev/docchat/internal/domain"
	"github.com/ashureev/docchat/internal/store"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	t        *testing.T
	calls    atomic.Int32
	lastAuth atomic.Value
	handle   func(w http.ResponseWriter, r *http.Request)
}

func newFakeAPI(t *testing.T, handle func(w http.ResponseWriter, r *http.Request)) (*fakeAPI, *httptest.Server) {
	t.Helper()
	f := &fakeAPI{t: t, handle: handle}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		f.lastAuth.Store(r.Header.Get("Authorization"))
		f.handle(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAPI) auth() string {
	v, _ := f.lastAuth.Load().(string)
	return v
}

func TestSendMessageExtractsMintedToken(t *testing.T) {
	ctx := context.Background()
	var gotBody sendRequest
	_, srv := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/send", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = io.WriteString(w, "TOKEN:abc123\nHi there")
	})

	tokens := store.NewMemory()
	c := New(srv.URL, tokens)

	tok, err := c.Token(ctx)
	require.NoError(t, err)
	require.Empty(t, tok, "fresh client is anonymous")

	res, err := c.SendMessage(ctx, "hello", domain.PersonaHealthCoach)
	require.NoError(t, err)
	require.Equal(t, "abc123", res.Token)
	require.Equal(t, "Hi there", res.Reply)
	require.Equal(t, sendRequest{Message: "hello", DoctorType: "health_coach"}, gotBody)

	tok, err = c.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "abc123", tok)

	persisted, err := tokens.LoadToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "abc123", persisted, "minted token is written through before the call returns")
}

func TestSendMessageWithoutPrefixReturnsWholeBody(t *testing.T) {
	_, srv := newFakeAPI(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "TOKENS are not tokens\nsecond line")
	})
	c := New(srv.URL, store.NewMemory())

	res, err := c.SendMessage(context.Background(), "hi", domain.PersonaPregnancyCoach)
	require.NoError(t, err)
	require.Empty(t, res.Token)
	require.Equal(t, "TOKENS are not tokens\nsecond line", res.Reply)
}

func TestSendMessageShortBody(t *testing.T) {
	_, srv := newFakeAPI(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	c := New(srv.URL, store.NewMemory())

	res, err := c.SendMessage(context.Background(), "hi", domain.PersonaHealthCoach)
	require.NoError(t, err)
	require.Equal(t, "ok", res.Reply)
}

func TestSendMessageAttachesStoredToken(t *testing.T) {
	ctx := context.Background()
	f, srv := newFakeAPI(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "reply")
	})
	tokens := store.NewMemory()
	require.NoError(t, tokens.SaveToken(ctx, "persisted"))

	c := New(srv.URL, tokens)
	_, err := c.SendMessage(ctx, "hi", domain.PersonaHealthCoach)
	require.NoError(t, err)
	require.Equal(t, "Bearer persisted", f.auth())
}

func TestSendMessageClassifiesPhoneVerification(t *testing.T) {
	_, srv := newFakeAPI(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"message":"Phone verification required to continue chatting"}`)
	})
	c := New(srv.URL, store.NewMemory())

	_, err := c.SendMessage(context.Background(), "hi", domain.PersonaHealthCoach)
	require.Error(t, err)
	require.True(t, IsAuthRequired(err))

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusForbidden, apiErr.Status)
}

func TestErrorMessageFallbacks(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"json message", `{"message":"Quota exceeded"}`, "Quota exceeded"},
		{"json error field", `{"error":"bad persona"}`, "bad persona"},
		{"json without message", `{"status":"nope"}`, emptyErrorMessage},
		{"not json", `<html>502</html>`, fallbackErrorMessage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, srv := newFakeAPI(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				_, _ = io.WriteString(w, tc.body)
			})
			c := New(srv.URL, store.NewMemory())

			_, err := c.SendOTP(context.Background(), "5551234567")
			require.Error(t, err)
			require.Equal(t, tc.want, err.Error())
			require.Equal(t, KindTransport, KindOf(err))
		})
	}
}

func TestStreamMessageYieldsChunksInOrder(t *testing.T) {
	release := make(chan struct{})
	_, srv := newFakeAPI(t, func(w http.ResponseWriter, _ *http.Request) {
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, "TOKEN:tok\nHel")
		flusher.Flush()
		<-release
		_, _ = io.WriteString(w, "lo")
	})
	ctx := context.Background()
	c := New(srv.URL, store.NewMemory())

	var chunks []string
	for chunk, err := range c.StreamMessage(ctx, "hi", domain.PersonaHealthCoach) {
		require.NoError(t, err)
		if len(chunks) == 0 {
			tok, tokErr := c.Token(ctx)
			require.NoError(t, tokErr)
			require.Equal(t, "tok", tok, "token is stored before the first chunk is yielded")
			close(release)
		}
		chunks = append(chunks, chunk)
	}
	require.Equal(t, "Hello", strings.Join(chunks, ""))
	require.GreaterOrEqual(t, len(chunks), 2)
}

func TestVerifyOTPReplacesToken(t *testing.T) {
	ctx := context.Background()
	var got otpRequest
	f, srv := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/verify-otp", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"token":"verified","user":{"chatCount":3,"maxChats":50}}`)
	})
	tokens := store.NewMemory()
	require.NoError(t, tokens.SaveToken(ctx, "anonymous"))

	c := New(srv.URL, tokens)
	res, err := c.VerifyOTP(ctx, "5551234567", "123456")
	require.NoError(t, err)
	require.Equal(t, "Bearer anonymous", f.auth(), "verification upgrades the anonymous session")
	require.Equal(t, otpRequest{PhoneNumber: "5551234567", OTP: "123456"}, got)
	require.Equal(t, domain.Quota{ChatCount: 3, MaxChats: 50}, res.User)

	tok, err := c.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "verified", tok)
	persisted, err := tokens.LoadToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "verified", persisted)
}

func TestVerifyOTPWrongCodeKeepsToken(t *testing.T) {
	ctx := context.Background()
	_, srv := newFakeAPI(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"message":"Invalid OTP"}`)
	})
	tokens := store.NewMemory()
	require.NoError(t, tokens.SaveToken(ctx, "anonymous"))

	c := New(srv.URL, tokens)
	_, err := c.VerifyOTP(ctx, "5551234567", "000000")
	require.EqualError(t, err, "Invalid OTP")

	tok, err := c.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "anonymous", tok)
}

func TestSendOTPOmitsAuthWhenAnonymous(t *testing.T) {
	f, srv := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/send-otp", r.URL.Path)
		_, _ = io.WriteString(w, `{"success":true,"message":"OTP sent"}`)
	})
	c := New(srv.URL, store.NewMemory())

	ack, err := c.SendOTP(context.Background(), "5551234567")
	require.NoError(t, err)
	require.True(t, ack.Success)
	require.Empty(t, f.auth())
}

func TestGetChatsWithoutTokenFailsLocally(t *testing.T) {
	f, srv := newFakeAPI(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	})
	c := New(srv.URL, store.NewMemory())

	_, err := c.GetChats(context.Background(), domain.PersonaHealthCoach)
	require.ErrorIs(t, err, ErrNoToken)
	require.Equal(t, KindValidation, KindOf(err))
	require.Zero(t, f.calls.Load(), "no network call without a token")
}

func TestGetChatsDecodesThreads(t *testing.T) {
	ctx := context.Background()
	f, srv := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/pregnancy_coach", r.URL.Path)
		_, _ = io.WriteString(w, `[{"messages":[
			{"_id":"m1","content":"hello","isAIResponse":false,"createdAt":"2026-10-01T10:00:00Z"},
			{"content":"hi, how can I help?","isAIResponse":true,"createdAt":"2026-10-01T10:00:02Z"}
		]}]`)
	})
	tokens := store.NewMemory()
	require.NoError(t, tokens.SaveToken(ctx, "t"))

	c := New(srv.URL, tokens)
	threads, err := c.GetChats(ctx, domain.PersonaPregnancyCoach)
	require.NoError(t, err)
	require.Equal(t, "Bearer t", f.auth())
	require.Len(t, threads, 1)
	require.Len(t, threads[0].Messages, 2)
	require.Equal(t, "m1", threads[0].Messages[0].ID)
	require.True(t, threads[0].Messages[1].IsAIResponse)
}

func TestClearToken(t *testing.T) {
	ctx := context.Background()
	tokens := store.NewMemory()
	require.NoError(t, tokens.SaveToken(ctx, "t"))

	c := New("http://unused.invalid", tokens)
	tok, err := c.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "t", tok)

	require.NoError(t, c.ClearToken(ctx))
	tok, err = c.Token(ctx)
	require.NoError(t, err)
	require.Empty(t, tok)

	_, err = tokens.LoadToken(ctx)
	require.ErrorIs(t, err, store.ErrNotFound, "a cleared token never resurrects")
}

func TestTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, store.NewMemory())
	_, err := c.SendMessage(context.Background(), "hi", domain.PersonaHealthCoach)
	require.Error(t, err)
	require.Equal(t, KindTransport, KindOf(err))
	require.False(t, IsAuthRequired(err))
}

func TestGetChatsToleratesMalformedTimestamps(t *testing.T) {
	ctx := context.Background()
	_, srv := newFakeAPI(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `[{"messages":[
			{"content":"hi","isAIResponse":false,"createdAt":""},
			{"content":"hello","isAIResponse":true,"createdAt":"not a date"},
			{"content":"later","isAIResponse":false}
		]}]`)
	})
	tokens := store.NewMemory()
	require.NoError(t, tokens.SaveToken(ctx, "t"))

	c := New(srv.URL, tokens)
	threads, err := c.GetChats(ctx, domain.PersonaHealthCoach)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	require.Len(t, threads[0].Messages, 3)
	for _, m := range threads[0].Messages {
		require.True(t, m.CreatedAt.IsZero())
	}
}
