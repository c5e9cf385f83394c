package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/docchat/internal/domain"
)

// scheduleHydration replaces the local transcript with the persona's latest
// server thread after delay. Scheduling again cancels the previous fetch, and
// a fetch that completes after being superseded is discarded, so the state
// always reflects the most recently scheduled persona.
func (c *Controller) scheduleHydration(persona domain.Persona, delay time.Duration) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.cancelHydrationLocked()
	c.hydrateGen++
	gen := c.hydrateGen
	ctx, cancel := context.WithCancel(c.ctx)
	c.hydrateCancel = cancel
	c.st.FetchingHistory = true
	snap := c.snapshotLocked()
	c.broadcastLocked(Event{Type: EventState, State: &snap})
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer cancel()
		c.hydrate(ctx, gen, persona, delay)
	}()
}

// cancelHydrationLocked aborts the in-flight fetch, if any, and invalidates its result.
func (c *Controller) cancelHydrationLocked() {
	if c.hydrateCancel != nil {
		c.hydrateCancel()
		c.hydrateCancel = nil
	}
	c.hydrateGen++
	c.st.FetchingHistory = false
}

func (c *Controller) hydrate(ctx context.Context, gen uint64, persona domain.Persona, delay time.Duration) {
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	}

	threads, err := c.client.GetChats(ctx, persona)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.hydrateGen {
		c.logger.Debug("discarding superseded history fetch", "persona", persona)
		return
	}
	c.hydrateCancel = nil
	c.st.FetchingHistory = false

	switch {
	case err != nil:
		c.logger.Warn("failed to load chat history", "persona", persona, "error", err)
		c.st.Messages = nil
		c.st.ChatCount = 0
	case len(threads) == 0:
		c.st.Messages = nil
		c.st.ChatCount = 0
	default:
		c.st.Messages = c.messagesFromThread(latestThread(threads))
		c.st.ChatCount = len(threads)
	}

	snap := c.snapshotLocked()
	c.broadcastLocked(Event{Type: EventState, State: &snap})
}

// latestThread picks the thread with the newest turn. The server lists threads
// newest first, so ties (including threads without timestamps) go to the earlier one.
func latestThread(threads []domain.ChatThread) domain.ChatThread {
	best := 0
	var bestAt time.Time
	for i, t := range threads {
		at := lastTurnAt(t)
		if i == 0 || at.After(bestAt) {
			best, bestAt = i, at
		}
	}
	return threads[best]
}

func lastTurnAt(t domain.ChatThread) time.Time {
	var last time.Time
	for _, m := range t.Messages {
		if m.CreatedAt.After(last) {
			last = m.CreatedAt
		}
	}
	return last
}

func (c *Controller) messagesFromThread(t domain.ChatThread) []domain.Message {
	now := c.now()
	msgs := make([]domain.Message, 0, len(t.Messages))
	for i, turn := range t.Messages {
		sender := domain.SenderUser
		if turn.IsAIResponse {
			sender = domain.SenderAssistant
		}
		id := turn.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d-%d", sender, now.UnixMilli(), i)
		}
		ts := turn.CreatedAt
		if ts.IsZero() {
			ts = now
		}
		msgs = append(msgs, domain.Message{
			ID:           id,
			Text:         turn.Content,
			Sender:       sender,
			Timestamp:    ts,
			IsAIResponse: turn.IsAIResponse,
		})
	}
	return msgs
}
