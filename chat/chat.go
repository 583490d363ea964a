// Package chat adapts the Twitch IRC wire protocol to the Processor's
// normalized event shape and provides the Processor's egress path.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/clank-bot/clank/processor"
)

const (
	minBackoff = time.Second
	maxBackoff = 5 * time.Minute
)

// Adapter wraps a Twitch IRC client, translating inbound events into
// processor.Event values delivered to submit, and exposing Send as the
// Processor's egress implementation.
type Adapter struct {
	client      *twitch.Client
	botUsername string
	submit      func(processor.Event)

	mu      sync.Mutex
	banned  map[string]struct{}
	joined  []string
	backoff time.Duration
}

// NewAdapter constructs an Adapter and wires all inbound message handlers.
// submit is called for every normalized event; it must not block. submit may
// be nil at construction time and set later with SetSubmit, since the
// Processor that ultimately receives these events is itself constructed with
// this Adapter as its egress — breaking the construction cycle.
func NewAdapter(botUsername, oauthToken string, submit func(processor.Event)) *Adapter {
	client := twitch.NewClient(botUsername, oauthToken)
	a := &Adapter{
		client:      client,
		botUsername: strings.ToLower(botUsername),
		submit:      submit,
		banned:      make(map[string]struct{}),
		backoff:     minBackoff,
	}

	client.OnConnect(func() {
		a.mu.Lock()
		a.backoff = minBackoff
		a.mu.Unlock()
		slog.Info("chat connection established")
	})

	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		badges := make(map[string]struct{}, len(msg.User.Badges))
		for name := range msg.User.Badges {
			badges[name] = struct{}{}
		}
		a.dispatch(processor.Event{
			Channel:           msg.Channel,
			AuthorID:          msg.User.ID,
			AuthorDisplayName: msg.User.DisplayName,
			AuthorBadges:      badges,
			MessageID:         msg.ID,
			Content:           msg.Message,
			Timestamp:         msg.Time,
			Kind:              processor.KindMessage,
		})
	})

	client.OnClearMessage(func(msg twitch.ClearMessage) {
		a.dispatch(processor.Event{
			Channel:   msg.Channel,
			MessageID: msg.TargetMsgID,
			Timestamp: time.Now(),
			Kind:      processor.KindDelete,
		})
	})

	client.OnClearChatMessage(func(msg twitch.ClearChatMessage) {
		// An empty TargetUserID means a broadcaster/mod issued a bare /clear,
		// wiping the whole channel rather than one user's messages.
		kind := processor.KindUserClear
		if msg.TargetUserID == "" {
			kind = processor.KindChannelClear
		}
		a.dispatch(processor.Event{
			Channel:   msg.Channel,
			AuthorID:  msg.TargetUserID,
			Timestamp: time.Now(),
			Kind:      kind,
		})
	})

	client.OnNoticeMessage(func(msg twitch.NoticeMessage) {
		if msg.MsgID == "msg_banned" {
			a.mu.Lock()
			a.banned[strings.ToLower(msg.Channel)] = struct{}{}
			a.mu.Unlock()
			slog.Error("bot is banned from channel; will not retry", slog.String("channel", msg.Channel))
			return
		}
		a.dispatch(processor.Event{
			Channel:   msg.Channel,
			Timestamp: time.Now(),
			Kind:      processor.KindSystem,
		})
	})

	return a
}

// SetSubmit installs the event sink. It must be called before Run starts
// accepting connections.
func (a *Adapter) SetSubmit(submit func(processor.Event)) {
	a.mu.Lock()
	a.submit = submit
	a.mu.Unlock()
}

func (a *Adapter) dispatch(ev processor.Event) {
	a.mu.Lock()
	submit := a.submit
	a.mu.Unlock()
	if submit != nil {
		submit(ev)
	}
}

// Join records the desired channel set and joins them on the client. Already
// banned channels are skipped.
func (a *Adapter) Join(channels []string) {
	a.mu.Lock()
	a.joined = channels
	a.mu.Unlock()
	a.rejoinNonBanned()
}

func (a *Adapter) rejoinNonBanned() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range a.joined {
		if _, banned := a.banned[strings.ToLower(ch)]; banned {
			continue
		}
		a.client.Join(ch)
	}
}

// Send implements processor.Egress. It enforces the wire-level output
// constraints (no newlines, 500-byte ceiling) as a final backstop; upstream
// producers are expected to already satisfy them.
func (a *Adapter) Send(ctx context.Context, channel, text string) error {
	a.mu.Lock()
	_, banned := a.banned[strings.ToLower(channel)]
	a.mu.Unlock()
	if banned {
		return fmt.Errorf("channel %q is banned; send suppressed", channel)
	}

	text = strings.ReplaceAll(text, "\n", " ")
	if len(text) > 500 {
		text = text[:500]
	}
	a.client.Say(channel, text)
	return nil
}

// Run connects and blocks until ctx is cancelled, reconnecting with
// exponential backoff (capped at 5 minutes, reset on success) on every
// disconnect that is not a permanent ban.
func (a *Adapter) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := a.client.Connect(); err != nil {
				slog.Warn("chat connection ended", slog.Any("err", err))
			}
		}()

		a.rejoinNonBanned()

		select {
		case <-ctx.Done():
			a.client.Disconnect()
			<-done
			return
		case <-done:
		}

		a.mu.Lock()
		wait := a.backoff
		if a.backoff < maxBackoff {
			a.backoff *= 2
			if a.backoff > maxBackoff {
				a.backoff = maxBackoff
			}
		}
		a.mu.Unlock()

		slog.Info("reconnecting to chat", slog.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Disconnect closes the underlying connection immediately.
func (a *Adapter) Disconnect() error {
	return a.client.Disconnect()
}
