// Package processor is the central coordinator: it classifies inbound chat
// events, drives the input/output filter, persists messages, evaluates
// generation triggers, and pushes generated text out through egress. It is
// the recovery boundary — nothing below it ever reaches chat as a raw error.
package processor

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clank-bot/clank/channelstate"
	"github.com/clank-bot/clank/command"
	"github.com/clank-bot/clank/filter"
	"github.com/clank-bot/clank/generator"
	"github.com/clank-bot/clank/store"
)

// EventKind discriminates the inbound event shape from the chat adapter.
type EventKind string

const (
	KindMessage      EventKind = "message"
	KindDelete       EventKind = "delete"
	KindUserClear    EventKind = "user_clear"
	KindChannelClear EventKind = "channel_clear"
	KindSystem       EventKind = "system"
)

// Badge names recognized in AuthorBadges.
const (
	BadgeBroadcaster = "broadcaster"
	BadgeModerator   = "moderator"
)

// Event is the normalized shape every chat-network adapter must produce.
type Event struct {
	Channel           string
	AuthorID          string
	AuthorDisplayName string
	AuthorBadges      map[string]struct{}
	MessageID         string
	Content           string
	Timestamp         time.Time
	Kind              EventKind
}

func (e Event) hasBadge(name string) bool {
	_, ok := e.AuthorBadges[name]
	return ok
}

// Egress is the outbound path the Processor exposes to itself and to the
// Command Handler, breaking the cyclic reference the two would otherwise
// need. Only the Processor filters generated content; command replies go
// out through the same Send without output filtering.
type Egress interface {
	Send(ctx context.Context, channel, text string) error
}

const minSpontaneousContext = 10
const backlogDepth = 64

// Processor coordinates one Store, one Filter, one Generator client, and one
// Channel State registry across every joined channel.
type Processor struct {
	store       store.Store
	filter      *filter.Filter
	generator   *generator.Client
	channels    *channelstate.Registry
	commands    *command.Handler
	egress      Egress
	botUsername string
	knownBots   map[string]struct{}

	mu     sync.Mutex
	queues map[string]*channelQueue
	wg     sync.WaitGroup
}

// New constructs a Processor. knownOtherBots is matched case-insensitively.
func New(st store.Store, f *filter.Filter, gen *generator.Client, channels *channelstate.Registry, cmds *command.Handler, egress Egress, botUsername string, knownOtherBots []string) *Processor {
	known := make(map[string]struct{}, len(knownOtherBots))
	for _, b := range knownOtherBots {
		known[strings.ToLower(b)] = struct{}{}
	}
	return &Processor{
		store:       st,
		filter:      f,
		generator:   gen,
		channels:    channels,
		commands:    cmds,
		egress:      egress,
		botUsername: strings.ToLower(botUsername),
		knownBots:   known,
		queues:      make(map[string]*channelQueue),
	}
}

// channelQueue is a bounded, mutex-guarded FIFO with drop-oldest
// backpressure, feeding a single dedicated worker goroutine. One worker per
// channel is itself the serialization mechanism the per-channel critical
// section requires: it processes exactly one event at a time, in arrival
// order, without any extra locking around Filter/Store/trigger evaluation.
type channelQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []Event
	closed bool
}

func newChannelQueue() *channelQueue {
	q := &channelQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *channelQueue) push(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if len(q.events) >= backlogDepth {
		q.events = q.events[1:]
		slog.Warn("dropping oldest queued event under backpressure", slog.String("channel", ev.Channel))
	}
	q.events = append(q.events, ev)
	q.cond.Signal()
}

func (q *channelQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.events) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.events) == 0 {
		return Event{}, false
	}
	ev := q.events[0]
	q.events = q.events[1:]
	return ev, true
}

func (q *channelQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Submit enqueues an event for its channel, starting a worker for that
// channel on first use.
func (p *Processor) Submit(ev Event) {
	p.mu.Lock()
	q, ok := p.queues[ev.Channel]
	if !ok {
		q = newChannelQueue()
		p.queues[ev.Channel] = q
		p.wg.Add(1)
		go p.runWorker(ev.Channel, q)
	}
	p.mu.Unlock()
	q.push(ev)
}

// Shutdown closes every channel worker's queue and waits (bounded by ctx)
// for in-flight processing to drain.
func (p *Processor) Shutdown(ctx context.Context) {
	p.mu.Lock()
	for _, q := range p.queues {
		q.close()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("processor shutdown grace period expired with workers still draining")
	}
}

func (p *Processor) runWorker(channel string, q *channelQueue) {
	defer p.wg.Done()
	ctx := context.Background()
	for {
		ev, ok := q.pop()
		if !ok {
			return
		}
		p.process(ctx, ev)
	}
}

func (p *Processor) process(ctx context.Context, ev Event) {
	switch ev.Kind {
	case KindDelete:
		if err := p.store.DeleteByMessageID(ctx, ev.MessageID); err != nil {
			slog.Warn("delete message failed", slog.Any("err", err), slog.String("channel", ev.Channel))
		}
		return
	case KindUserClear:
		if err := p.store.DeleteByUser(ctx, ev.Channel, ev.AuthorID); err != nil {
			slog.Warn("user clear failed", slog.Any("err", err), slog.String("channel", ev.Channel))
		}
		return
	case KindChannelClear:
		if err := p.store.ClearChannel(ctx, ev.Channel); err != nil {
			slog.Warn("channel clear failed", slog.Any("err", err), slog.String("channel", ev.Channel))
		}
		return
	}

	if p.isSelfOrKnownBot(ev.AuthorDisplayName) {
		return
	}
	if ev.AuthorID == "" {
		return
	}

	if key, value, ok := command.Parse(ev.Content); ok {
		p.handleCommand(ctx, ev, key, value)
		return
	}

	p.handleUserMessage(ctx, ev)
}

func (p *Processor) isSelfOrKnownBot(displayName string) bool {
	lower := strings.ToLower(displayName)
	if lower == p.botUsername {
		return true
	}
	_, known := p.knownBots[lower]
	return known
}

func (p *Processor) handleCommand(ctx context.Context, ev Event, key, value string) {
	st, ok := p.channels.Get(ev.Channel)
	if !ok {
		return
	}
	sender := command.Sender{
		UserID:      ev.AuthorID,
		DisplayName: ev.AuthorDisplayName,
		Broadcaster: ev.hasBadge(BadgeBroadcaster),
		Moderator:   ev.hasBadge(BadgeModerator),
	}
	reply := p.commands.Execute(ctx, ev.Channel, sender, key, value, st)
	if reply == "" {
		return
	}
	if err := p.egress.Send(ctx, ev.Channel, reply); err != nil {
		slog.Warn("command reply send failed", slog.Any("err", err), slog.String("channel", ev.Channel))
	}
}

func (p *Processor) handleUserMessage(ctx context.Context, ev Event) {
	if p.filter.Classify(ev.Content) == filter.Blocked {
		p.recordMetric(ctx, ev.Channel, store.MetricFilterBlockInput)
		return
	}

	mentioned := isMentioned(ev.Content, p.botUsername)

	appendResult, count, err := p.store.AppendMessage(ctx, store.Message{
		MessageID:   ev.MessageID,
		Channel:     ev.Channel,
		UserID:      ev.AuthorID,
		DisplayName: ev.AuthorDisplayName,
		Content:     ev.Content,
		Timestamp:   ev.Timestamp,
	})
	if err != nil || appendResult == store.AppendUnavailable {
		p.recordMetric(ctx, ev.Channel, store.MetricStoreUnavailable)
		return
	}
	if appendResult == store.AppendDuplicate {
		return
	}

	st, ok := p.channels.Get(ev.Channel)
	if !ok {
		return
	}
	st.SetMessageCount(count)

	respondedToMention := false
	if mentioned {
		respondedToMention = p.tryRespond(ctx, ev, st)
	}
	if !mentioned || !respondedToMention {
		p.trySpontaneous(ctx, ev.Channel, st, count)
	}
}

func isMentioned(content, botUsername string) bool {
	fields := strings.Fields(content)
	if len(fields) == 0 || botUsername == "" {
		return false
	}
	first := strings.ToLower(fields[0])
	return first == "@"+botUsername || first == botUsername
}

// tryRespond attempts the mention-response path. It returns true if a
// response was attempted, even if the attempt itself failed (store error,
// generation failure, output blocked, or send failure) -- those still count
// as the mention being handled past the cooldown gate. It returns false
// only when the cooldown itself declined the
// response outright, so the spontaneous path per spec's trigger order still
// gets a chance to fire on that message.
func (p *Processor) tryRespond(ctx context.Context, ev Event, st *channelstate.State) bool {
	snap := st.Snapshot()

	cooldown, hasCooldown, err := p.store.GetUserCooldown(ctx, ev.Channel, ev.AuthorID)
	if err != nil {
		p.recordMetric(ctx, ev.Channel, store.MetricStoreUnavailable)
		return true
	}
	if hasCooldown && time.Since(cooldown.LastResponseAt) < snap.ResponseCooldown {
		return false
	}

	recent, err := p.recentContext(ctx, ev.Channel, snap.ContextLimit)
	if err != nil {
		p.recordMetric(ctx, ev.Channel, store.MetricStoreUnavailable)
		return true
	}

	model := snap.ModelName
	text, result, err := p.generator.GenerateResponse(ctx, model, recent, snap.ContextLimit, ev.AuthorDisplayName, ev.Content)
	if err != nil || result != generator.ResultOK {
		p.recordGeneratorFailure(ctx, ev.Channel, result)
		return true
	}

	if p.filter.ClassifyOutput(text) == filter.Blocked {
		p.recordMetric(ctx, ev.Channel, store.MetricFilterBlockOutput)
		slog.Warn("blocked generated response", slog.String("channel", ev.Channel), slog.String("content", text))
		return true
	}

	if err := p.egress.Send(ctx, ev.Channel, text); err != nil {
		slog.Warn("response send failed", slog.Any("err", err), slog.String("channel", ev.Channel))
		return true
	}
	if err := p.store.StampUserCooldown(ctx, ev.Channel, ev.AuthorID, time.Now()); err != nil {
		slog.Warn("stamp user cooldown failed", slog.Any("err", err), slog.String("channel", ev.Channel))
	}
	p.recordMetric(ctx, ev.Channel, store.MetricResponseEmission)
	return true
}

func (p *Processor) trySpontaneous(ctx context.Context, channel string, st *channelstate.State, count int) {
	snap := st.Snapshot()

	if snap.ContextLimit == 0 {
		return
	}
	if count < snap.MessageThreshold {
		return
	}
	if snap.HasLastSpontaneousAt && time.Since(snap.LastSpontaneousAt) < snap.SpontaneousCooldown {
		return
	}

	available, err := p.store.CountRecent(ctx, channel)
	if err != nil {
		p.recordMetric(ctx, channel, store.MetricStoreUnavailable)
		return
	}
	if available < minSpontaneousContext {
		return
	}

	recent, err := p.recentContext(ctx, channel, snap.ContextLimit)
	if err != nil {
		p.recordMetric(ctx, channel, store.MetricStoreUnavailable)
		return
	}

	text, result, err := p.generator.GenerateSpontaneous(ctx, snap.ModelName, recent, snap.ContextLimit)
	if err != nil || result != generator.ResultOK {
		p.recordGeneratorFailure(ctx, channel, result)
		return
	}

	if p.filter.ClassifyOutput(text) == filter.Blocked {
		p.recordMetric(ctx, channel, store.MetricFilterBlockOutput)
		slog.Warn("blocked generated spontaneous message", slog.String("channel", channel), slog.String("content", text))
		return
	}

	if err := p.egress.Send(ctx, channel, text); err != nil {
		slog.Warn("spontaneous send failed", slog.Any("err", err), slog.String("channel", channel))
		return
	}
	now := time.Now()
	if err := st.StampLastSpontaneous(ctx, p.store, now); err != nil {
		slog.Warn("stamp last spontaneous failed", slog.Any("err", err), slog.String("channel", channel))
	}
	if err := st.ResetMessageCount(ctx, p.store); err != nil {
		slog.Warn("reset message count failed", slog.Any("err", err), slog.String("channel", channel))
	}
	p.recordMetric(ctx, channel, store.MetricSpontaneousEmission)
}

func (p *Processor) recentContext(ctx context.Context, channel string, limit int) ([]generator.ContextLine, error) {
	msgs, err := p.store.RecentMessages(ctx, channel, limit)
	if err != nil {
		return nil, err
	}
	lines := make([]generator.ContextLine, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, generator.ContextLine{DisplayName: m.DisplayName, Content: m.Content})
	}
	return lines, nil
}

func (p *Processor) recordGeneratorFailure(ctx context.Context, channel string, result generator.Result) {
	switch result {
	case generator.ResultInvalid:
		p.recordMetric(ctx, channel, store.MetricGeneratorInvalid)
	default:
		p.recordMetric(ctx, channel, store.MetricGeneratorUnavailable)
	}
}

func (p *Processor) recordMetric(ctx context.Context, channel string, kind store.MetricKind) {
	if err := p.store.RecordMetric(ctx, channel, kind, 1); err != nil {
		slog.Warn("record metric failed", slog.Any("err", err), slog.String("kind", string(kind)))
	}
}
