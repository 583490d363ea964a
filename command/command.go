// Package command parses and executes the "!clank <key> [value]" in-chat
// configuration surface. It never talks to chat directly; it returns the
// text to send and lets the caller (Processor) push it through the standard
// egress path.
package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clank-bot/clank/channelstate"
	"github.com/clank-bot/clank/generator"
	"github.com/clank-bot/clank/store"
)

const prefix = "!clank"

const resetConfirmWindow = 60 * time.Second

// Range bounds for the set-form of numeric keys.
const (
	minThreshold, maxThreshold           = 5, 200
	minSpontaneousS, maxSpontaneousS     = 60, 3600
	minResponseS, maxResponseS           = 10, 1800
	minContext, maxContext               = 50, 500
)

// Sender describes the privilege-relevant identity of a command's author.
type Sender struct {
	UserID      string
	DisplayName string
	Broadcaster bool
	Moderator   bool
}

func (s Sender) privileged() bool {
	return s.Broadcaster || s.Moderator
}

// Handler executes parsed commands against Channel State and Store. It holds
// the pending-reset bookkeeping ("reset" must be confirmed by the same user
// within resetConfirmWindow).
type Handler struct {
	store     store.Store
	generator *generator.Client
	defaults  store.Defaults

	mu            sync.Mutex
	pendingResets map[string]pendingReset // channel -> pending reset
}

type pendingReset struct {
	userID string
	at     time.Time
}

// New constructs a command Handler.
func New(st store.Store, gen *generator.Client, defaults store.Defaults) *Handler {
	return &Handler{
		store:         st,
		generator:     gen,
		defaults:      defaults,
		pendingResets: make(map[string]pendingReset),
	}
}

// Parse reports whether content is a "!clank" command, and if so, its key and
// raw (possibly empty) value argument.
func Parse(content string) (key, value string, ok bool) {
	fields := strings.Fields(content)
	if len(fields) == 0 || !strings.EqualFold(fields[0], prefix) {
		return "", "", false
	}
	if len(fields) == 1 {
		return "", "", false
	}
	key = strings.ToLower(fields[1])
	value = strings.Join(fields[2:], " ")
	return key, value, true
}

// Execute runs a parsed command. Non-privileged senders produce no reply at
// all (the caller should drop the event silently); the empty string signals
// that.
func (h *Handler) Execute(ctx context.Context, channel string, sender Sender, key, value string, st *channelstate.State) string {
	if !sender.privileged() {
		return ""
	}

	switch key {
	case "threshold":
		return h.numericField(ctx, st, key, value, store.FieldMessageThreshold, minThreshold, maxThreshold, false)
	case "spontaneous":
		return h.numericField(ctx, st, key, value, store.FieldSpontaneousCooldown, minSpontaneousS, maxSpontaneousS, true)
	case "response":
		return h.numericField(ctx, st, key, value, store.FieldResponseCooldown, minResponseS, maxResponseS, true)
	case "context":
		return h.numericField(ctx, st, key, value, store.FieldContextLimit, minContext, maxContext, false)
	case "model":
		return h.modelField(ctx, st, value)
	case "models":
		return h.listModels(ctx)
	case "status":
		return h.status(st)
	case "reset":
		return h.reset(ctx, channel, sender, value, st)
	default:
		return fmt.Sprintf("unknown clank key %q", key)
	}
}

func (h *Handler) numericField(ctx context.Context, st *channelstate.State, key, value string, field store.ConfigField, min, max int, isSeconds bool) string {
	snap := st.Snapshot()
	if value == "" {
		switch field {
		case store.FieldMessageThreshold:
			return fmt.Sprintf("%s = %d", key, snap.MessageThreshold)
		case store.FieldSpontaneousCooldown:
			return fmt.Sprintf("%s = %ds", key, int(snap.SpontaneousCooldown.Seconds()))
		case store.FieldResponseCooldown:
			return fmt.Sprintf("%s = %ds", key, int(snap.ResponseCooldown.Seconds()))
		case store.FieldContextLimit:
			return fmt.Sprintf("%s = %d", key, snap.ContextLimit)
		}
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Sprintf("invalid value for %s: must be an integer", key)
	}
	if n < min || n > max {
		return fmt.Sprintf("invalid value for %s: must be between %d and %d", key, min, max)
	}

	if err := st.SetField(ctx, h.store, field, n); err != nil {
		return fmt.Sprintf("failed to update %s: try again shortly", key)
	}
	if isSeconds {
		return fmt.Sprintf("%s set to %ds", key, n)
	}
	return fmt.Sprintf("%s set to %d", key, n)
}

func (h *Handler) modelField(ctx context.Context, st *channelstate.State, value string) string {
	snap := st.Snapshot()
	if value == "" {
		if snap.ModelName == "" {
			return "model = (default)"
		}
		return fmt.Sprintf("model = %s", snap.ModelName)
	}

	if strings.EqualFold(value, "default") {
		if err := st.SetField(ctx, h.store, store.FieldModelName, ""); err != nil {
			return "failed to update model: try again shortly"
		}
		return "model reset to default"
	}

	models, err := h.generator.ListModels(ctx)
	if err != nil {
		return "cannot validate model: generator is unavailable"
	}
	found := false
	for _, m := range models {
		if m == value {
			found = true
			break
		}
	}
	if !found {
		return fmt.Sprintf("invalid model %q: not in generator catalog", value)
	}
	if err := st.SetField(ctx, h.store, store.FieldModelName, value); err != nil {
		return "failed to update model: try again shortly"
	}
	return fmt.Sprintf("model set to %s", value)
}

func (h *Handler) listModels(ctx context.Context) string {
	models, err := h.generator.ListModels(ctx)
	if err != nil {
		return "generator is unavailable"
	}
	if len(models) == 0 {
		return "no models available"
	}
	return "available models: " + strings.Join(models, ", ")
}

func (h *Handler) status(st *channelstate.State) string {
	snap := st.Snapshot()
	model := snap.ModelName
	if model == "" {
		model = "(default)"
	}
	return fmt.Sprintf(
		"threshold=%d spontaneous=%ds response=%ds context=%d model=%s messages_seen=%d",
		snap.MessageThreshold, int(snap.SpontaneousCooldown.Seconds()), int(snap.ResponseCooldown.Seconds()),
		snap.ContextLimit, model, snap.MessageCount,
	)
}

func (h *Handler) reset(ctx context.Context, channel string, sender Sender, value string, st *channelstate.State) string {
	if !strings.EqualFold(strings.TrimSpace(value), "confirm") {
		h.mu.Lock()
		h.pendingResets[channel] = pendingReset{userID: sender.UserID, at: time.Now()}
		h.mu.Unlock()
		return "this restores default settings for this channel. Reply with \"!clank reset confirm\" within 60 seconds to proceed"
	}

	h.mu.Lock()
	pending, ok := h.pendingResets[channel]
	if ok && pending.userID == sender.UserID {
		delete(h.pendingResets, channel)
	}
	h.mu.Unlock()

	if !ok || pending.userID != sender.UserID || time.Since(pending.at) > resetConfirmWindow {
		return "no pending reset for you on this channel. Run \"!clank reset\" first"
	}

	if err := st.SetField(ctx, h.store, store.FieldMessageThreshold, h.defaults.MessageThreshold); err != nil {
		return "reset failed: try again shortly"
	}
	if err := st.SetField(ctx, h.store, store.FieldSpontaneousCooldown, int(h.defaults.SpontaneousCooldown.Seconds())); err != nil {
		return "reset failed: try again shortly"
	}
	if err := st.SetField(ctx, h.store, store.FieldResponseCooldown, int(h.defaults.ResponseCooldown.Seconds())); err != nil {
		return "reset failed: try again shortly"
	}
	if err := st.SetField(ctx, h.store, store.FieldContextLimit, h.defaults.ContextLimit); err != nil {
		return "reset failed: try again shortly"
	}
	if err := st.SetField(ctx, h.store, store.FieldModelName, ""); err != nil {
		return "reset failed: try again shortly"
	}
	return "channel settings restored to defaults"
}
