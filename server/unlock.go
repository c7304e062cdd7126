package server

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

const unlockHistoryLimit = 100

// UnlockEvent is one raw entry read from the OS audit log.
type UnlockEvent struct {
	EventID       uint32    `json:"event_id"`
	Source        string    `json:"source"`
	Description   string    `json:"description,omitempty"`
	StringInserts []string  `json:"string_inserts,omitempty"`
	SID           string    `json:"sid,omitempty"`
	Generated     time.Time `json:"generated"`

	// Filled in by the resolver after extraction.
	UserEmail string `json:"user_email,omitempty"`
	UserName  string `json:"user_name,omitempty"`
}

// UnlockIdentity is the most recent identity extracted from the event feed.
type UnlockIdentity struct {
	Email     string    `json:"user_email,omitempty"`
	Username  string    `json:"user_name,omitempty"`
	Generated time.Time `json:"generated"`
}

// Empty reports whether no usable identity was extracted.
func (id UnlockIdentity) Empty() bool { return id.Email == "" && id.Username == "" }

// EventSource yields batches of new audit-log events. Next returns an empty
// batch when nothing new has arrived; the resolver idles between polls
// instead of busy-looping.
type EventSource interface {
	Next(ctx context.Context) ([]UnlockEvent, error)
	Close() error
}

// SIDResolver maps a security identifier to an account name. Platform
// specific; nil on platforms without the facility.
type SIDResolver func(sid string) (string, error)

// Label:value patterns tried against the event description, in priority
// order: email-shaped values before bare usernames.
var unlockPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)User Name:\s*(\S+@\S+)`),
	regexp.MustCompile(`(?i)User Name:\s*(\S+)`),
	regexp.MustCompile(`(?i)User:\s*(\S+@\S+)`),
	regexp.MustCompile(`(?i)User:\s*(\S+)`),
	regexp.MustCompile(`(?i)Email:\s*(\S+@\S+)`),
}

// Resolver consumes the audit-log feed, extracts a user identity from each
// matching event, and maintains the current identity plus a bounded event
// history. Exactly one writer (the Run goroutine) mutates the state; request
// handlers read consistent snapshots under the lock.
type Resolver struct {
	mu      sync.RWMutex
	current UnlockIdentity
	events  []UnlockEvent

	source     string
	resolveSID SIDResolver
	logger     *slog.Logger
	pollDelay  time.Duration
}

// NewResolver constructs a resolver filtering on sourceName.
func NewResolver(sourceName string, resolveSID SIDResolver, logger *slog.Logger) *Resolver {
	return &Resolver{
		source:     sourceName,
		resolveSID: resolveSID,
		logger:     logger,
		pollDelay:  time.Second,
	}
}

// Current returns the latest extracted identity, or an empty identity when
// no matching event has been seen.
func (r *Resolver) Current() UnlockIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Events returns a copy of the retained event history, oldest first.
func (r *Resolver) Events() []UnlockEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]UnlockEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Apply extracts an identity from one event and replaces the shared state.
// Events from other sources are ignored. Last writer wins: a new event fully
// replaces the current identity, with no merging of partial records.
func (r *Resolver) Apply(ev UnlockEvent) bool {
	if ev.Source != r.source {
		return false
	}
	ev.UserEmail, ev.UserName = extractIdentity(ev, r.resolveSID)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = UnlockIdentity{
		Email:     ev.UserEmail,
		Username:  ev.UserName,
		Generated: ev.Generated,
	}
	r.events = append(r.events, ev)
	if len(r.events) > unlockHistoryLimit {
		r.events = r.events[len(r.events)-unlockHistoryLimit:]
	}
	return true
}

// Run polls the source until ctx is cancelled. The feed is append-only; an
// empty batch idles for pollDelay instead of spinning.
func (r *Resolver) Run(ctx context.Context, source EventSource) {
	defer source.Close()
	r.logger.Info("transparent unlock listener started", "source", r.source)
	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := source.Next(ctx)
		if err != nil {
			r.logger.Error("event source read failed", "error", err)
			return
		}
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.pollDelay):
			}
			continue
		}
		for _, ev := range batch {
			if r.Apply(ev) {
				user := ev.UserEmail
				if user == "" {
					user = ev.UserName
				}
				r.logger.Info("unlock event", "event_id", ev.EventID, "user", user)
			}
		}
	}
}

// extractIdentity pulls an email or bare username out of an event, trying in
// order: label:value patterns in the description, the structured string
// inserts, and finally a SID lookup skipping the well-known system account.
func extractIdentity(ev UnlockEvent, resolveSID SIDResolver) (email, username string) {
	for _, re := range unlockPatterns {
		if m := re.FindStringSubmatch(ev.Description); m != nil {
			v := strings.TrimSpace(m[1])
			if strings.Contains(v, "@") {
				return v, ""
			}
			return "", v
		}
	}

	for _, insert := range ev.StringInserts {
		insert = strings.TrimSpace(insert)
		if insert == "" {
			continue
		}
		if strings.Contains(insert, "@") {
			return insert, ""
		}
		if username == "" && len(insert) > 2 {
			username = insert
		}
	}
	if username != "" {
		return "", username
	}

	if ev.SID != "" && resolveSID != nil {
		account, err := resolveSID(ev.SID)
		if err == nil && account != "" && account != "SYSTEM" {
			return "", account
		}
	}
	return "", ""
}
