package notify

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"
)

// DefaultCooldown is the minimum gap between repeat alerts for the same
// bin and event.
const DefaultCooldown = 6 * time.Hour

// Notifier renders and delivers fleet alerts with per-bin cooldown. Repeat
// alerts inside the cooldown window are dropped, not queued.
type Notifier struct {
	channel  Channel
	template *Template
	cooldown time.Duration
	logger   *log.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithCooldown overrides the repeat-alert suppression window.
func WithCooldown(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.cooldown = d
		}
	}
}

// WithClock overrides the time source. Tests use this.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) {
		if now != nil {
			n.now = now
		}
	}
}

// NewNotifier constructs a notifier.
func NewNotifier(channel Channel, tpl *Template, logger *log.Logger, opts ...Option) (*Notifier, error) {
	if channel == nil {
		return nil, errors.New("notify: nil channel")
	}
	if tpl == nil {
		return nil, errors.New("notify: nil template")
	}
	if logger == nil {
		logger = log.Default()
	}
	n := &Notifier{
		channel:  channel,
		template: tpl,
		cooldown: DefaultCooldown,
		logger:   logger,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// DeviceOffline alerts that a bin stopped reporting.
func (n *Notifier) DeviceOffline(ctx context.Context, deviceID string, lastSeen time.Time) {
	seen := "never"
	if !lastSeen.IsZero() {
		seen = lastSeen.UTC().Format(time.RFC3339)
	}
	n.send(ctx, "BIN OFFLINE", deviceID, seen, "no telemetry or heartbeat within the offline timeout")
}

// BinFull alerts that a bin crossed the full threshold.
func (n *Notifier) BinFull(ctx context.Context, deviceID string, fillPct float64, at time.Time) {
	n.send(ctx, "BIN FULL", deviceID, at.UTC().Format(time.RFC3339), "reported fill "+formatPct(fillPct))
}

func (n *Notifier) send(ctx context.Context, event, deviceID, lastSeen, detail string) {
	if n == nil {
		return
	}
	key := event + "|" + deviceID
	now := n.now().UTC()

	n.mu.Lock()
	if sent, ok := n.lastSent[key]; ok && now.Sub(sent) < n.cooldown {
		n.mu.Unlock()
		return
	}
	n.lastSent[key] = now
	n.mu.Unlock()

	message, err := n.template.Render(TemplateData{
		Event:    event,
		BinID:    deviceID,
		LastSeen: lastSeen,
		Detail:   detail,
	})
	if err != nil {
		n.logger.Printf("notify: render error: event=%s device=%s err=%v", event, deviceID, err)
		return
	}
	if err := n.channel.Send(ctx, message); err != nil {
		n.logger.Printf("notify: send error: event=%s device=%s err=%v", event, deviceID, err)
		n.mu.Lock()
		delete(n.lastSent, key)
		n.mu.Unlock()
	}
}

func formatPct(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64) + "%"
}
