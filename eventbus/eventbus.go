// Package eventbus implements the in-process publish/subscribe bus the
// scheduler uses to report progress, failures, and lifecycle to external
// reporters: a console progress line, an OpenTelemetry tracer bridge, a
// build-event-protocol streamer. Each subscriber gets its own bounded
// buffer, so a slow sink holds up publication only once its buffer is
// full.
package eventbus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Kind classifies a lifecycle event.
type Kind int

const (
	BuildStarted Kind = iota
	TargetPatternExpanded
	ActionStarted
	ActionCompleted
	CacheHit
	TestSummary
	BuildComplete
	BuildInterrupted
)

func (k Kind) String() string {
	switch k {
	case BuildStarted:
		return "BuildStarted"
	case TargetPatternExpanded:
		return "TargetPatternExpanded"
	case ActionStarted:
		return "ActionStarted"
	case ActionCompleted:
		return "ActionCompleted"
	case CacheHit:
		return "CacheHit"
	case TestSummary:
		return "TestSummary"
	case BuildComplete:
		return "BuildComplete"
	case BuildInterrupted:
		return "BuildInterrupted"
	default:
		return "Unknown"
	}
}

// ID is a stable per-event identifier; Children names the IDs a consumer
// should consider descendants of this event when streaming a build-event
// protocol graph.
type ID string

// Event is one published occurrence.
type Event struct {
	ID       ID
	Kind     Kind
	Children []ID
	Time     time.Time

	// Fields relevant to a subset of Kinds; zero-valued when not
	// applicable to this event's Kind. Kept as a flat struct rather than
	// an `any` payload so subscribers can switch on Kind without a type
	// assertion per field.
	Mnemonic string
	Label    string
	Err      error
	ExitCode int
	CacheHit bool
	Message  string

	// Bytes is the total size of the outputs a cache hit reused, set on
	// CacheHit events only; used by ConsoleSubscriber to report a running
	// cache-hit byte total the way a progress line does.
	Bytes int64
}

// Subscriber receives events in publish order. Deliver must not block for
// long; the bus buffers per-subscriber, but a subscriber that never
// drains its buffer will eventually stall the bus.
type Subscriber interface {
	Deliver(e Event)
}

// SubscriberFunc adapts a plain function to Subscriber.
type SubscriberFunc func(Event)

func (f SubscriberFunc) Deliver(e Event) { f(e) }

// bufferedSub pairs a Subscriber with its own delivery goroutine and
// channel, so Publish never waits on a subscriber's processing.
type bufferedSub struct {
	sub Subscriber
	ch  chan Event
}

// Bus is the single-writer-per-event publisher. Multiple
// goroutines may call Publish concurrently; per-subscriber delivery order
// still matches each individual Publish call's issuance order because
// every subscriber's channel is an ordered FIFO.
type Bus struct {
	mu   sync.RWMutex
	subs []*bufferedSub
	next uint64
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers sub to receive every event published after this
// call, with its own bufferSize-deep backlog before Publish starts
// blocking on this one subscriber (a last-resort backpressure valve; a
// few hundred events is enough for any reporter that merely logs or
// updates a terminal line).
func (b *Bus) Subscribe(sub Subscriber, bufferSize int) (unsubscribe func()) {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	bs := &bufferedSub{sub: sub, ch: make(chan Event, bufferSize)}
	go func() {
		for e := range bs.ch {
			bs.sub.Deliver(e)
		}
	}()

	b.mu.Lock()
	b.subs = append(b.subs, bs)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == bs {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(bs.ch)
				return
			}
		}
	}
}

// nextID returns a monotonically increasing, process-unique event ID.
func (b *Bus) nextID() ID {
	b.mu.Lock()
	b.next++
	n := b.next
	b.mu.Unlock()
	return ID(itoa(n))
}

// Publish fans e out to every current subscriber, assigning e.ID and
// e.Time if unset. Publication itself never blocks on a subscriber: it
// only blocks if a subscriber's own backlog is already full, at which
// point the bus applies natural backpressure rather than dropping events
// (dropping a build-failure event silently would be worse than a stalled
// reporter).
func (b *Bus) Publish(ctx context.Context, e Event) ID {
	if e.ID == "" {
		e.ID = b.nextID()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	subs := make([]*bufferedSub, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, bs := range subs {
		select {
		case bs.ch <- e:
		case <-ctx.Done():
			slog.WarnContext(ctx, "eventbus: publish canceled before all subscribers drained", "kind", e.Kind)
			return e.ID
		}
	}
	return e.ID
}

// LogSubscriber is a Subscriber that logs every event through log/slog,
// the always-available fallback reporter.
type LogSubscriber struct{ Logger *slog.Logger }

func (l LogSubscriber) Deliver(e Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"kind", e.Kind.String(), "id", string(e.ID)}
	if e.Mnemonic != "" {
		attrs = append(attrs, "mnemonic", e.Mnemonic)
	}
	if e.Label != "" {
		attrs = append(attrs, "label", e.Label)
	}
	if e.CacheHit {
		attrs = append(attrs, "cache_hit", true)
	}
	if e.Err != nil {
		attrs = append(attrs, "error", e.Err)
		logger.Error("build event", attrs...)
		return
	}
	logger.Info("build event", attrs...)
}

// ConsoleSubscriber prints a running one-line build summary to an
// io.Writer, the way a terminal progress reporter does: a count of
// completed actions and the total bytes of outputs reused from cache hits
// (bytes of freshly executed outputs are not counted), flushed as a final line on BuildComplete. Byte totals are rendered with go-humanize so a large build
// reads as "212 MB" rather than a raw byte count, matching how duration
// and size values are reported across the rest of this tool's operator
// output.
type ConsoleSubscriber struct {
	out io.Writer

	mu         sync.Mutex
	started    time.Time
	actions    int
	cacheHits  int
	cacheBytes int64
}

// NewConsoleSubscriber returns a ConsoleSubscriber writing to out.
func NewConsoleSubscriber(out io.Writer) *ConsoleSubscriber {
	return &ConsoleSubscriber{out: out}
}

func (c *ConsoleSubscriber) Deliver(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.Kind {
	case BuildStarted:
		c.started = e.Time
	case CacheHit:
		c.actions++
		c.cacheHits++
		c.cacheBytes += e.Bytes
	case ActionCompleted:
		c.actions++
	case BuildComplete, BuildInterrupted:
		elapsed := time.Duration(0)
		if !c.started.IsZero() {
			elapsed = e.Time.Sub(c.started)
		}
		fmt.Fprintf(c.out, "%d actions, %s cache hit (%d actions) in %s\n",
			c.actions, humanize.Bytes(uint64(c.cacheBytes)), c.cacheHits, elapsed.Round(time.Millisecond))
	}
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
