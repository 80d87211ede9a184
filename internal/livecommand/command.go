// Package livecommand models the CMS live command stream.
// The transport that delivers commands — push connection, reconnection,
// heartbeating — is out of scope; this package only defines the typed
// commands and the sink the orchestrator drains them from. The stream
// is a latency optimization only: the periodic collection cycle is the
// correctness fallback, so no command is required for correctness.
package livecommand

import (
	"sync"

	"github.com/google/uuid"
)

// Kind enumerates the commands the CMS can push.
type Kind string

const (
	KindCollectNow        Kind = "collectNow"
	KindScreenshot        Kind = "screenshot"
	KindChangeLayout      Kind = "changeLayout"
	KindOverlayLayout     Kind = "overlayLayout"
	KindRevertToSchedule  Kind = "revertToSchedule"
	KindPurgeAll          Kind = "purgeAll"
	KindDataUpdate        Kind = "dataUpdate"
	KindRekey             Kind = "rekey"
)

// Command is one command delivered over the live stream. LayoutID is
// only meaningful for changeLayout and overlayLayout.
type Command struct {
	Kind     Kind
	LayoutID string
}

// Sink is the consumer-side boundary: the orchestrator reads commands
// from it. Implementations own reconnection and heartbeating.
type Sink interface {
	// Commands returns a channel of commands. It is closed when the
	// sink is permanently done (e.g. on shutdown).
	Commands() <-chan Command
}

// Subscription is an independent view of the live command stream, one
// per reader: subscribing never steals a command another subscriber is
// also waiting on.
type Subscription struct {
	ID      string
	Channel chan Command
}

// Publisher fans pushed commands out to every independent subscriber,
// modeled on the renderer's event publisher. It exists because more
// than one reader needs every command delivered to it independently —
// the orchestrator's own dispatch loop and, separately, a debug SSE
// relay — and a single shared channel would let whichever goroutine
// happened to be listening steal a command from the other.
type Publisher struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	bufferSize    int
}

// NewPublisher creates a publisher with the given per-subscriber
// channel buffer size.
func NewPublisher(bufferSize int) *Publisher {
	return &Publisher{
		subscriptions: make(map[string]*Subscription),
		bufferSize:    bufferSize,
	}
}

// Subscribe registers a new subscription.
func (p *Publisher) Subscribe() *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub := &Subscription{
		ID:      uuid.New().String(),
		Channel: make(chan Command, p.bufferSize),
	}
	p.subscriptions[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (p *Publisher) Unsubscribe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub, ok := p.subscriptions[id]; ok {
		close(sub.Channel)
		delete(p.subscriptions, id)
	}
}

// Publish broadcasts a command to every subscriber. Sends never block:
// a full subscriber channel drops the command, mirroring the
// fallback-poll tolerance of the command stream as a whole (no command
// is required for correctness).
func (p *Publisher) Publish(cmd Command) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, sub := range p.subscriptions {
		select {
		case sub.Channel <- cmd:
		default:
		}
	}
}

// ChannelSink is the Sink the orchestrator drains its primary command
// channel from. It is backed by a Publisher so any number of other
// independent readers (e.g. a debug SSE relay) can Subscribe to the
// same pushed commands without racing the orchestrator for them.
type ChannelSink struct {
	pub     *Publisher
	primary *Subscription
}

// NewChannelSink creates a ChannelSink with the given per-subscriber
// buffer size.
func NewChannelSink(bufferSize int) *ChannelSink {
	pub := NewPublisher(bufferSize)
	return &ChannelSink{pub: pub, primary: pub.Subscribe()}
}

// Commands implements Sink.
func (s *ChannelSink) Commands() <-chan Command {
	return s.primary.Channel
}

// Push delivers a command to every current subscriber, including the
// primary Sink channel. It never blocks. The returned bool reports
// whether the primary channel had room at the time of the call.
func (s *ChannelSink) Push(cmd Command) bool {
	full := len(s.primary.Channel) == cap(s.primary.Channel)
	s.pub.Publish(cmd)
	return !full
}

// Subscribe gives an independent reader its own view of every command
// pushed from now on.
func (s *ChannelSink) Subscribe() *Subscription {
	return s.pub.Subscribe()
}

// Unsubscribe ends an independent subscription created by Subscribe.
func (s *ChannelSink) Unsubscribe(sub *Subscription) {
	s.pub.Unsubscribe(sub.ID)
}

// Close permanently stops the sink's primary channel.
func (s *ChannelSink) Close() {
	s.pub.Unsubscribe(s.primary.ID)
}
