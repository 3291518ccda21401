package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"

	"arc-framework/bootseq/internal/config"
	"arc-framework/bootseq/internal/sequencer"
)

const (
	natsProbeName = "nats"

	// DefaultEventStream is used when the config leaves the stream name empty.
	DefaultEventStream = "BOOTSEQ_EVENTS"
)

// streamSpec describes the JetStream stream stage events are written to.
type streamSpec struct {
	name      string
	subjects  []string
	retention nats.RetentionPolicy
	maxAge    time.Duration
}

func eventStream(name string) streamSpec {
	if name == "" {
		name = DefaultEventStream
	}
	return streamSpec{
		name:      name,
		subjects:  []string{"bootseq.*.stage"},
		retention: nats.LimitsPolicy,
		maxAge:    7 * 24 * time.Hour,
	}
}

// eventSubject is the subject one build's stage events are published on.
func eventSubject(buildID string) string {
	return "bootseq." + buildID + ".stage"
}

// jsContext is the subset of nats.JetStreamContext used here. Defining an
// interface allows test doubles to be injected without a live NATS server.
type jsContext interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSEventSink publishes stage transition events to JetStream. It
// satisfies sequencer.EventSink.
type NATSEventSink struct {
	url    string
	stream streamSpec
	cb     *gobreaker.CircuitBreaker
	newJS  func(url string) (jsContext, func(), error)

	mu      sync.Mutex
	js      jsContext
	cleanup func()
}

// NewNATSEventSink constructs the sink. The connection is opened and the
// stream provisioned on the first Publish.
func NewNATSEventSink(cfg config.NATSConfig, cb *gobreaker.CircuitBreaker) *NATSEventSink {
	return &NATSEventSink{
		url:    cfg.URL,
		stream: eventStream(cfg.Stream),
		cb:     cb,
		newJS:  realNewJS,
	}
}

// ProvisionStream creates the event stream or updates it in place. It is
// idempotent and wrapped in the circuit breaker.
func (c *NATSEventSink) ProvisionStream(_ context.Context) error {
	_, err := c.cb.Execute(func() (any, error) {
		js, err := c.conn()
		if err != nil {
			return nil, err
		}
		return nil, provisionStream(js, c.stream)
	})
	return breakerErr(err)
}

// Publish writes one event. The message ID is derived from the build and
// stage, so a retried publish is deduplicated by the server.
func (c *NATSEventSink) Publish(ctx context.Context, ev sequencer.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	_, err = c.cb.Execute(func() (any, error) {
		js, err := c.conn()
		if err != nil {
			return nil, err
		}
		_, err = js.Publish(eventSubject(ev.BuildID), data,
			nats.Context(ctx),
			nats.MsgId(ev.BuildID+"."+ev.Stage),
		)
		if err != nil {
			return nil, fmt.Errorf("publishing %s event: %w", ev.Stage, err)
		}
		return nil, nil
	})
	return breakerErr(err)
}

// conn returns the shared JetStream context, connecting and provisioning the
// stream on first use.
func (c *NATSEventSink) conn() (jsContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.js != nil {
		return c.js, nil
	}

	js, cleanup, err := c.newJS(c.url)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	if err := provisionStream(js, c.stream); err != nil {
		cleanup()
		return nil, err
	}
	c.js, c.cleanup = js, cleanup
	return js, nil
}

// Close drains the shared connection, if one was opened.
func (c *NATSEventSink) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleanup != nil {
		c.cleanup()
	}
	c.js, c.cleanup = nil, nil
}

// Probe verifies NATS connectivity on a dedicated connection. A missing
// stream is not a failure; it is provisioned on first publish.
func (c *NATSEventSink) Probe(_ context.Context) sequencer.ProbeResult {
	start := time.Now()

	_, err := c.cb.Execute(func() (any, error) {
		js, cleanup, err := c.newJS(c.url)
		if err != nil {
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		defer cleanup()

		_, infoErr := js.StreamInfo(c.stream.name)
		if infoErr != nil && !errors.Is(infoErr, nats.ErrStreamNotFound) {
			return nil, fmt.Errorf("stream info: %w", infoErr)
		}
		return nil, nil
	})

	return probeResult(natsProbeName, start, err)
}

// provisionStream creates the stream if it does not exist, or updates it if it
// does. nats.ErrStreamNotFound signals "create"; any other error is returned.
func provisionStream(js jsContext, spec streamSpec) error {
	cfg := &nats.StreamConfig{
		Name:      spec.name,
		Subjects:  spec.subjects,
		Retention: spec.retention,
		MaxAge:    spec.maxAge,
	}

	_, err := js.StreamInfo(spec.name)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, addErr := js.AddStream(cfg); addErr != nil {
			return fmt.Errorf("creating stream %s: %w", spec.name, addErr)
		}
	case err != nil:
		return fmt.Errorf("querying stream %s: %w", spec.name, err)
	default:
		if _, updErr := js.UpdateStream(cfg); updErr != nil {
			return fmt.Errorf("updating stream %s: %w", spec.name, updErr)
		}
	}
	return nil
}

// realNewJS opens a real NATS connection and returns a JetStreamContext plus a
// cleanup function that closes the connection.
func realNewJS(url string) (jsContext, func(), error) {
	nc, err := nats.Connect(url, nats.Name("bootseq"))
	if err != nil {
		return nil, func() {}, fmt.Errorf("nats connect %s: %w", url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, func() {}, fmt.Errorf("nats jetstream context: %w", err)
	}

	return js, func() { nc.Close() }, nil
}
