package clients

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arc-framework/bootseq/internal/config"
	"arc-framework/bootseq/internal/sequencer"
)

type publishedMsg struct {
	subject string
	data    []byte
}

// fakeJS is a test double for jsContext. It records calls and returns
// preconfigured responses.
type fakeJS struct {
	mu sync.Mutex

	// streamInfoErr is keyed by stream name; a missing or nil entry means
	// the stream exists.
	streamInfoErr map[string]error

	addStreamErr    error
	updateStreamErr error
	publishErr      error

	addStreamCalls    []string
	updateStreamCalls []string
	addedConfigs      []*nats.StreamConfig
	published         []publishedMsg
}

func (f *fakeJS) StreamInfo(stream string, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	err, ok := f.streamInfoErr[stream]
	if !ok || err == nil {
		return &nats.StreamInfo{}, nil
	}
	return nil, err
}

func (f *fakeJS) AddStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addStreamCalls = append(f.addStreamCalls, cfg.Name)
	f.addedConfigs = append(f.addedConfigs, cfg)
	if f.addStreamErr == nil {
		delete(f.streamInfoErr, cfg.Name)
	}
	return &nats.StreamInfo{}, f.addStreamErr
}

func (f *fakeJS) UpdateStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateStreamCalls = append(f.updateStreamCalls, cfg.Name)
	return &nats.StreamInfo{}, f.updateStreamErr
}

func (f *fakeJS) Publish(subj string, data []byte, _ ...nats.PubOpt) (*nats.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.published = append(f.published, publishedMsg{subject: subj, data: data})
	return &nats.PubAck{Stream: DefaultEventStream}, nil
}

// makeNATSSink builds a NATSEventSink backed by the provided fakeJS and
// counts connections.
func makeNATSSink(js jsContext, cb *gobreaker.CircuitBreaker, dials *int) *NATSEventSink {
	return &NATSEventSink{
		url:    "nats://localhost:4222",
		stream: eventStream(""),
		cb:     cb,
		newJS: func(_ string) (jsContext, func(), error) {
			if dials != nil {
				*dials++
			}
			return js, func() {}, nil
		},
	}
}

// makeNATSSinkWithConnErr builds a NATSEventSink whose connection always fails.
func makeNATSSinkWithConnErr(connErr error, cb *gobreaker.CircuitBreaker) *NATSEventSink {
	return &NATSEventSink{
		url:    "nats://localhost:4222",
		stream: eventStream(""),
		cb:     cb,
		newJS: func(_ string) (jsContext, func(), error) {
			return nil, func() {}, connErr
		},
	}
}

func TestNewNATSEventSink(t *testing.T) {
	t.Parallel()

	sink := NewNATSEventSink(config.NATSConfig{URL: "nats://nats:4222", Stream: "CUSTOM"}, NewCircuitBreaker("new-nats-test"))

	assert.Equal(t, "nats://nats:4222", sink.url)
	assert.Equal(t, "CUSTOM", sink.stream.name)
	assert.Equal(t, []string{"bootseq.*.stage"}, sink.stream.subjects)
	assert.NotNil(t, sink.newJS)

	assert.Equal(t, DefaultEventStream, eventStream("").name)
}

func TestNATSEventSink_PublishProvisionsOnce(t *testing.T) {
	t.Parallel()

	js := &fakeJS{streamInfoErr: map[string]error{DefaultEventStream: nats.ErrStreamNotFound}}
	dials := 0
	sink := makeNATSSink(js, NewCircuitBreaker("publish-provision"), &dials)

	for _, stage := range []string{sequencer.StageContext, sequencer.StageDependencies} {
		err := sink.Publish(context.Background(), sequencer.Event{
			BuildID: "b-1",
			Stage:   stage,
			State:   sequencer.StateContextEstablished,
			Status:  sequencer.StatusOK,
			At:      time.Unix(1700000000, 0).UTC(),
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 1, dials, "connection is shared")
	assert.Equal(t, []string{DefaultEventStream}, js.addStreamCalls)
	require.Len(t, js.addedConfigs, 1)
	assert.Equal(t, nats.LimitsPolicy, js.addedConfigs[0].Retention)

	require.Len(t, js.published, 2)
	assert.Equal(t, "bootseq.b-1.stage", js.published[0].subject)

	var ev sequencer.Event
	require.NoError(t, json.Unmarshal(js.published[1].data, &ev))
	assert.Equal(t, sequencer.StageDependencies, ev.Stage)
	assert.Equal(t, "b-1", ev.BuildID)
}

func TestNATSEventSink_ProvisionExisting(t *testing.T) {
	t.Parallel()

	js := &fakeJS{}
	sink := makeNATSSink(js, NewCircuitBreaker("provision-existing"), nil)

	require.NoError(t, sink.ProvisionStream(context.Background()))
	assert.Empty(t, js.addStreamCalls)
	assert.Contains(t, js.updateStreamCalls, DefaultEventStream)
}

func TestNATSEventSink_AddStreamError(t *testing.T) {
	t.Parallel()

	js := &fakeJS{
		streamInfoErr: map[string]error{DefaultEventStream: nats.ErrStreamNotFound},
		addStreamErr:  errors.New("server unavailable"),
	}
	sink := makeNATSSink(js, NewCircuitBreaker("provision-add-err"), nil)

	err := sink.ProvisionStream(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server unavailable")
}

func TestNATSEventSink_PublishError(t *testing.T) {
	t.Parallel()

	js := &fakeJS{publishErr: errors.New("no responders")}
	sink := makeNATSSink(js, NewCircuitBreaker("publish-err"), nil)

	err := sink.Publish(context.Background(), sequencer.Event{BuildID: "b-1", Stage: "port"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no responders")
}

func TestNATSEventSink_CircuitBreakerOpensAfterThreeFailures(t *testing.T) {
	t.Parallel()

	sink := makeNATSSinkWithConnErr(errors.New("dial tcp: connection refused"), NewCircuitBreaker("publish-cb-open"))

	for i := 0; i < 3; i++ {
		err := sink.Publish(context.Background(), sequencer.Event{BuildID: "b", Stage: "context"})
		require.Error(t, err, "attempt %d should fail", i+1)
		assert.NotContains(t, err.Error(), "circuit open",
			"circuit should not be open yet on attempt %d", i+1)
	}

	err := sink.Publish(context.Background(), sequencer.Event{BuildID: "b", Stage: "context"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
}

func TestNATSProbe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		infoErr error
		connErr error
		wantOK  bool
		wantSub string
	}{
		{name: "stream exists", wantOK: true},
		{name: "stream not yet provisioned", infoErr: nats.ErrStreamNotFound, wantOK: true},
		{name: "stream info fails", infoErr: errors.New("timeout"), wantSub: "timeout"},
		{name: "connection refused", connErr: errors.New("connection refused"), wantSub: "connection refused"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cb := NewCircuitBreaker("nats-probe-" + tc.name)
			var sink *NATSEventSink
			if tc.connErr != nil {
				sink = makeNATSSinkWithConnErr(tc.connErr, cb)
			} else {
				sink = makeNATSSink(&fakeJS{streamInfoErr: map[string]error{DefaultEventStream: tc.infoErr}}, cb, nil)
			}

			result := sink.Probe(context.Background())

			assert.Equal(t, natsProbeName, result.Name)
			assert.Equal(t, tc.wantOK, result.OK)
			if tc.wantSub != "" {
				assert.Contains(t, result.Error, tc.wantSub)
			} else {
				assert.Empty(t, result.Error)
			}
		})
	}
}

func TestNATSEventSink_CloseWithoutConnection(t *testing.T) {
	t.Parallel()

	sink := makeNATSSink(&fakeJS{}, NewCircuitBreaker("close-noop"), nil)
	sink.Close()
	assert.Nil(t, sink.js)
}
