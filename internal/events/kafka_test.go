package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mir00r/registry-gateway/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafkago.Message
	err      error
	closed   bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafkago.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func testEvent(t domain.EventType) domain.RegistryEvent {
	return domain.NewRegistryEvent(t, domain.ServiceInstance{
		ServiceName: "menu",
		InstanceID:  "A",
		Host:        "10.0.0.5",
		Port:        8080,
		Status:      domain.StatusUp,
		Lease:       10 * time.Second,
	}, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
}

// TestNewKafkaPublisherRequiresBrokers checks the broker list check
func TestNewKafkaPublisherRequiresBrokers(t *testing.T) {
	t.Parallel()

	_, err := NewKafkaPublisher(KafkaConfig{}, nil)
	assert.Error(t, err)

	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultTopic, p.topic)
	assert.Equal(t, "kafka", p.Name())
}

// TestKafkaPublisherPublishes checks key, headers and payload
func TestKafkaPublisherPublishes(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	p := newKafkaPublisher(w, "registry-events", nil)

	event := testEvent(domain.EventRegistered)
	event.Replaced = true
	require.NoError(t, p.Publish(context.Background(), event))

	require.Len(t, w.messages, 1)
	msg := w.messages[0]
	assert.Equal(t, "menu/A", string(msg.Key))
	assert.Equal(t, "REGISTERED", string(msg.Headers[0].Value))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "REGISTERED", decoded["type"])
	assert.Equal(t, true, decoded["replaced"])
	assert.NotEmpty(t, decoded["id"])
	instance := decoded["instance"].(map[string]interface{})
	assert.Equal(t, "menu", instance["serviceName"])
}

// TestKafkaPublisherSkipsRenewals checks that heartbeats stay off the topic
func TestKafkaPublisherSkipsRenewals(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	p := newKafkaPublisher(w, "registry-events", nil)

	for _, et := range []domain.EventType{
		domain.EventRenewed,
		domain.EventStatusChanged,
		domain.EventDeregistered,
		domain.EventExpired,
	} {
		require.NoError(t, p.Publish(context.Background(), testEvent(et)))
	}

	require.Len(t, w.messages, 3)
	assert.Equal(t, "STATUS_CHANGED", string(w.messages[0].Headers[0].Value))
}

// TestKafkaPublisherWriteError checks that writer failures are returned
func TestKafkaPublisherWriteError(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{err: errors.New("leader not available")}
	p := newKafkaPublisher(w, "registry-events", nil)

	err := p.Publish(context.Background(), testEvent(domain.EventExpired))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "menu/A")

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}
