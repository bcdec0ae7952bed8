package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/models"
)

type memoryTransport struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
	err      error
	closed   bool
}

func (m *memoryTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = append(m.topics, topic)
	m.payloads = append(m.payloads, payload)
	return m.err
}

func (m *memoryTransport) Name() string { return "memory" }

func (m *memoryTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memoryTransport) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics)
}

func progressEvent(jobID string, progress int) models.Event {
	return models.Event{
		Type:    models.EventJobProgress,
		Payload: map[string]interface{}{"jobId": jobID, "progress": progress, "status": "running"},
	}
}

func TestService_PublishFansOutToHandlersAndTransports(t *testing.T) {
	transport := &memoryTransport{}
	service := NewService(arbor.NewLogger(), nil, transport)

	received := make(chan models.Event, 1)
	require.NoError(t, service.Subscribe(models.EventJobCompleted, func(ctx context.Context, event models.Event) error {
		received <- event
		return nil
	}))

	err := service.Publish(context.Background(), models.Event{
		Type:    models.EventJobCompleted,
		Payload: map[string]interface{}{"jobId": "job-1", "result": map[string]interface{}{"summary": "ok"}},
	})
	require.NoError(t, err)

	select {
	case event := <-received:
		assert.Equal(t, "job-1", event.JobID())
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("handler was not called")
	}

	require.NoError(t, service.Close())
	require.Equal(t, 1, transport.count())
	assert.Equal(t, "job_completed", transport.topics[0])
	assert.True(t, transport.closed)

	var decoded models.Event
	require.NoError(t, json.Unmarshal(transport.payloads[0], &decoded))
	assert.Equal(t, models.EventJobCompleted, decoded.Type)
	assert.Equal(t, "job-1", decoded.JobID())
}

func TestService_FailuresAreBestEffort(t *testing.T) {
	transport := &memoryTransport{err: errors.New("bus down")}
	service := NewService(arbor.NewLogger(), nil, transport)
	defer service.Close()

	require.NoError(t, service.Subscribe(models.EventJobFailed, func(ctx context.Context, event models.Event) error {
		panic("handler bug")
	}))

	event := models.Event{Type: models.EventJobFailed, Payload: map[string]interface{}{"jobId": "j", "error": "boom"}}
	assert.NoError(t, service.Publish(context.Background(), event), "async publish never reports delivery failures")
	assert.Error(t, service.PublishSync(context.Background(), event))
}

func TestService_PublishAfterCloseIsDropped(t *testing.T) {
	transport := &memoryTransport{}
	service := NewService(arbor.NewLogger(), nil, transport)
	require.NoError(t, service.Close())

	assert.NoError(t, service.Publish(context.Background(), progressEvent("j", 10)))
	assert.Equal(t, 0, transport.count())
}

func TestProgressThrottle(t *testing.T) {
	throttle := NewProgressThrottle(time.Hour, arbor.NewLogger())

	assert.True(t, throttle.Allow(progressEvent("a", 10)))
	assert.False(t, throttle.Allow(progressEvent("a", 20)), "second update inside the interval")
	assert.True(t, throttle.Allow(progressEvent("b", 20)), "jobs are throttled independently")
	assert.True(t, throttle.Allow(progressEvent("a", 100)), "completion progress always passes")
	assert.True(t, throttle.Allow(models.Event{Type: models.EventJobCreated, Payload: map[string]interface{}{"jobId": "a"}}))
	assert.Equal(t, 1, throttle.Dropped())

	assert.True(t, throttle.Allow(models.Event{Type: models.EventJobCompleted, Payload: map[string]interface{}{"jobId": "a"}}))
	assert.True(t, throttle.Allow(progressEvent("a", 30)), "terminal event resets tracking")

	open := NewProgressThrottle(0, arbor.NewLogger())
	assert.True(t, open.Allow(progressEvent("a", 1)))
	assert.True(t, open.Allow(progressEvent("a", 2)))
}

func TestService_ThrottlesProgressEvents(t *testing.T) {
	transport := &memoryTransport{}
	service := NewService(arbor.NewLogger(), NewProgressThrottle(time.Hour, arbor.NewLogger()), transport)

	for p := 10; p <= 60; p += 10 {
		require.NoError(t, service.Publish(context.Background(), progressEvent("job", p)))
	}
	require.NoError(t, service.Close())
	assert.Equal(t, 1, transport.count())
}

func TestWebSocketHub_BroadcastsToClients(t *testing.T) {
	hub := NewWebSocketHub(arbor.NewLogger())
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	payload := []byte(`{"type":"job_progress","payload":{"jobId":"j","progress":50}}`)
	require.NoError(t, hub.Publish(context.Background(), "job_progress", payload))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, messageType)
	assert.JSONEq(t, string(payload), string(data))

	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

type fakeRedis struct {
	mu       sync.Mutex
	channels []string
	messages []interface{}
	err      error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channel)
	f.messages = append(f.messages, message)

	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisTransport_PublishesPerTopicChannel(t *testing.T) {
	client := &fakeRedis{}
	transport := NewRedisTransportWithClient(client, "", arbor.NewLogger())

	require.NoError(t, transport.Publish(context.Background(), "job_created", []byte(`{"type":"job_created"}`)))
	assert.Equal(t, []string{"taskforge:events:job_created"}, client.channels)
	assert.Equal(t, []byte(`{"type":"job_created"}`), client.messages[0])

	client.err = errors.New("connection refused")
	assert.Error(t, transport.Publish(context.Background(), "job_failed", []byte(`{}`)))
}
