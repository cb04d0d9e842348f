package publish

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/pixels-central/internal/syncutil"
)

// mockMQTTClient implements mqtt.Client for testing
type mockMQTTClient struct {
	connectError   error
	publishError   error
	publishedMsgs  []publishedMessage
	disconnectCall int
	connected      bool
	mu             syncutil.Mutex
}

type publishedMessage struct {
	payload  any
	topic    string
	qos      byte
	retained bool
}

func newMockMQTTClient() *mockMQTTClient {
	return &mockMQTTClient{publishedMsgs: make([]publishedMessage, 0)}
}

func (m *mockMQTTClient) published() []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]publishedMessage(nil), m.publishedMsgs...)
}

func (m *mockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockMQTTClient) IsConnectionOpen() bool {
	return m.IsConnected()
}

func (m *mockMQTTClient) Connect() mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectError != nil {
		return &mockToken{err: m.connectError}
	}
	m.connected = true
	return &mockToken{complete: true}
}

func (m *mockMQTTClient) Disconnect(_ uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.disconnectCall++
}

func (m *mockMQTTClient) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	if m.publishError != nil {
		return &mockToken{err: m.publishError}
	}
	m.mu.Lock()
	m.publishedMsgs = append(m.publishedMsgs, publishedMessage{
		topic:    topic,
		qos:      qos,
		retained: retained,
		payload:  payload,
	})
	m.mu.Unlock()
	return &mockToken{complete: true}
}

func (*mockMQTTClient) Subscribe(_ string, _ byte, _ mqtt.MessageHandler) mqtt.Token {
	return &mockToken{complete: true}
}

func (*mockMQTTClient) SubscribeMultiple(_ map[string]byte, _ mqtt.MessageHandler) mqtt.Token {
	return &mockToken{complete: true}
}

func (*mockMQTTClient) Unsubscribe(_ ...string) mqtt.Token {
	return &mockToken{complete: true}
}

func (*mockMQTTClient) AddRoute(_ string, _ mqtt.MessageHandler) {}

func (*mockMQTTClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

type mockToken struct {
	err      error
	complete bool
}

func (*mockToken) Wait() bool { return true }

func (t *mockToken) WaitTimeout(_ time.Duration) bool { return t.complete }

func (*mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (t *mockToken) Error() error { return t.err }
