package adapters

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/mock"
)

type MockMQTTClient struct {
	mock.Mock
}

func (m *MockMQTTClient) IsConnected() bool {
	return m.Called().Bool(0)
}

func (m *MockMQTTClient) IsConnectionOpen() bool {
	return m.Called().Bool(0)
}

func (m *MockMQTTClient) Connect() mqtt.Token {
	return tokenArg(m.Called(), 0)
}

func (m *MockMQTTClient) Disconnect(quiesce uint) {
	m.Called(quiesce)
}

func (m *MockMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return tokenArg(m.Called(topic, qos, retained, payload), 0)
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return tokenArg(m.Called(topic, qos, callback), 0)
}

func (m *MockMQTTClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return tokenArg(m.Called(filters, callback), 0)
}

func (m *MockMQTTClient) Unsubscribe(topics ...string) mqtt.Token {
	return tokenArg(m.Called(topics), 0)
}

func (m *MockMQTTClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	m.Called(topic, callback)
}

func (m *MockMQTTClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

var _ mqtt.Client = &MockMQTTClient{}

func tokenArg(args mock.Arguments, index int) mqtt.Token {
	if tokenInt := args.Get(index); tokenInt != nil {
		return tokenInt.(mqtt.Token)
	}
	return nil
}

type MockToken struct {
	mock.Mock

	// neverDone makes Done block forever, for timeout tests.
	neverDone bool
}

func (m *MockToken) Wait() bool {
	return m.Called().Bool(0)
}

func (m *MockToken) WaitTimeout(d time.Duration) bool {
	return m.Called(d).Bool(0)
}

// Done returns an already-closed channel so timeout-guarded waits fall
// through to Error immediately, unless neverDone is set.
func (m *MockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !m.neverDone {
		close(ch)
	}
	return ch
}

func (m *MockToken) Error() error {
	return m.Called().Error(0)
}

var _ mqtt.Token = &MockToken{}
