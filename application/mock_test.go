package application

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockSTFClient struct {
	mock.Mock
}

func (m *MockSTFClient) FetchCSRF(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockSTFClient) Devices(ctx context.Context) ([]Device, error) {
	args := m.Called(ctx)

	var devices []Device
	if devInt := args.Get(0); devInt != nil {
		devices = devInt.([]Device)
	}
	return devices, args.Error(1)
}

func (m *MockSTFClient) DeviceLocation(ctx context.Context, device Device, active bool) (ResolvedLocation, error) {
	args := m.Called(ctx, device, active)

	var res ResolvedLocation
	if resInt := args.Get(0); resInt != nil {
		res = resInt.(ResolvedLocation)
	}
	return res, args.Error(1)
}

func (m *MockSTFClient) RingDevice(ctx context.Context, device Device) error {
	args := m.Called(ctx, device)
	return args.Error(0)
}

var _ STFClient = &MockSTFClient{}

type MockMQTTClient struct {
	mock.Mock
}

func (m *MockMQTTClient) Publish(topic string, qos byte, retained bool, msg any) error {
	args := m.Called(topic, qos, retained, msg)
	return args.Error(0)
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler func(msg MQTTMessage)) error {
	args := m.Called(topic, qos, handler)
	return args.Error(0)
}

func (m *MockMQTTClient) Connect() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockMQTTClient) IsConnected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockMQTTClient) Status() MQTTStatus {
	args := m.Called()
	return args.Get(0).(MQTTStatus)
}

var _ MQTTClient = &MockMQTTClient{}

type fakeMQTTMessage struct {
	topic   string
	payload []byte
}

func (f fakeMQTTMessage) Topic() string   { return f.topic }
func (f fakeMQTTMessage) Payload() []byte { return f.payload }
