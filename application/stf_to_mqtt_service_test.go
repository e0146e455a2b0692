package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testDevice(id, name, typeCode, subType string) Device {
	return Device{
		ID:       id,
		Name:     name,
		TypeCode: typeCode,
		SubType:  subType,
		UserID:   "user-1",
		Info: DeviceInfo{
			Manufacturer: "Samsung",
			Name:         name,
		},
	}
}

func resolvedFix(id string, lat, lon float64, date time.Time) ResolvedLocation {
	acc := 5.0
	return ResolvedLocation{
		DeviceID:      id,
		UpdateSuccess: true,
		LocationFound: true,
		UsedLocation: &Location{
			Latitude:    &lat,
			Longitude:   &lon,
			GPSAccuracy: &acc,
			GPSDate:     date,
		},
	}
}

func TestNewSTFToMQTTService(t *testing.T) {
	service, err := NewSTFToMQTTService(STFToMQTTServiceParams{
		STFClient:      &MockSTFClient{},
		MQTTClient:     &MockMQTTClient{},
		MQTTTopic:      "stfind",
		UpdateInterval: time.Minute,
	})
	require.NoError(t, err)
	require.NotNil(t, service)
}

func TestNewSTFToMQTTService_Validation(t *testing.T) {
	_, err := NewSTFToMQTTService(STFToMQTTServiceParams{
		MQTTClient: &MockMQTTClient{},
		MQTTTopic:  "stfind",
	})
	require.Error(t, err)

	_, err = NewSTFToMQTTService(STFToMQTTServiceParams{
		STFClient: &MockSTFClient{},
		MQTTTopic: "stfind",
	})
	require.Error(t, err)

	_, err = NewSTFToMQTTService(STFToMQTTServiceParams{
		STFClient:  &MockSTFClient{},
		MQTTClient: &MockMQTTClient{},
	})
	require.Error(t, err)
}

func TestNewSTFToMQTTService_ClampsUpdateInterval(t *testing.T) {
	service, err := NewSTFToMQTTService(STFToMQTTServiceParams{
		STFClient:      &MockSTFClient{},
		MQTTClient:     &MockMQTTClient{},
		MQTTTopic:      "stfind",
		UpdateInterval: time.Second,
	})
	require.NoError(t, err)

	svc := service.(*stfToMQTTService)
	assert.Equal(t, MinUpdateInterval, svc.params.UpdateInterval)
}

func TestSTFToMQTTService_Run_PublishesState(t *testing.T) {
	mSTF := &MockSTFClient{}
	mMQTT := &MockMQTTClient{}

	device := testDevice("dev1", "My SmartTag", DeviceTypeTag, "")
	gpsDate := time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC)
	res := resolvedFix("dev1", 52.52, 13.405, gpsDate)
	res.Operations = mustOps(t, `[{"oprnType": "CHECK_CONNECTION", "battery": "FULL"}]`)

	mSTF.On("FetchCSRF", mock.Anything).Return(nil).Once()
	mSTF.On("Devices", mock.Anything).Return([]Device{device}, nil).Once()
	mSTF.On("DeviceLocation", mock.Anything, device, true).Return(res, nil).Once()

	var statePayload []byte
	mMQTT.On("Publish", "stfind/dev1/info", byte(0), true, mock.Anything).Return(nil).Once()
	mMQTT.On("Publish", "stfind/dev1/availability", byte(0), true, "online").Return(nil).Once()
	mMQTT.On("Publish", "stfind/dev1/state", byte(0), true, mock.Anything).Run(func(args mock.Arguments) {
		statePayload = args.Get(3).([]byte)
	}).Return(nil).Once()

	subscribed := make(chan struct{})
	mMQTT.On("Subscribe", "stfind/+/ring", byte(0), mock.Anything).Run(func(args mock.Arguments) {
		close(subscribed)
	}).Return(nil).Once()

	service, err := NewSTFToMQTTService(STFToMQTTServiceParams{
		STFClient:           mSTF,
		MQTTClient:          mMQTT,
		MQTTTopic:           "stfind",
		UpdateInterval:      time.Minute,
		ActiveModeSmartTags: true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Run(ctx) }()

	select {
	case <-subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("service never finished its first sweep")
	}
	cancel()
	require.NoError(t, <-done)

	var state DeviceState
	require.NoError(t, json.Unmarshal(statePayload, &state))
	assert.Equal(t, "dev1", state.DeviceID)
	assert.Equal(t, "My SmartTag", state.Name)
	assert.True(t, state.LocationFound)
	require.NotNil(t, state.Latitude)
	assert.Equal(t, 52.52, *state.Latitude)
	require.NotNil(t, state.Battery)
	assert.Equal(t, 100, *state.Battery)
	require.NotNil(t, state.LastSeen)
	assert.True(t, state.LastSeen.Equal(gpsDate))

	results := service.Results()
	require.Contains(t, results, "dev1")
	assert.True(t, results["dev1"].UpdateSuccess)

	mSTF.AssertExpectations(t)
	mMQTT.AssertExpectations(t)
}

func TestSTFToMQTTService_AuthFailureAbortsCycle(t *testing.T) {
	mSTF := &MockSTFClient{}
	mMQTT := &MockMQTTClient{}

	dev1 := testDevice("dev1", "Phone", "PHONE", "")
	dev2 := testDevice("dev2", "Tag", DeviceTypeTag, "")

	mSTF.On("FetchCSRF", mock.Anything).Return(nil).Once()
	mSTF.On("Devices", mock.Anything).Return([]Device{dev1, dev2}, nil).Once()
	mSTF.On("DeviceLocation", mock.Anything, dev1, false).
		Return(ResolvedLocation{}, fmt.Errorf("session not valid anymore: %w", ErrAuthFailed)).Once()

	mMQTT.On("Publish", mock.Anything, byte(0), true, mock.Anything).Return(nil)

	service, err := NewSTFToMQTTService(STFToMQTTServiceParams{
		STFClient:      mSTF,
		MQTTClient:     mMQTT,
		MQTTTopic:      "stfind",
		UpdateInterval: time.Minute,
	})
	require.NoError(t, err)

	err = service.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthFailed))

	// The second device was never processed.
	mSTF.AssertNumberOfCalls(t, "DeviceLocation", 1)
	mSTF.AssertExpectations(t)
}

func TestSTFToMQTTService_AuthFailureOnLaterSweepStopsRun(t *testing.T) {
	mSTF := &MockSTFClient{}
	mMQTT := &MockMQTTClient{}

	device := testDevice("dev1", "My SmartTag", DeviceTypeTag, "")
	res := resolvedFix("dev1", 52.52, 13.405, time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC))

	mSTF.On("FetchCSRF", mock.Anything).Return(nil).Once()
	mSTF.On("Devices", mock.Anything).Return([]Device{device}, nil).Once()
	// First sweep succeeds; the session expires before the next tick.
	mSTF.On("DeviceLocation", mock.Anything, device, false).Return(res, nil).Once()
	mSTF.On("DeviceLocation", mock.Anything, device, false).
		Return(ResolvedLocation{}, fmt.Errorf("session not valid anymore: %w", ErrAuthFailed))

	mMQTT.On("Publish", mock.Anything, byte(0), true, mock.Anything).Return(nil)
	mMQTT.On("Subscribe", "stfind/+/ring", byte(0), mock.Anything).Return(nil).Once()

	service, err := NewSTFToMQTTService(STFToMQTTServiceParams{
		STFClient:      mSTF,
		MQTTClient:     mMQTT,
		MQTTTopic:      "stfind",
		UpdateInterval: time.Minute,
	})
	require.NoError(t, err)
	service.(*stfToMQTTService).params.UpdateInterval = 10 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- service.Run(context.Background()) }()

	// Run must unwind on its own, without the caller cancelling.
	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrAuthFailed))
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the session expired mid-run")
	}

	mSTF.AssertExpectations(t)
}

func TestSTFToMQTTService_UpdateFailureOnlyFailsDevice(t *testing.T) {
	mSTF := &MockSTFClient{}
	mMQTT := &MockMQTTClient{}

	dev1 := testDevice("dev1", "Phone", "PHONE", "")
	dev2 := testDevice("dev2", "Tag", DeviceTypeTag, "")

	mSTF.On("FetchCSRF", mock.Anything).Return(nil).Once()
	mSTF.On("Devices", mock.Anything).Return([]Device{dev1, dev2}, nil).Once()
	mSTF.On("DeviceLocation", mock.Anything, dev1, false).
		Return(ResolvedLocation{}, fmt.Errorf("boom")).Once()
	mSTF.On("DeviceLocation", mock.Anything, dev2, false).
		Return(resolvedFix("dev2", 52.52, 13.405, time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC)), nil).Once()

	mMQTT.On("Publish", "stfind/dev1/info", byte(0), true, mock.Anything).Return(nil).Once()
	mMQTT.On("Publish", "stfind/dev2/info", byte(0), true, mock.Anything).Return(nil).Once()
	mMQTT.On("Publish", "stfind/dev1/availability", byte(0), true, "offline").Return(nil).Once()
	mMQTT.On("Publish", "stfind/dev2/availability", byte(0), true, "online").Return(nil).Once()
	mMQTT.On("Publish", "stfind/dev2/state", byte(0), true, mock.Anything).Return(nil).Once()

	subscribed := make(chan struct{})
	mMQTT.On("Subscribe", "stfind/+/ring", byte(0), mock.Anything).Run(func(args mock.Arguments) {
		close(subscribed)
	}).Return(nil).Once()

	service, err := NewSTFToMQTTService(STFToMQTTServiceParams{
		STFClient:      mSTF,
		MQTTClient:     mMQTT,
		MQTTTopic:      "stfind",
		UpdateInterval: time.Minute,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Run(ctx) }()

	select {
	case <-subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("service never finished its first sweep")
	}
	cancel()
	require.NoError(t, <-done)

	results := service.Results()
	assert.False(t, results["dev1"].UpdateSuccess)
	assert.True(t, results["dev2"].UpdateSuccess)

	mSTF.AssertExpectations(t)
	mMQTT.AssertExpectations(t)
}

func TestSTFToMQTTService_DualUnitPublishesSubStates(t *testing.T) {
	mSTF := &MockSTFClient{}
	mMQTT := &MockMQTTClient{}

	device := testDevice("buds1", "My Buds", "", SubTypeDualUnit)
	res := resolvedFix("buds1", 52.52, 13.405, time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC))
	res.Operations = mustOps(t, `[
		{"oprnType": "OFFLINE_LOC", "encLocation": {
			"left": {"latitude": "52.1", "longitude": "13.1", "gpsUtcDt": "20240601100000"},
			"right": {"latitude": "52.2", "longitude": "13.2", "gpsUtcDt": "20240601100000"}
		}}
	]`)

	mSTF.On("FetchCSRF", mock.Anything).Return(nil).Once()
	mSTF.On("Devices", mock.Anything).Return([]Device{device}, nil).Once()
	mSTF.On("DeviceLocation", mock.Anything, device, false).Return(res, nil).Once()

	var leftPayload []byte
	mMQTT.On("Publish", "stfind/buds1/info", byte(0), true, mock.Anything).Return(nil).Once()
	mMQTT.On("Publish", "stfind/buds1/availability", byte(0), true, "online").Return(nil).Once()
	mMQTT.On("Publish", "stfind/buds1/state", byte(0), true, mock.Anything).Return(nil).Once()
	mMQTT.On("Publish", "stfind/buds1/left/state", byte(0), true, mock.Anything).Run(func(args mock.Arguments) {
		leftPayload = args.Get(3).([]byte)
	}).Return(nil).Once()
	mMQTT.On("Publish", "stfind/buds1/right/state", byte(0), true, mock.Anything).Return(nil).Once()

	subscribed := make(chan struct{})
	mMQTT.On("Subscribe", "stfind/+/ring", byte(0), mock.Anything).Run(func(args mock.Arguments) {
		close(subscribed)
	}).Return(nil).Once()

	service, err := NewSTFToMQTTService(STFToMQTTServiceParams{
		STFClient:      mSTF,
		MQTTClient:     mMQTT,
		MQTTTopic:      "stfind",
		UpdateInterval: time.Minute,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Run(ctx) }()

	select {
	case <-subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("service never finished its first sweep")
	}
	cancel()
	require.NoError(t, <-done)

	var left DeviceState
	require.NoError(t, json.Unmarshal(leftPayload, &left))
	assert.Equal(t, "buds1_left", left.DeviceID)
	assert.Equal(t, "My Buds Left", left.Name)
	require.NotNil(t, left.Latitude)
	assert.Equal(t, 52.1, *left.Latitude)
	assert.Nil(t, left.Battery)

	mSTF.AssertExpectations(t)
	mMQTT.AssertExpectations(t)
}

func TestSTFToMQTTService_RingCommand(t *testing.T) {
	mSTF := &MockSTFClient{}
	mMQTT := &MockMQTTClient{}

	device := testDevice("dev1", "My SmartTag", DeviceTypeTag, "")
	res := resolvedFix("dev1", 52.52, 13.405, time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC))

	mSTF.On("FetchCSRF", mock.Anything).Return(nil).Once()
	mSTF.On("Devices", mock.Anything).Return([]Device{device}, nil).Once()
	mSTF.On("DeviceLocation", mock.Anything, device, false).Return(res, nil).Once()

	rung := make(chan struct{})
	mSTF.On("RingDevice", mock.Anything, device).Run(func(args mock.Arguments) {
		close(rung)
	}).Return(nil).Once()

	mMQTT.On("Publish", mock.Anything, byte(0), true, mock.Anything).Return(nil)

	var ringHandler func(msg MQTTMessage)
	subscribed := make(chan struct{})
	mMQTT.On("Subscribe", "stfind/+/ring", byte(0), mock.Anything).Run(func(args mock.Arguments) {
		ringHandler = args.Get(2).(func(msg MQTTMessage))
		close(subscribed)
	}).Return(nil).Once()

	service, err := NewSTFToMQTTService(STFToMQTTServiceParams{
		STFClient:      mSTF,
		MQTTClient:     mMQTT,
		MQTTTopic:      "stfind",
		UpdateInterval: time.Minute,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Run(ctx) }()

	select {
	case <-subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("service never subscribed to the ring topic")
	}

	ringHandler(fakeMQTTMessage{topic: "stfind/dev1/ring"})

	select {
	case <-rung:
	case <-time.After(5 * time.Second):
		t.Fatal("ring request never reached the client")
	}
	cancel()
	require.NoError(t, <-done)

	mSTF.AssertExpectations(t)
	mMQTT.AssertExpectations(t)
}
