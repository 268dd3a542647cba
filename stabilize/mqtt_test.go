package stabilize

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMQTTClient_Disabled(t *testing.T) {
	client := NewMQTTClient(MQTTConfig{}, nil)
	assert.Nil(t, client)
}

func TestNewMQTTClient_Configured(t *testing.T) {
	client := NewMQTTClient(MQTTConfig{Broker: "tcp://localhost:1883", JobTopic: "lapse/jobs"}, nil)
	require.NotNil(t, client)
	assert.NotNil(t, client.Client())
	assert.False(t, client.IsConnected())
}

func TestMQTTClient_IsConnected(t *testing.T) {
	client := &MQTTClient{}
	assert.False(t, client.IsConnected(), "New client should not be connected")

	client.setConnected(true)
	assert.True(t, client.IsConnected())

	client.setConnected(false)
	assert.False(t, client.IsConnected())
}

// jobRecorder collects handler calls
type jobRecorder struct {
	mu   sync.Mutex
	jobs []*FrameJob
	errs []error
}

func (r *jobRecorder) handle(job *FrameJob, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	r.errs = append(r.errs, err)
}

func TestMQTTClient_ReceivesJobs(t *testing.T) {
	mock := NewMockClient()
	rec := &jobRecorder{}
	cfg := MQTTConfig{Broker: "tcp://mock", JobTopic: "lapse/jobs"}
	client := NewMQTTClientFrom(mock, cfg, rec.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)

	require.Eventually(t, client.IsConnected, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"lapse/jobs"}, mock.Subscriptions())

	payload, err := json.Marshal(sampleJob())
	require.NoError(t, err)
	assert.True(t, mock.SimulateMessage("lapse/jobs", payload))
	assert.True(t, mock.SimulateMessage("lapse/jobs", []byte(`{"frameId":""}`)))
	assert.False(t, mock.SimulateMessage("other/topic", payload))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.jobs, 2)
	assert.NoError(t, rec.errs[0])
	assert.Equal(t, "frame-0042", rec.jobs[0].FrameID)
	assert.Nil(t, rec.jobs[1])
	assert.Error(t, rec.errs[1])

	client.Disconnect()
	assert.False(t, client.IsConnected())
	assert.False(t, mock.IsConnected())
}

func TestMQTTClient_RetryStopsOnCancel(t *testing.T) {
	mock := NewMockClient()
	mock.Fail(OpConnect, errors.New("refused"))
	client := NewMQTTClientFrom(mock, MQTTConfig{Broker: "tcp://mock", JobTopic: "j"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		client.connectWithRetry(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connectWithRetry did not return after cancel")
	}
	assert.False(t, client.IsConnected())
}

func TestMockClient_PublishRequiresConnection(t *testing.T) {
	mock := NewMockClient()
	token := mock.Publish("t", 0, false, []byte("x"))
	assert.Error(t, token.Error())

	mock.SetConnected(true)
	token = mock.Publish("t", 1, true, "hello")
	assert.NoError(t, token.Error())

	msgs := mock.Messages("t")
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("hello"), msgs[0].Payload)
	assert.Equal(t, byte(1), msgs[0].QoS)

	mock.Fail(OpSubscribe, errors.New("denied"))
	assert.Error(t, mock.Subscribe("x", 0, nil).Error())
	mock.Fail(OpSubscribe, nil)
	assert.NoError(t, mock.Subscribe("x", 0, nil).Error())
	assert.Equal(t, []string{"x"}, mock.Subscriptions())
}
