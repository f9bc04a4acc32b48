package worker_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"lorebase/features/kb"
	"lorebase/internal/pipeline"
	"lorebase/internal/worker"
)

type MockDispatcher struct{ mock.Mock }

func (m *MockDispatcher) Dispatch(runID, ownerID string) error {
	args := m.Called(runID, ownerID)
	return args.Error(0)
}

func TestDispatchConsumer_HandleMessage(t *testing.T) {
	d := new(MockDispatcher)
	consumer := worker.NewDispatchConsumer(d)

	payload := kb.DispatchPayload{
		RunID:         "run-1",
		KBID:          "kb-1",
		OwnerID:       "owner-1",
		CorrelationID: "corr-1",
	}
	body, _ := json.Marshal(payload)

	d.On("Dispatch", "run-1", "owner-1").Return(nil)

	err := consumer.HandleMessage(&nsq.Message{Body: body})
	assert.NoError(t, err)
	d.AssertExpectations(t)
}

func TestDispatchConsumer_PoisonPill(t *testing.T) {
	d := new(MockDispatcher)
	consumer := worker.NewDispatchConsumer(d)

	err := consumer.HandleMessage(&nsq.Message{Body: []byte("invalid json")})
	assert.NoError(t, err) // Should return nil (ack)
	d.AssertNotCalled(t, "Dispatch")
}

func TestDispatchConsumer_EmptyBody(t *testing.T) {
	d := new(MockDispatcher)
	consumer := worker.NewDispatchConsumer(d)

	err := consumer.HandleMessage(&nsq.Message{Body: nil})
	assert.NoError(t, err)
	d.AssertNotCalled(t, "Dispatch")
}

func TestDispatchConsumer_MissingRunID(t *testing.T) {
	d := new(MockDispatcher)
	consumer := worker.NewDispatchConsumer(d)

	body, _ := json.Marshal(kb.DispatchPayload{KBID: "kb-1"})
	err := consumer.HandleMessage(&nsq.Message{Body: body})
	assert.NoError(t, err)
	d.AssertNotCalled(t, "Dispatch")
}

func TestDispatchConsumer_OwnerBusyRequeues(t *testing.T) {
	d := new(MockDispatcher)
	consumer := worker.NewDispatchConsumer(d)

	body, _ := json.Marshal(kb.DispatchPayload{RunID: "run-1", OwnerID: "owner-1"})
	d.On("Dispatch", "run-1", "owner-1").Return(pipeline.ErrOwnerBusy)

	err := consumer.HandleMessage(&nsq.Message{Body: body})
	assert.ErrorIs(t, err, pipeline.ErrOwnerBusy)
}

func TestDispatchConsumer_DispatchErrorRetries(t *testing.T) {
	d := new(MockDispatcher)
	consumer := worker.NewDispatchConsumer(d)

	body, _ := json.Marshal(kb.DispatchPayload{RunID: "run-1", OwnerID: "owner-1"})
	d.On("Dispatch", "run-1", "owner-1").Return(errors.New("pool closed"))

	err := consumer.HandleMessage(&nsq.Message{Body: body})
	assert.Error(t, err)
}
