package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"liyu1981.xyz/agri-telemetry-service/pkg/common"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
	"liyu1981.xyz/agri-telemetry-service/pkg/training/mocks"
)

var rng = models.DateRange{
	From: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	To:   time.Date(2026, 5, 30, 0, 0, 0, 0, time.UTC),
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "t1", Queue: QueueTraining, Type: task.Type()}, nil
}

func TestNewRetrainTask(t *testing.T) {
	task, err := NewRetrainTask("F1", rng)
	require.NoError(t, err)
	assert.Equal(t, TypeRetrainFarm, task.Type())

	var p RetrainPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, "F1", p.FarmID)
	assert.True(t, rng.From.Equal(p.Range().From))
	assert.True(t, rng.To.Equal(p.Range().To))
	assert.Equal(t, "training:retrain:F1:2026-05-30", retrainTaskID("F1", rng))
}

func TestProducerEnqueues(t *testing.T) {
	common.SetTestLoggerNop()
	q := &fakeEnqueuer{}
	_, err := NewProducer(q).RunFarm(context.Background(), "F1", rng)
	require.NoError(t, err)
	require.Len(t, q.tasks, 1)
	assert.Equal(t, TypeRetrainFarm, q.tasks[0].Type())
}

func TestProducerErrors(t *testing.T) {
	common.SetTestLoggerNop()

	_, err := NewProducer(&fakeEnqueuer{err: asynq.ErrTaskIDConflict}).RunFarm(context.Background(), "F1", rng)
	assert.NoError(t, err)

	boom := errors.New("redis down")
	_, err = NewProducer(&fakeEnqueuer{err: boom}).RunFarm(context.Background(), "F1", rng)
	assert.ErrorIs(t, err, boom)
}

func TestHandleRetrain(t *testing.T) {
	common.SetTestLoggerNop()
	ctrl := gomock.NewController(t)
	runner := mocks.NewMockFarmRunner(ctrl)
	handler := HandleRetrain(runner)
	task, err := NewRetrainTask("F1", rng)
	require.NoError(t, err)

	runner.EXPECT().RunFarm(gomock.Any(), "F1", gomock.Any()).Return(models.TrainingJob{TrainingID: "job", OK: true}, nil)
	assert.NoError(t, handler(context.Background(), task))

	runner.EXPECT().RunFarm(gomock.Any(), "F1", gomock.Any()).Return(models.TrainingJob{}, models.ErrInsufficientData)
	err = handler(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	runner.EXPECT().RunFarm(gomock.Any(), "F1", gomock.Any()).Return(models.TrainingJob{}, models.ErrTrainingSubmissionFailed)
	err = handler(context.Background(), task)
	assert.ErrorIs(t, err, models.ErrTrainingSubmissionFailed)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleRetrainBadPayload(t *testing.T) {
	ctrl := gomock.NewController(t)
	handler := HandleRetrain(mocks.NewMockFarmRunner(ctrl))

	err := handler(context.Background(), asynq.NewTask(TypeRetrainFarm, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = handler(context.Background(), asynq.NewTask(TypeRetrainFarm, []byte(`{}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestServeMuxRoutesRetrain(t *testing.T) {
	common.SetTestLoggerNop()
	ctrl := gomock.NewController(t)
	runner := mocks.NewMockFarmRunner(ctrl)
	runner.EXPECT().RunFarm(gomock.Any(), "F2", gomock.Any()).Return(models.TrainingJob{OK: true}, nil)

	task, err := NewRetrainTask("F2", rng)
	require.NoError(t, err)
	assert.NoError(t, NewServeMux(runner).ProcessTask(context.Background(), task))
}
