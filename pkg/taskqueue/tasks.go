// Package taskqueue moves per-farm retraining onto asynq workers.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"liyu1981.xyz/agri-telemetry-service/pkg/common"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
	"liyu1981.xyz/agri-telemetry-service/pkg/training"
)

const (
	TypeRetrainFarm = "training:retrain"

	QueueTraining = "training"
)

type RetrainPayload struct {
	FarmID string    `json:"farmId"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
}

func (p RetrainPayload) Range() models.DateRange {
	return models.DateRange{From: p.From, To: p.To}
}

// retrainTaskID collapses repeated enqueues of the same farm on the same day.
func retrainTaskID(farmID string, rng models.DateRange) string {
	return fmt.Sprintf("%s:%s:%s", TypeRetrainFarm, farmID, rng.To.UTC().Format("2006-01-02"))
}

func NewRetrainTask(farmID string, rng models.DateRange) (*asynq.Task, error) {
	payload, err := json.Marshal(RetrainPayload{FarmID: farmID, From: rng.From, To: rng.To})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRetrainFarm, payload,
		asynq.TaskID(retrainTaskID(farmID, rng)),
		asynq.Queue(QueueTraining),
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
	), nil
}

func logger() *zap.Logger {
	return common.GetCategoryLogger(common.LoggerNameTraining, common.LoggerCategorySchedule)
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Producer is a training.FarmRunner that hands the farm to a worker instead
// of running it in process. The returned job carries no training ID.
type Producer struct {
	client Enqueuer
}

func NewProducer(client Enqueuer) *Producer {
	return &Producer{client: client}
}

func (p *Producer) RunFarm(ctx context.Context, farmID string, rng models.DateRange) (models.TrainingJob, error) {
	task, err := NewRetrainTask(farmID, rng)
	if err != nil {
		return models.TrainingJob{}, err
	}

	info, err := p.client.EnqueueContext(ctx, task)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict):
		logger().Info("Retrain already queued", zap.String("farm_id", farmID))
		return models.TrainingJob{}, nil
	case err != nil:
		return models.TrainingJob{}, fmt.Errorf("enqueue retrain of farm %s: %w", farmID, err)
	}

	logger().Info("Retrain queued", zap.String("farm_id", farmID), zap.String("task_id", info.ID), zap.String("queue", info.Queue))
	return models.TrainingJob{}, nil
}

// HandleRetrain runs a queued retrain. Insufficient data is not retried.
func HandleRetrain(runner training.FarmRunner) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p RetrainPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("decode %s payload: %v: %w", TypeRetrainFarm, err, asynq.SkipRetry)
		}
		if p.FarmID == "" {
			return fmt.Errorf("%s payload without farm: %w", TypeRetrainFarm, asynq.SkipRetry)
		}

		job, err := runner.RunFarm(ctx, p.FarmID, p.Range())
		if errors.Is(err, models.ErrInsufficientData) {
			logger().Warn("Retrain skipped", zap.String("farm_id", p.FarmID), zap.Error(err))
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		if err != nil {
			return err
		}
		logger().Info("Retrain done", zap.String("farm_id", p.FarmID), zap.String("training_id", job.TrainingID))
		return nil
	}
}
