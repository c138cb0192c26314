package taskqueue

import (
	"github.com/hibiken/asynq"
	"liyu1981.xyz/agri-telemetry-service/pkg/training"
)

func NewServeMux(runner training.FarmRunner) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeRetrainFarm, HandleRetrain(runner))
	return mux
}

type Worker struct {
	srv *asynq.Server
	mux *asynq.ServeMux
}

func NewWorker(redisAddr string, concurrency int, runner training.FarmRunner) *Worker {
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Worker{
		srv: asynq.NewServer(asynq.RedisClientOpt{Addr: redisAddr}, asynq.Config{
			Concurrency: concurrency,
			Queues:      map[string]int{QueueTraining: 1},
		}),
		mux: NewServeMux(runner),
	}
}

// Start processes tasks in the background until Shutdown.
func (w *Worker) Start() error {
	if err := w.srv.Start(w.mux); err != nil {
		return err
	}
	logger().Info("Retrain worker started")
	return nil
}

func (w *Worker) Shutdown() {
	w.srv.Shutdown()
	logger().Info("Retrain worker stopped")
}

func NewClient(redisAddr string) *asynq.Client {
	return asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})
}
