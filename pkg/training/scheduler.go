package training

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"liyu1981.xyz/agri-telemetry-service/pkg/common"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

const (
	DefaultSchedule     = "@weekly"
	DefaultLookbackDays = 90
)

type FarmLister interface {
	ListActiveFarms(ctx context.Context) ([]string, error)
}

// FarmRunner runs export and submission for one farm. Exporter runs it in
// process; the task queue enqueues it.
type FarmRunner interface {
	RunFarm(ctx context.Context, farmID string, rng models.DateRange) (models.TrainingJob, error)
}

type FarmOutcome struct {
	FarmID     string `json:"farmId"`
	TrainingID string `json:"trainingId,omitempty"`
	Err        error  `json:"-"`
	Error      string `json:"error,omitempty"`
}

type RunSummary struct {
	Range    models.DateRange `json:"range"`
	Outcomes []FarmOutcome    `json:"outcomes"`
}

func (s RunSummary) Failed() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

type RetrainScheduler struct {
	farms        FarmLister
	runner       FarmRunner
	schedule     string
	lookbackDays int
	now          func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

func NewRetrainScheduler(farms FarmLister, runner FarmRunner, schedule string) *RetrainScheduler {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &RetrainScheduler{
		farms:        farms,
		runner:       runner,
		schedule:     schedule,
		lookbackDays: DefaultLookbackDays,
		now:          time.Now,
	}
}

func (s *RetrainScheduler) WithClock(now func() time.Time) *RetrainScheduler {
	s.now = now
	return s
}

func schedLogger() *zap.Logger {
	return common.GetCategoryLogger(common.LoggerNameTraining, common.LoggerCategorySchedule)
}

// RunOnce retrains every farm with an active device over the trailing
// lookback. A failing farm does not stop the others.
func (s *RetrainScheduler) RunOnce(ctx context.Context) (RunSummary, error) {
	rng := models.TrailingDays(s.now().UTC(), s.lookbackDays)
	summary := RunSummary{Range: rng, Outcomes: []FarmOutcome{}}

	farms, err := s.farms.ListActiveFarms(ctx)
	if err != nil {
		return summary, err
	}
	sort.Strings(farms)

	for _, farmID := range farms {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		outcome := FarmOutcome{FarmID: farmID}
		job, err := s.runner.RunFarm(ctx, farmID, rng)
		if err != nil {
			outcome.Err, outcome.Error = err, err.Error()
			level := schedLogger().Error
			if errors.Is(err, models.ErrInsufficientData) {
				level = schedLogger().Warn
			}
			level("Retrain failed", zap.String("farm_id", farmID), zap.Error(err))
		} else {
			outcome.TrainingID = job.TrainingID
		}
		summary.Outcomes = append(summary.Outcomes, outcome)
	}

	schedLogger().Info("Retrain run finished",
		zap.Int("farms", len(farms)),
		zap.Int("failed", summary.Failed()),
	)
	return summary, nil
}

func (s *RetrainScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			schedLogger().Error("Retrain run aborted", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	schedLogger().Info("Retrain scheduler started", zap.String("schedule", s.schedule))
	return nil
}

// Stop waits for a running retrain to finish or ctx to expire.
func (s *RetrainScheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
