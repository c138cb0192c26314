package training

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"liyu1981.xyz/agri-telemetry-service/pkg/common"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
	"liyu1981.xyz/agri-telemetry-service/pkg/training/mocks"
)

func TestRunOnceIsolatesFarmFailures(t *testing.T) {
	common.SetTestLoggerNop()
	ctrl := gomock.NewController(t)
	lister := mocks.NewMockFarmLister(ctrl)
	runner := mocks.NewMockFarmRunner(ctrl)

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	want := models.DateRange{From: now.AddDate(0, 0, -DefaultLookbackDays), To: now}

	lister.EXPECT().ListActiveFarms(gomock.Any()).Return([]string{"F3", "F1", "F2"}, nil)
	gomock.InOrder(
		runner.EXPECT().RunFarm(gomock.Any(), "F1", want).Return(models.TrainingJob{}, models.ErrInsufficientData),
		runner.EXPECT().RunFarm(gomock.Any(), "F2", want).Return(models.TrainingJob{}, models.ErrTrainingSubmissionFailed),
		runner.EXPECT().RunFarm(gomock.Any(), "F3", want).Return(models.TrainingJob{TrainingID: "job-3", OK: true}, nil),
	)

	s := NewRetrainScheduler(lister, runner, "").WithClock(func() time.Time { return now })
	summary, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, summary.Range)
	require.Len(t, summary.Outcomes, 3)
	assert.Equal(t, 2, summary.Failed())
	assert.ErrorIs(t, summary.Outcomes[0].Err, models.ErrInsufficientData)
	assert.Equal(t, "job-3", summary.Outcomes[2].TrainingID)
	assert.Empty(t, summary.Outcomes[2].Error)
}

func TestRunOnceListError(t *testing.T) {
	ctrl := gomock.NewController(t)
	lister := mocks.NewMockFarmLister(ctrl)
	runner := mocks.NewMockFarmRunner(ctrl)
	boom := errors.New("db down")
	lister.EXPECT().ListActiveFarms(gomock.Any()).Return(nil, boom)

	_, err := NewRetrainScheduler(lister, runner, "").RunOnce(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestSchedulerStartStop(t *testing.T) {
	common.SetTestLoggerNop()
	ctrl := gomock.NewController(t)
	lister := mocks.NewMockFarmLister(ctrl)
	runner := mocks.NewMockFarmRunner(ctrl)

	bad := NewRetrainScheduler(lister, runner, "not a schedule")
	assert.Error(t, bad.Start(context.Background()))

	s := NewRetrainScheduler(lister, runner, DefaultSchedule)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Stop(ctx)
}
