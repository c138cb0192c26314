package training

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"liyu1981.xyz/agri-telemetry-service/pkg/common"
	"liyu1981.xyz/agri-telemetry-service/pkg/metrics"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

const (
	MinRecords         = 20
	RecommendedRecords = 100
	MinCropDiversity   = 2
	MinMonthDiversity  = 2

	DefaultAttemptTimeout = 30 * time.Second
	DefaultRetryDelay     = 2 * time.Second
)

// WindowStore gives the exporter the windows of a farm within a date range.
type WindowStore interface {
	Windows(ctx context.Context, farmID string, rng models.DateRange) ([]models.AggregatedWindow, error)
}

// TrainingService is the ML training service contract.
type TrainingService interface {
	UploadTrainingData(ctx context.Context, records []models.TrainingRecord) (models.UploadResult, error)
	StartTraining(ctx context.Context, cfg models.TrainingConfig) (models.TrainingJob, error)
}

type Report struct {
	FarmID   string   `json:"farmId"`
	Records  int      `json:"records"`
	Labeled  int      `json:"labeled"`
	Warnings []string `json:"warnings,omitempty"`
}

type ExporterOpts struct {
	AttemptTimeout time.Duration
	RetryDelay     time.Duration
}

type Exporter struct {
	store   WindowStore
	service TrainingService
	opts    ExporterOpts
	metrics *metrics.Metrics
}

// NewExporter accepts a nil service for export-only use; Submit then fails.
func NewExporter(store WindowStore, service TrainingService, opts ExporterOpts, m *metrics.Metrics) *Exporter {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	return &Exporter{store: store, service: service, opts: opts, metrics: m}
}

func logger() *zap.Logger {
	return common.GetCategoryLogger(common.LoggerNameTraining, common.LoggerCategoryExport)
}

func (e *Exporter) ExportForTraining(ctx context.Context, farmID string, rng models.DateRange) ([]models.TrainingRecord, Report, error) {
	report := Report{FarmID: farmID}

	windows, err := e.store.Windows(ctx, farmID, rng)
	if err != nil {
		return nil, report, fmt.Errorf("load windows of farm %s: %w", farmID, err)
	}

	records := BuildRecords(farmID, windows)
	report.Records = len(records)
	for _, r := range records {
		if r.Labeled() {
			report.Labeled++
		}
	}

	if len(records) < MinRecords {
		return nil, report, fmt.Errorf("%w: farm %s has %d records, need %d", models.ErrInsufficientData, farmID, len(records), MinRecords)
	}

	report.Warnings = qualityWarnings(records)
	for _, w := range report.Warnings {
		logger().Warn("Training data quality", zap.String("farm_id", farmID), zap.String("warning", w))
	}
	logger().Info("Exported training records",
		zap.String("farm_id", farmID),
		zap.Int("records", report.Records),
		zap.Int("labeled", report.Labeled),
	)
	return records, report, nil
}

func qualityWarnings(records []models.TrainingRecord) []string {
	var warnings []string
	if len(records) < RecommendedRecords {
		warnings = append(warnings, fmt.Sprintf("only %d records, %d recommended", len(records), RecommendedRecords))
	}

	crops := make(map[string]struct{})
	months := make(map[string]struct{})
	for _, r := range records {
		if r.CropType != UnknownCrop {
			crops[r.CropType] = struct{}{}
		}
		if len(r.Date) >= 7 {
			months[r.Date[:7]] = struct{}{}
		}
	}
	if len(crops) < MinCropDiversity {
		warnings = append(warnings, fmt.Sprintf("low crop diversity: %d crop types", len(crops)))
	}
	if len(months) < MinMonthDiversity {
		warnings = append(warnings, fmt.Sprintf("low seasonal diversity: %d months", len(months)))
	}
	return warnings
}

// Hyperparameters derives batch size and epochs from the record count.
func Hyperparameters(n int) (batchSize, epochs int) {
	return common.Clamp(n/10, 8, 32), common.Clamp(n/5, 20, 100)
}

// Submit uploads records and starts a training job, retrying the whole
// exchange once.
func (e *Exporter) Submit(ctx context.Context, farmID string, records []models.TrainingRecord) (models.TrainingJob, error) {
	if e.service == nil {
		return models.TrainingJob{}, fmt.Errorf("%w: no training service configured", models.ErrTrainingSubmissionFailed)
	}

	labeled := 0
	for _, r := range records {
		if r.Labeled() {
			labeled++
		}
	}
	batch, epochs := Hyperparameters(len(records))

	var job models.TrainingJob
	attempt := 0
	op := func() error {
		attempt++
		var err error
		job, err = e.submitOnce(ctx, farmID, records, labeled, batch, epochs)
		if err != nil {
			logger().Warn("Training submission attempt failed",
				zap.String("farm_id", farmID), zap.Int("attempt", attempt), zap.Error(err))
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
		}
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(e.opts.RetryDelay), 1), ctx)
	if err := backoff.Retry(op, b); err != nil {
		e.countRun("failed")
		return models.TrainingJob{}, fmt.Errorf("%w: farm %s: %w", models.ErrTrainingSubmissionFailed, farmID, err)
	}

	e.countRun("started")
	logger().Info("Training started",
		zap.String("farm_id", farmID),
		zap.String("training_id", job.TrainingID),
		zap.Int("records", len(records)),
		zap.Int("batch_size", batch),
		zap.Int("epochs", epochs),
	)
	return job, nil
}

var errRejected = errors.New("rejected by training service")

func (e *Exporter) submitOnce(ctx context.Context, farmID string, records []models.TrainingRecord, labeled, batch, epochs int) (models.TrainingJob, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.AttemptTimeout)
	defer cancel()

	upload, err := e.service.UploadTrainingData(ctx, records)
	if err != nil {
		return models.TrainingJob{}, fmt.Errorf("upload: %w", err)
	}
	if !upload.OK {
		return models.TrainingJob{}, fmt.Errorf("upload: %w", errRejected)
	}

	job, err := e.service.StartTraining(ctx, models.TrainingConfig{
		FarmID:      farmID,
		DatasetIDs:  upload.IDs,
		RecordCount: len(records),
		Labeled:     labeled,
		BatchSize:   batch,
		Epochs:      epochs,
	})
	if err != nil {
		return models.TrainingJob{}, fmt.Errorf("start: %w", err)
	}
	if !job.OK {
		return models.TrainingJob{}, fmt.Errorf("start: %w", errRejected)
	}
	return job, nil
}

// RunFarm exports the farm's records over rng and submits them.
func (e *Exporter) RunFarm(ctx context.Context, farmID string, rng models.DateRange) (models.TrainingJob, error) {
	records, _, err := e.ExportForTraining(ctx, farmID, rng)
	if err != nil {
		if errors.Is(err, models.ErrInsufficientData) {
			e.countRun("insufficient")
		}
		return models.TrainingJob{}, err
	}
	return e.Submit(ctx, farmID, records)
}

func (e *Exporter) countRun(result string) {
	if e.metrics != nil {
		e.metrics.TrainingRuns.WithLabelValues(result).Inc()
	}
}
