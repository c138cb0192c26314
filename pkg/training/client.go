package training

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

const (
	uploadPath = "/api/training/data"
	startPath  = "/api/training/start"
)

type BreakerOpts struct {
	Fails    int
	Open     time.Duration
	Interval time.Duration
}

func DefaultBreakerOpts() BreakerOpts {
	return BreakerOpts{Fails: 3, Open: 30 * time.Second, Interval: time.Minute}
}

// HTTPClient talks to the ML training service over JSON, behind a circuit
// breaker.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
}

func NewHTTPClient(baseURL string, hc *http.Client, opts BreakerOpts) *HTTPClient {
	if hc == nil {
		hc = &http.Client{}
	}
	if opts.Fails <= 0 {
		opts = DefaultBreakerOpts()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "training-service",
			Interval: opts.Interval,
			Timeout:  opts.Open,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= uint32(opts.Fails)
			},
		}),
	}
}

func (c *HTTPClient) UploadTrainingData(ctx context.Context, records []models.TrainingRecord) (models.UploadResult, error) {
	var out models.UploadResult
	err := c.post(ctx, uploadPath, map[string]any{"records": records}, &out)
	return out, err
}

func (c *HTTPClient) StartTraining(ctx context.Context, cfg models.TrainingConfig) (models.TrainingJob, error) {
	var out models.TrainingJob
	err := c.post(ctx, startPath, cfg, &out)
	return out, err
}

func (c *HTTPClient) BreakerState() gobreaker.State {
	return c.cb.State()
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	res, err := c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return data, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(res.([]byte), out)
}
