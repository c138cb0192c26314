// Package notify forwards published alerts to external consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"liyu1981.xyz/agri-telemetry-service/pkg/common"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

const (
	DefaultStreamPrefix = "alerts:"
	DefaultStreamMaxLen = 10000
)

// StreamAdder is the part of *redis.Client the notifier uses.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamNotifier appends every alert to the stream of its farm, so
// dashboards can tail alerts:<farmID>.
type RedisStreamNotifier struct {
	client  StreamAdder
	prefix  string
	maxLen  int64
	timeout time.Duration
}

func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

func NewRedisStreamNotifier(client StreamAdder) *RedisStreamNotifier {
	return &RedisStreamNotifier{
		client:  client,
		prefix:  DefaultStreamPrefix,
		maxLen:  DefaultStreamMaxLen,
		timeout: 3 * time.Second,
	}
}

func (n *RedisStreamNotifier) StreamKey(farmID string) string {
	return n.prefix + farmID
}

// Notify matches iot.AlertCallback.
func (n *RedisStreamNotifier) Notify(alert models.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	id, err := n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.StreamKey(alert.FarmID),
		MaxLen: n.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":        alert.ID,
			"deviceId":  alert.DeviceID,
			"type":      string(alert.AlertType),
			"severity":  string(alert.Severity),
			"timestamp": alert.Timestamp.UnixNano(),
			"alert":     string(body),
		},
	}).Result()
	if err != nil {
		common.GetCategoryLogger(common.LoggerNameIOTCore, common.LoggerCategoryIOTAlert).
			Warn("Alert stream append failed", zap.String("alert_id", alert.ID), zap.Error(err))
		return fmt.Errorf("append alert %s: %w", alert.ID, err)
	}
	common.GetCategoryLogger(common.LoggerNameIOTCore, common.LoggerCategoryIOTAlert).
		Debug("Alert streamed", zap.String("alert_id", alert.ID), zap.String("entry_id", id))
	return nil
}
