package iot

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiterStore manages per-device rate limiters for pushed samples:
// device_id -> rate limiter
type RateLimiterStore struct {
	limiters     map[string]*rate.Limiter
	mu           sync.Mutex
	defaultRate  rate.Limit
	defaultBurst int
}

type LimiterSnapshot struct {
	DeviceID string  `json:"deviceId"`
	Rate     float64 `json:"rate"`
	Burst    int     `json:"burst"`
	Tokens   float64 `json:"tokens"`
}

func NewRateLimiterStore(defaultRate rate.Limit, defaultBurst int) *RateLimiterStore {
	return &RateLimiterStore{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  defaultRate,
		defaultBurst: defaultBurst,
	}
}

func (s *RateLimiterStore) GetLimiter(deviceID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[deviceID]
	if !exists {
		limiter = rate.NewLimiter(s.defaultRate, s.defaultBurst)
		s.limiters[deviceID] = limiter
	}
	return limiter
}

func (s *RateLimiterStore) SetLimiter(deviceID string, deviceRate rate.Limit, deviceBurst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiters[deviceID] = rate.NewLimiter(deviceRate, deviceBurst)
}

func (s *RateLimiterStore) Allow(deviceID string) bool {
	return s.GetLimiter(deviceID).Allow()
}

// Forget drops the limiter of a deactivated device; it is recreated with the
// defaults on next use.
func (s *RateLimiterStore) Forget(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.limiters, deviceID)
}

func (s *RateLimiterStore) Snapshot(deviceID string) LimiterSnapshot {
	l := s.GetLimiter(deviceID)
	return LimiterSnapshot{
		DeviceID: deviceID,
		Rate:     float64(l.Limit()),
		Burst:    l.Burst(),
		Tokens:   l.Tokens(),
	}
}
