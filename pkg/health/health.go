// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package health aggregates readiness checks of an embedded metadata store
// and serves them over HTTP.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult represents the result of a single health check
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency int64  `json:"latency_ms,omitempty"` // Check latency in milliseconds
}

// Report represents the overall health status
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Sequence  uint64                 `json:"sequence"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Checker is an interface for health checks
type Checker interface {
	// Check returns status, message, and error (if any)
	Check(ctx context.Context) (Status, string, error)

	// Name returns the check name
	Name() string
}

// Monitor runs registered checkers and caches the combined report.
type Monitor struct {
	mu       sync.Mutex
	checkers []Checker
	sequence func() uint64
	logger   *zap.Logger

	cachedReport    *Report
	cacheValidUntil time.Time
	cacheDuration   time.Duration
}

// NewMonitor creates a monitor. sequence, when non-nil, is reported with
// every check. A zero cacheDuration disables caching.
func NewMonitor(sequence func() uint64, cacheDuration time.Duration, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		sequence:      sequence,
		logger:        logger,
		cacheDuration: cacheDuration,
	}
}

// Register adds a health checker
func (m *Monitor) Register(checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, checker)
	m.cachedReport = nil
	m.logger.Debug("registered health checker",
		zap.String("name", checker.Name()),
		zap.String("component", "health"))
}

// Check performs all health checks
func (m *Monitor) Check(ctx context.Context) *Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cachedReport != nil && time.Now().Before(m.cacheValidUntil) {
		return m.cachedReport
	}

	report := &Report{
		Status:    StatusHealthy,
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Checks:    make(map[string]CheckResult, len(m.checkers)),
	}
	if m.sequence != nil {
		report.Sequence = m.sequence()
	}

	for _, checker := range m.checkers {
		start := time.Now()
		status, message, err := checker.Check(ctx)
		if err != nil {
			status = StatusUnhealthy
			message = err.Error()
		}

		report.Checks[checker.Name()] = CheckResult{
			Status:  status,
			Message: message,
			Latency: time.Since(start).Milliseconds(),
		}

		switch {
		case status == StatusUnhealthy:
			report.Status = StatusUnhealthy
		case status == StatusDegraded && report.Status != StatusUnhealthy:
			report.Status = StatusDegraded
		}
	}

	if report.Status != StatusHealthy {
		m.logger.Warn("health check failed",
			zap.String("status", string(report.Status)),
			zap.String("component", "health"))
	}

	if m.cacheDuration > 0 {
		m.cachedReport = report
		m.cacheValidUntil = time.Now().Add(m.cacheDuration)
	}
	return report
}

// ServeHTTP writes the JSON report; 503 when unhealthy.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	report := m.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if report.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(report)
}

// ReadinessHandler returns 200 unless a check is unhealthy.
func (m *Monitor) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if m.Check(ctx).Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Not Ready\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Ready\n"))
	}
}

// LivenessHandler always answers 200 while the process serves requests.
func (m *Monitor) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Alive\n"))
	}
}

// FuncChecker adapts a function to Checker
type FuncChecker struct {
	name string
	fn   func(context.Context) error
}

// NewFuncChecker creates a checker that is unhealthy whenever fn fails.
func NewFuncChecker(name string, fn func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, fn: fn}
}

func (c *FuncChecker) Name() string {
	return c.name
}

func (c *FuncChecker) Check(ctx context.Context) (Status, string, error) {
	if err := c.fn(ctx); err != nil {
		return StatusUnhealthy, fmt.Sprintf("%s check failed: %v", c.name, err), err
	}
	return StatusHealthy, "operational", nil
}

// RaftChecker reports leadership of a raft replica
type RaftChecker struct {
	name   string
	status func() (self, leader uint64)
}

// NewRaftChecker creates a Raft health checker
func NewRaftChecker(name string, status func() (self, leader uint64)) *RaftChecker {
	return &RaftChecker{name: name, status: status}
}

func (rc *RaftChecker) Name() string {
	return rc.name
}

// Check is degraded while no leader is known: reads still work but
// writes block.
func (rc *RaftChecker) Check(ctx context.Context) (Status, string, error) {
	self, leader := rc.status()
	switch leader {
	case 0:
		return StatusDegraded, "no leader", nil
	case self:
		return StatusHealthy, "leader", nil
	default:
		return StatusHealthy, fmt.Sprintf("follower of %d", leader), nil
	}
}

// DiskSpaceChecker checks available disk space under the data directory
type DiskSpaceChecker struct {
	name          string
	path          string
	minFreeGB     float64
	warnThreshold float64 // Warning threshold in percentage (e.g., 80 for 80%)
}

// NewDiskSpaceChecker creates a disk space checker
func NewDiskSpaceChecker(name, path string, minFreeGB, warnThreshold float64) *DiskSpaceChecker {
	return &DiskSpaceChecker{
		name:          name,
		path:          path,
		minFreeGB:     minFreeGB,
		warnThreshold: warnThreshold,
	}
}

func (dsc *DiskSpaceChecker) Name() string {
	return dsc.name
}

func (dsc *DiskSpaceChecker) Check(ctx context.Context) (Status, string, error) {
	totalGB, freeGB, usedPercent, err := getDiskUsage(dsc.path)
	if err != nil {
		return StatusUnhealthy, fmt.Sprintf("failed to get disk usage: %v", err), err
	}

	message := fmt.Sprintf("%.1fGB free of %.1fGB (%.1f%% used)", freeGB, totalGB, usedPercent)
	if freeGB < dsc.minFreeGB {
		return StatusUnhealthy, fmt.Sprintf("disk space critical: %s", message), nil
	}
	if usedPercent > dsc.warnThreshold {
		return StatusDegraded, fmt.Sprintf("disk space low: %s", message), nil
	}
	return StatusHealthy, message, nil
}
