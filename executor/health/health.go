package health

import (
	"context"
	"sync"
	"time"

	"github.com/GPTx-global/executor/executor/log"
)

// HealthCheck is a named probe. A nil error means healthy.
type HealthCheck interface {
	Check(ctx context.Context) error
	Name() string
}

// HealthChecker runs its checks on an interval and keeps the last result of each.
type HealthChecker struct {
	checks   map[string]HealthCheck
	mutex    sync.RWMutex
	interval time.Duration
	timeout  time.Duration
	status   map[string]HealthStatus
}

type HealthStatus struct {
	Healthy   bool
	LastCheck time.Time
	LastError error
}

func NewHealthChecker(interval time.Duration) *HealthChecker {
	return &HealthChecker{
		checks:   make(map[string]HealthCheck),
		status:   make(map[string]HealthStatus),
		interval: interval,
		timeout:  interval,
	}
}

// AddCheck registers check. It reports unhealthy until its first run.
func (hc *HealthChecker) AddCheck(check HealthCheck) {
	hc.mutex.Lock()
	defer hc.mutex.Unlock()

	name := check.Name()
	hc.checks[name] = check
	hc.status[name] = HealthStatus{}

	log.Debugf("health check added: %s", name)
}

// Start runs all checks immediately and then every interval until ctx ends.
func (hc *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	hc.RunChecks(ctx)

	for {
		select {
		case <-ticker.C:
			hc.RunChecks(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunChecks runs every check concurrently and records the results.
func (hc *HealthChecker) RunChecks(ctx context.Context) {
	hc.mutex.RLock()
	checks := make([]HealthCheck, 0, len(hc.checks))
	for _, check := range hc.checks {
		checks = append(checks, check)
	}
	hc.mutex.RUnlock()

	var wg sync.WaitGroup
	for _, check := range checks {
		wg.Add(1)
		go func(check HealthCheck) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, hc.timeout)
			defer cancel()

			err := check.Check(checkCtx)

			hc.mutex.Lock()
			hc.status[check.Name()] = HealthStatus{
				Healthy:   err == nil,
				LastCheck: time.Now(),
				LastError: err,
			}
			hc.mutex.Unlock()

			if err != nil {
				log.Warnf("health check %s failed: %v", check.Name(), err)
			}
		}(check)
	}
	wg.Wait()
}

func (hc *HealthChecker) GetStatus() map[string]HealthStatus {
	hc.mutex.RLock()
	defer hc.mutex.RUnlock()

	result := make(map[string]HealthStatus, len(hc.status))
	for name, status := range hc.status {
		result[name] = status
	}

	return result
}

func (hc *HealthChecker) IsHealthy() bool {
	hc.mutex.RLock()
	defer hc.mutex.RUnlock()

	for _, status := range hc.status {
		if !status.Healthy {
			return false
		}
	}

	return true
}

// FuncCheck adapts a function to HealthCheck.
type FuncCheck struct {
	name      string
	checkFunc func(ctx context.Context) error
}

func NewFuncCheck(name string, checkFunc func(ctx context.Context) error) *FuncCheck {
	return &FuncCheck{
		name:      name,
		checkFunc: checkFunc,
	}
}

func (c *FuncCheck) Check(ctx context.Context) error {
	return c.checkFunc(ctx)
}

func (c *FuncCheck) Name() string {
	return c.name
}
