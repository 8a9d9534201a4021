// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package capacitymanager is the Capacity Manager (C6): a single
// control loop per process that reconciles tracked workers against the
// container runtime, polls pending load per job class, and launches
// additional workers on a logarithmic scaling curve with per-class
// cooldown.
package capacitymanager

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/dispatchforge/jobcore/internal/config"
	"github.com/dispatchforge/jobcore/internal/containerdriver"
	"github.com/dispatchforge/jobcore/internal/jobschema"
	"github.com/dispatchforge/jobcore/internal/metrics"
	"github.com/dispatchforge/jobcore/internal/util"
	"github.com/dispatchforge/jobcore/internal/workerauth"
	"github.com/dispatchforge/jobcore/pkg/clog"

	"github.com/go-co-op/gocron/v2"
	"github.com/hashicorp/go-multierror"
)

// describeTasksChunkSize bounds each describeTasks call.
const describeTasksChunkSize = 100

// Manager owns the TrackedWorker table and the last-scale timestamps;
// both are pure in-memory, advisory state. The worker table is
// reconciled against the container runtime every tick; the timestamps
// are set only by successful launches.
type Manager struct {
	classes map[string]config.ClassConfig
	vpcID   string
	driver  containerdriver.Driver
	auth    *workerauth.Client

	mu        sync.Mutex
	workers   []*jobschema.TrackedWorker
	lastScale map[string]time.Time

	ticking   sync.Mutex // enforces single-flight ticks
	scheduler gocron.Scheduler
}

// New builds a Manager from the configured classes; each class is
// treated as its own task-definition for scaling purposes.
func New(cfg *config.ProgramConfig, driver containerdriver.Driver, auth *workerauth.Client) *Manager {
	return &Manager{
		classes:   cfg.Classes,
		vpcID:     cfg.VpcID,
		driver:    driver,
		auth:      auth,
		lastScale: make(map[string]time.Time, len(cfg.Classes)),
	}
}

// Start schedules the tick loop at the configured poll interval and
// begins running it. Call Shutdown to stop future ticks.
func (m *Manager) Start(ctx context.Context, pollInterval time.Duration) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("capacitymanager: create scheduler: %w", err)
	}
	m.scheduler = s

	if _, err := s.NewJob(
		gocron.DurationJob(pollInterval),
		gocron.NewTask(func() { m.tick(ctx) }),
	); err != nil {
		return fmt.Errorf("capacitymanager: register tick job: %w", err)
	}

	s.Start()
	return nil
}

// Shutdown stops scheduling future ticks. No state is persisted; the
// next start reconciles from scratch.
func (m *Manager) Shutdown() {
	if m.scheduler != nil {
		_ = m.scheduler.Shutdown()
	}
}

// tick runs one reconcile+fetch+decide+launch pass. A tick already in
// progress makes a new one a no-op: ticks never queue or run
// concurrently with each other.
func (m *Manager) tick(ctx context.Context) {
	if !m.ticking.TryLock() {
		clog.Warn("capacity manager: previous tick still running, skipping")
		metrics.CapacityTicks.WithLabelValues("skipped").Inc()
		return
	}
	defer m.ticking.Unlock()

	if err := m.reconcileWorkers(ctx); err != nil {
		clog.Warnf("capacity manager: reconcile failed: %v", err)
	}
	m.reportTrackedWorkers()

	pending, err := m.fetchPending(ctx)
	if err != nil {
		clog.Warnf("capacity manager: fetch pending failed: %v", err)
		metrics.CapacityTicks.WithLabelValues("fetch_failed").Inc()
		return
	}

	for class, cfg := range m.classes {
		m.decideAndLaunch(ctx, class, cfg, pending[class])
	}
	metrics.CapacityTicks.WithLabelValues("ok").Inc()
}

// reportTrackedWorkers publishes the current per-class worker count so
// the gauge always reflects the last reconcile, even across classes
// that had zero launches this tick.
func (m *Manager) reportTrackedWorkers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int, len(m.classes))
	for class := range m.classes {
		counts[class] = 0
	}
	for _, w := range m.workers {
		for _, class := range w.JobClasses {
			counts[class]++
		}
	}
	for class, n := range counts {
		metrics.TrackedWorkers.WithLabelValues(class).Set(float64(n))
	}
}

// reconcileWorkers groups tracked workers by cluster, calls describeTasks
// in chunks, and evicts workers that are gone or stopped.
func (m *Manager) reconcileWorkers(ctx context.Context) error {
	m.mu.Lock()
	byCluster := make(map[string][]*jobschema.TrackedWorker)
	for _, w := range m.workers {
		byCluster[w.ClusterID] = append(byCluster[w.ClusterID], w)
	}
	m.mu.Unlock()

	var merr *multierror.Error
	evicted := make(map[string]bool)

	for cluster, workers := range byCluster {
		for chunkStart := 0; chunkStart < len(workers); chunkStart += describeTasksChunkSize {
			end := chunkStart + describeTasksChunkSize
			if end > len(workers) {
				end = len(workers)
			}
			chunk := workers[chunkStart:end]

			ids := make([]string, len(chunk))
			for i, w := range chunk {
				ids[i] = w.TaskID
			}

			statuses, err := m.driver.DescribeTasks(ctx, cluster, ids)
			if err != nil {
				merr = multierror.Append(merr, fmt.Errorf("describeTasks(%s): %w", cluster, err))
				continue
			}

			byID := make(map[string]containerdriver.TaskStatus, len(statuses))
			for _, s := range statuses {
				byID[s.TaskID] = s
			}

			for _, w := range chunk {
				s, present := byID[w.TaskID]
				if !present || s.Missing {
					evicted[w.TaskID] = true
					continue
				}
				mapped, ok := containerdriver.MapStatus(s.Status)
				if !ok {
					clog.Warnf("capacity manager: unrecognized task status %q for %s", s.Status, w.TaskID)
					continue
				}
				if mapped == jobschema.WorkerStopped {
					evicted[w.TaskID] = true
					continue
				}
				w.Status = mapped
			}
		}
	}

	if len(evicted) > 0 {
		m.mu.Lock()
		kept := m.workers[:0]
		for _, w := range m.workers {
			if !evicted[w.TaskID] {
				kept = append(kept, w)
			}
		}
		m.workers = kept
		m.mu.Unlock()
	}

	return merr.ErrorOrNil()
}

// fetchPending polls the server once per class and returns how many
// pending jobs were returned (capped at 10 by the poll endpoint itself).
func (m *Manager) fetchPending(ctx context.Context) (map[string]int, error) {
	type pollResponse struct {
		Jobs []json.RawMessage `json:"jobs"`
	}

	pending := make(map[string]int, len(m.classes))
	var merr *multierror.Error

	for class := range m.classes {
		res, err := m.auth.Do(ctx, http.MethodGet, "/jobs/poll?jobType="+class, nil)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("poll %s: %w", class, err))
			continue
		}

		var body pollResponse
		decodeErr := json.NewDecoder(res.Body).Decode(&body)
		res.Body.Close()
		if decodeErr != nil {
			merr = multierror.Append(merr, fmt.Errorf("decode poll response for %s: %w", class, decodeErr))
			continue
		}
		pending[class] = len(body.Jobs)
	}

	return pending, merr.ErrorOrNil()
}

// decideAndLaunch computes the scaling target for one class/task-
// definition, honoring its cooldown, and launches any shortfall.
func (m *Manager) decideAndLaunch(ctx context.Context, class string, cfg config.ClassConfig, pending int) {
	m.mu.Lock()
	last, hasLast := m.lastScale[class]
	workers := m.workersForClass(class)
	m.mu.Unlock()

	if hasLast && time.Since(last) < time.Duration(cfg.CooldownSeconds)*time.Second {
		return
	}

	target := scalingTarget(pending, cfg.MinCapacity, cfg.MaxCapacity, cfg.Sensitivity, cfg.Factor)
	diff := target - len(workers)
	if diff <= 0 {
		return
	}

	for i := 0; i < diff; i++ {
		if err := m.launchOne(ctx, class, cfg); err != nil {
			clog.Warnf("capacity manager: launch for %s failed: %v", class, err)
			continue
		}
		m.mu.Lock()
		m.lastScale[class] = time.Now()
		m.mu.Unlock()
	}
}

// scalingTarget computes T = clamp(round(sensitivity*ln(P/factor+1)+min), min, max),
// with target forced to min when there's nothing pending and to at
// least 1 whenever something is pending.
func scalingTarget(pending, min, max int, sensitivity, factor float64) int {
	if pending <= 0 {
		return min
	}
	raw := sensitivity*math.Log(float64(pending)/factor+1) + float64(min)
	t := int(math.Round(raw))
	if t < min {
		t = min
	}
	if t > max {
		t = max
	}
	if t < 1 {
		t = 1
	}
	return t
}

func (m *Manager) workersForClass(class string) []*jobschema.TrackedWorker {
	var out []*jobschema.TrackedWorker
	for _, w := range m.workers {
		if util.Contains(w.JobClasses, class) {
			out = append(out, w)
		}
	}
	return out
}

// launchOne picks a public subnet and runs one task for class.
func (m *Manager) launchOne(ctx context.Context, class string, cfg config.ClassConfig) error {
	subnet, err := m.driver.PickPublicSubnet(ctx, m.vpcID)
	if err != nil {
		return fmt.Errorf("pick subnet: %w", err)
	}

	ids, err := m.driver.RunTask(ctx, containerdriver.RunTaskInput{
		Cluster:        cfg.ClusterArn,
		TaskDefinition: cfg.TaskDefinitionArn,
		Subnet:         subnet,
		SecurityGroup:  cfg.SecurityGroup,
		AssignPublicIP: true,
	})
	if err != nil {
		return fmt.Errorf("run task: %w", err)
	}
	if len(ids) == 0 {
		return fmt.Errorf("run task returned no task ids")
	}

	m.mu.Lock()
	m.workers = append(m.workers, &jobschema.TrackedWorker{
		TaskID:     ids[0],
		TaskDefID:  cfg.TaskDefinitionArn,
		ClusterID:  cfg.ClusterArn,
		StartedAt:  time.Now(),
		JobClasses: []string{class},
		Status:     jobschema.WorkerPending,
	})
	m.mu.Unlock()

	metrics.WorkersLaunched.WithLabelValues(class).Inc()
	return nil
}
