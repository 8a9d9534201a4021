// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package capacitymanager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dispatchforge/jobcore/internal/config"
	"github.com/dispatchforge/jobcore/internal/containerdriver"
	"github.com/dispatchforge/jobcore/internal/jobschema"

	"github.com/stretchr/testify/require"
)

// fakeDriver is a trivially fakeable stand-in for containerdriver.Driver:
// it never touches ECS/EC2, just records calls and returns canned
// results.
type fakeDriver struct {
	mu          sync.Mutex
	runCalls    int
	describeErr error
	statuses    map[string]containerdriver.TaskStatus
}

func (f *fakeDriver) RunTask(ctx context.Context, in containerdriver.RunTaskInput) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runCalls++
	return []string{fmt.Sprintf("task-%d", f.runCalls)}, nil
}

func (f *fakeDriver) DescribeTasks(ctx context.Context, cluster string, taskIDs []string) ([]containerdriver.TaskStatus, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	out := make([]containerdriver.TaskStatus, 0, len(taskIDs))
	for _, id := range taskIDs {
		if s, ok := f.statuses[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeDriver) PickPublicSubnet(ctx context.Context, vpcID string) (string, error) {
	return "subnet-fake", nil
}

func testClassConfig() config.ClassConfig {
	return config.ClassConfig{
		TaskDefinitionArn: "arn:task-def",
		ClusterArn:        "arn:cluster",
		MinCapacity:       0,
		MaxCapacity:       10,
		Sensitivity:       2.5,
		Factor:            3,
		CooldownSeconds:   60,
		SecurityGroup:     "sg-fake",
	}
}

func TestScalingTargetZeroPendingIsMin(t *testing.T) {
	require.Equal(t, 2, scalingTarget(0, 2, 8, 2.5, 3))
}

func TestScalingTargetMonotonicAndBounded(t *testing.T) {
	prev := scalingTarget(1, 0, 10, 2.5, 3)
	for _, p := range []int{2, 4, 8, 16, 32, 64} {
		next := scalingTarget(p, 0, 10, 2.5, 3)
		require.GreaterOrEqual(t, next, prev)
		require.LessOrEqual(t, next, 10)
		prev = next
	}
}

func TestScalingTargetForcesAtLeastOneWhenPendingPositive(t *testing.T) {
	require.Equal(t, 1, scalingTarget(1, 0, 10, 0.01, 1000))
}

func TestScalingTargetClampsToMax(t *testing.T) {
	require.Equal(t, 4, scalingTarget(100000, 0, 4, 5, 1))
}

func newTestManager(driver containerdriver.Driver) *Manager {
	return &Manager{
		classes:   map[string]config.ClassConfig{"render": testClassConfig()},
		driver:    driver,
		lastScale: make(map[string]time.Time),
	}
}

func TestDecideAndLaunchLaunchesWhenNoPriorScale(t *testing.T) {
	driver := &fakeDriver{}
	m := newTestManager(driver)
	cfg := testClassConfig()
	cfg.MaxCapacity = 1 // pins scalingTarget to exactly 1 once pending > 0

	m.decideAndLaunch(context.Background(), "render", cfg, 5)

	require.Equal(t, 1, driver.runCalls)
	require.Len(t, m.workersForClass("render"), 1)
}

func TestDecideAndLaunchGatedByCooldown(t *testing.T) {
	driver := &fakeDriver{}
	m := newTestManager(driver)
	cfg := testClassConfig()
	cfg.MaxCapacity = 1
	cfg.CooldownSeconds = 3600

	m.decideAndLaunch(context.Background(), "render", cfg, 5)
	require.Equal(t, 1, driver.runCalls)

	// Still within cooldown: a second call with even higher pending must
	// not issue another RunTask.
	m.decideAndLaunch(context.Background(), "render", cfg, 500)
	require.Equal(t, 1, driver.runCalls, "cooldown must suppress a second launch")
}

func TestDecideAndLaunchRunsAgainOnceCooldownElapsed(t *testing.T) {
	driver := &fakeDriver{}
	m := newTestManager(driver)
	cfg := testClassConfig()
	cfg.MaxCapacity = 2
	cfg.CooldownSeconds = 60

	// pending=1 rounds to a target of 1 under the default sensitivity/factor.
	m.decideAndLaunch(context.Background(), "render", cfg, 1)
	require.Equal(t, 1, driver.runCalls)

	// Simulate the cooldown having already elapsed.
	m.mu.Lock()
	m.lastScale["render"] = time.Now().Add(-2 * time.Hour)
	m.mu.Unlock()

	// A much larger backlog pushes the target to the class max (2),
	// launching exactly the shortfall of one more worker.
	m.decideAndLaunch(context.Background(), "render", cfg, 100000)
	require.Equal(t, 2, driver.runCalls)
}

func TestReconcileWorkersEvictsMissingAndStoppedTasks(t *testing.T) {
	driver := &fakeDriver{
		statuses: map[string]containerdriver.TaskStatus{
			"task-running": {TaskID: "task-running", Status: "RUNNING"},
			"task-stopped": {TaskID: "task-stopped", Status: "STOPPED"},
			// task-missing deliberately absent from the map.
		},
	}
	m := newTestManager(driver)
	m.workers = []*jobschema.TrackedWorker{
		{TaskID: "task-running", ClusterID: "arn:cluster", JobClasses: []string{"render"}},
		{TaskID: "task-stopped", ClusterID: "arn:cluster", JobClasses: []string{"render"}},
		{TaskID: "task-missing", ClusterID: "arn:cluster", JobClasses: []string{"render"}},
	}

	err := m.reconcileWorkers(context.Background())
	require.NoError(t, err)

	remaining := m.workersForClass("render")
	require.Len(t, remaining, 1)
	require.Equal(t, "task-running", remaining[0].TaskID)
	require.Equal(t, jobschema.WorkerRunning, remaining[0].Status)
}

func TestReconcileWorkersAggregatesDescribeTasksErrors(t *testing.T) {
	driver := &fakeDriver{describeErr: fmt.Errorf("ecs unavailable")}
	m := newTestManager(driver)
	m.workers = []*jobschema.TrackedWorker{
		{TaskID: "task-1", ClusterID: "arn:cluster", JobClasses: []string{"render"}},
	}

	err := m.reconcileWorkers(context.Background())
	require.Error(t, err)
	// A failed describeTasks must not evict workers it couldn't observe.
	require.Len(t, m.workersForClass("render"), 1)
}
