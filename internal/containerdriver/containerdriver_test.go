package containerdriver

import (
	"testing"

	"github.com/dispatchforge/jobcore/internal/jobschema"
	"github.com/stretchr/testify/require"
)

func TestMapStatus(t *testing.T) {
	cases := map[string]jobschema.WorkerStatus{
		"PROVISIONING":   jobschema.WorkerPending,
		"PENDING":        jobschema.WorkerPending,
		"ACTIVATING":     jobschema.WorkerPending,
		"RUNNING":        jobschema.WorkerRunning,
		"DEACTIVATING":   jobschema.WorkerStopped,
		"STOPPING":       jobschema.WorkerStopped,
		"STOPPED":        jobschema.WorkerStopped,
		"DEPROVISIONING": jobschema.WorkerStopped,
		"DEPROVISIONED":  jobschema.WorkerStopped,
	}
	for raw, want := range cases {
		got, ok := MapStatus(raw)
		require.True(t, ok, raw)
		require.Equal(t, want, got, raw)
	}
}

func TestMapStatusUnknownIsNotOk(t *testing.T) {
	_, ok := MapStatus("SOMETHING_NEW")
	require.False(t, ok)
}
