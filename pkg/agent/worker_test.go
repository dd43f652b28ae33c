package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waldur/waldur-site-agent/pkg/config"
	"github.com/waldur/waldur-site-agent/pkg/types"
)

func workerOffering() *types.Offering {
	return &types.Offering{
		Name:        "hpc",
		UUID:        "off-1",
		APIURL:      "http://marketplace.example.org",
		APIToken:    "secret",
		BackendType: "slurm",
	}
}

func TestWorkerClockFollowsConfiguredTimezone(t *testing.T) {
	loc := time.FixedZone("UTC+13", 13*3600)
	cfg := &config.Config{ReportingPeriods: 2, Location: loc}

	w, err := newWorker(workerOffering(), cfg, types.ModeReport, "test")
	require.NoError(t, err)

	now := w.clock()
	assert.Equal(t, loc, now.Location())
	assert.WithinDuration(t, time.Now(), now, time.Minute)
}

func TestWorkerClockDefaultsToUTC(t *testing.T) {
	w, err := newWorker(workerOffering(), &config.Config{ReportingPeriods: 2}, types.ModeOrderProcess, "test")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, w.clock().Location())
}
