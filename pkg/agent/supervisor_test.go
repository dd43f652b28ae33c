package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waldur/waldur-site-agent/pkg/config"
	"github.com/waldur/waldur-site-agent/pkg/stomp"
	"github.com/waldur/waldur-site-agent/pkg/types"
)

func TestSyncFallbackMembershipsCoversEventConcerns(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		fmt.Fprint(w, `[]`)
	}))
	t.Cleanup(server.Close)

	offering := &types.Offering{
		Name:                  "hpc",
		UUID:                  "off-1",
		APIURL:                server.URL,
		APIToken:              "secret",
		BackendType:           "slurm",
		MembershipSyncBackend: "slurm",
		PluginOptions: map[string]interface{}{
			"username_generation_policy": "service_provider",
		},
	}
	w, err := newWorker(offering, &config.Config{ReportingPeriods: 2}, types.ModeEventProcess, "test")
	require.NoError(t, err)

	s := &Supervisor{logger: zerolog.Nop(), stopCh: make(chan struct{})}
	s.syncFallbackMemberships(context.Background(), []*worker{w})

	// Offerings polling instead of consuming events still get their
	// offering users and memberships reconciled.
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, paths, "/api/marketplace-offering-users/")
	assert.Contains(t, paths, "/api/marketplace-provider-resources/")
}

func TestStopConcurrentWithConsumerRegistration(t *testing.T) {
	s := &Supervisor{logger: zerolog.Nop(), stopCh: make(chan struct{})}
	offering := &types.Offering{Name: "hpc", UUID: "off-1"}
	makeConsumer := func() *stomp.Consumer {
		return stomp.NewConsumer(offering, types.EventSubscription{UUID: "sub-1"}, types.ObjectTypeOrder, nil)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 64; i++ {
			if !s.addConsumers([]*stomp.Consumer{makeConsumer()}) {
				return
			}
		}
	}()
	s.stop()
	<-done

	// Registration after shutdown is refused; the caller stops its own
	// consumers.
	assert.False(t, s.addConsumers([]*stomp.Consumer{makeConsumer()}))
	s.stop()
}
