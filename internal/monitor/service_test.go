package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swing-trader/internal/domain"
	"swing-trader/internal/metrics"
	"swing-trader/internal/store"
)

func TestNotifyCooldown(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()
	svc := NewService(repo, metrics.New(), 10*time.Minute, nil)
	now := time.Date(2024, 5, 6, 4, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	assert.True(t, svc.Notify(ctx, domain.SeverityCritical, AlertCircuitBreaker, "熔断", map[string]string{"pass": "entry"}))
	assert.False(t, svc.Notify(ctx, domain.SeverityCritical, AlertCircuitBreaker, "熔断", nil))
	// 级别不同视为不同告警
	assert.True(t, svc.Notify(ctx, domain.SeverityWarning, AlertCircuitBreaker, "熔断", nil))

	now = now.Add(10 * time.Minute)
	assert.True(t, svc.Notify(ctx, domain.SeverityCritical, AlertCircuitBreaker, "熔断", nil))

	events, err := svc.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, domain.SeverityCritical, events[0].Severity)
	assert.Equal(t, "entry", events[2].Context["pass"])
}

func TestNotifyWithoutStore(t *testing.T) {
	svc := NewService(nil, nil, 0, nil)
	assert.True(t, svc.Notify(context.Background(), domain.SeverityInfo, AlertExit, "离场", nil))
	events, err := svc.Recent(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, events)
}
