package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ptr(f float64) *float64 { return &f }

func TestInstance_Apply(t *testing.T) {
	inst := &Instance{ID: "inst-1", Status: InstanceIdle}

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	inst.Apply(&UsageEvent{
		Timestamp:    ts.UnixMilli(),
		Model:        "gpt-4o",
		InputTokens:  1000,
		OutputTokens: 500,
		CostUSD:      ptr(0.0075),
	})
	inst.Apply(&UsageEvent{
		Timestamp:    ts.Add(time.Minute).UnixMilli(),
		InputTokens:  200,
		OutputTokens: 100,
	})

	assert.Equal(t, int64(1200), inst.TotalInputTokens)
	assert.Equal(t, int64(600), inst.TotalOutputTokens)
	assert.Equal(t, 0.0075, inst.TotalCostUSD)
	assert.Equal(t, int64(2), inst.RequestCount)
	assert.Equal(t, InstanceActive, inst.Status)
	assert.Equal(t, "gpt-4o", inst.Model) // model sticks when a later event omits it
	assert.Equal(t, ts.Add(time.Minute), inst.LastActivityAt)
}

func TestInstance_SparklineFIFO(t *testing.T) {
	inst := &Instance{ID: "inst-1"}

	for i := 0; i < SparklineSize+5; i++ {
		inst.Apply(&UsageEvent{CostUSD: ptr(float64(i))})
	}

	assert.Len(t, inst.Sparkline, SparklineSize)
	// Oldest samples evicted first
	assert.Equal(t, float64(5), inst.Sparkline[0])
	assert.Equal(t, float64(SparklineSize+4), inst.Sparkline[SparklineSize-1])
}

func TestUsageEvent_InstanceKey(t *testing.T) {
	e := &UsageEvent{ProviderID: "prov-1"}
	assert.Equal(t, "prov-1", e.InstanceKey())

	e.InstanceID = "claude-code-abc"
	assert.Equal(t, "claude-code-abc", e.InstanceKey())
}

func TestUsageEvent_CostOrZero(t *testing.T) {
	e := &UsageEvent{}
	assert.Equal(t, 0.0, e.CostOrZero())

	e.CostUSD = ptr(1.25)
	assert.Equal(t, 1.25, e.CostOrZero())
}
