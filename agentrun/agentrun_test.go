package agentrun_test

import (
	"context"
	"testing"
	"time"

	"github.com/cordonlabs/toolgate/agentrun"
	"github.com/cordonlabs/toolgate/agentrun/agentruntest"
	"github.com/cordonlabs/toolgate/usage"
	usagemem "github.com/cordonlabs/toolgate/usage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMeter(budget int64) usage.Meter {
	return usagemem.New(usage.StaticResolver{Plan: usage.Plan{
		BudgetTokens: budget,
		WindowLength: time.Hour,
		Anchor:       time.Unix(0, 0),
	}})
}

func TestAttributeChargesMeter(t *testing.T) {
	meter := newMeter(1000)
	defer meter.Close()
	a := agentrun.NewAttributor(agentruntest.New(), meter)

	dec, err := a.Attribute(context.Background(), "u1", agentrun.RunUsage{InputTokens: 100, OutputTokens: 50})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	led, err := meter.GetUserUsage(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), led.Consumed())
}

func TestAttributeZeroUsageIsFree(t *testing.T) {
	meter := newMeter(1000)
	defer meter.Close()
	a := agentrun.NewAttributor(agentruntest.New(), meter)

	dec, err := a.Attribute(context.Background(), "u1", agentrun.RunUsage{})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	led, err := meter.GetUserUsage(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), led.Consumed())
}

func TestAttributeSurfacesQuotaExceeded(t *testing.T) {
	meter := newMeter(100)
	defer meter.Close()
	a := agentrun.NewAttributor(agentruntest.New(), meter)

	_, err := a.Attribute(context.Background(), "u1", agentrun.RunUsage{InputTokens: 120})
	require.ErrorIs(t, err, agentrun.ErrQuotaExceeded)
}

func TestStreamRunRelaysAndCharges(t *testing.T) {
	meter := newMeter(1000)
	defer meter.Close()
	fake := agentruntest.New()
	a := agentrun.NewAttributor(fake, meter)

	ctx := context.Background()
	th, err := fake.CreateThread(ctx, "u1", nil)
	require.NoError(t, err)

	fake.Script(
		agentrun.Event{Type: agentrun.EventMessageDelta, Delta: "hel"},
		agentrun.Event{Type: agentrun.EventMessageDelta, Delta: "lo"},
		agentrun.Event{Type: agentrun.EventRunCompleted, Usage: &agentrun.RunUsage{InputTokens: 40, OutputTokens: 10}},
	)

	stream, err := a.StreamRun(ctx, "u1", th.ID, "say hello")
	require.NoError(t, err)

	var got []agentrun.Event
	for ev := range stream {
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	assert.Equal(t, agentrun.EventRunCompleted, got[2].Type)

	led, err := meter.GetUserUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), led.Consumed())

	state, err := fake.GetState(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, agentrun.RunCompleted, state)
}

func TestStreamRunFailedRunChargesNothing(t *testing.T) {
	meter := newMeter(1000)
	defer meter.Close()
	fake := agentruntest.New()
	a := agentrun.NewAttributor(fake, meter)

	ctx := context.Background()
	th, err := fake.CreateThread(ctx, "u1", nil)
	require.NoError(t, err)

	fake.Script(agentrun.Event{Type: agentrun.EventRunFailed})

	stream, err := a.StreamRun(ctx, "u1", th.ID, "boom")
	require.NoError(t, err)
	for range stream {
	}

	led, err := meter.GetUserUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), led.Consumed())
}
