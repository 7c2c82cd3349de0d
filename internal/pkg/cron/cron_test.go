package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterAndList(t *testing.T) {
	s := New()
	s.Register(Job{Name: "renew", Description: "renew expiring triggers", Interval: time.Hour})
	s.Register(Job{Name: "cleanup", Description: "drop old events", Interval: 24 * time.Hour})

	items := s.List()
	require.Len(t, items, 2)
	// Sorted by name.
	require.Equal(t, "cleanup", items[0].Name)
	require.Equal(t, "renew", items[1].Name)
	require.Equal(t, StatusIdle, items[0].Status)
	require.Nil(t, items[0].LastRunAt)
	require.NotNil(t, items[0].NextDate)
	require.WithinDuration(t, time.Now().Add(24*time.Hour), *items[0].NextDate, 5*time.Second)
}

func TestRunExecutesJob(t *testing.T) {
	s := New()
	ran := make(chan struct{}, 1)
	s.Register(Job{Name: "renew", Interval: time.Hour, Fn: func(ctx context.Context) error {
		ran <- struct{}{}
		return nil
	}})

	require.NoError(t, s.Run(context.Background(), "renew"))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}

	require.Eventually(t, func() bool {
		res, err := s.GetTask("renew")
		return err == nil && res.Status == StatusFulfill
	}, 2*time.Second, 10*time.Millisecond)

	items := s.List()
	require.NotNil(t, items[0].LastRunAt)
}

func TestRunUnknownJob(t *testing.T) {
	s := New()
	require.ErrorContains(t, s.Run(context.Background(), "ghost"), `job "ghost" not found`)

	_, err := s.GetTask("ghost")
	require.ErrorContains(t, err, "not found")
}

func TestFailedRunRecordsRejectAndMessage(t *testing.T) {
	s := New()
	s.Register(Job{Name: "renew", Interval: time.Hour, Fn: func(ctx context.Context) error {
		return errors.New("provider unreachable")
	}})

	require.NoError(t, s.Run(context.Background(), "renew"))

	require.Eventually(t, func() bool {
		res, err := s.GetTask("renew")
		return err == nil && res.Status == StatusReject && res.Message == "provider unreachable"
	}, 2*time.Second, 10*time.Millisecond)

	// A later successful run clears the message.
	s.jobs["renew"].Fn = func(ctx context.Context) error { return nil }
	require.NoError(t, s.Run(context.Background(), "renew"))
	require.Eventually(t, func() bool {
		res, err := s.GetTask("renew")
		return err == nil && res.Status == StatusFulfill && res.Message == ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunningJobIsNotReentered(t *testing.T) {
	s := New()
	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})
	s.Register(Job{Name: "slow", Interval: time.Hour, Fn: func(ctx context.Context) error {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return nil
	}})

	require.NoError(t, s.Run(context.Background(), "slow"))
	<-started

	res, err := s.GetTask("slow")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, res.Status)

	// Triggering again while running is a no-op.
	require.NoError(t, s.Run(context.Background(), "slow"))
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, calls.Load())

	close(release)
	require.Eventually(t, func() bool {
		res, err := s.GetTask("slow")
		return err == nil && res.Status == StatusFulfill
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartRunsJobOnInterval(t *testing.T) {
	s := New()
	var runs atomic.Int32
	s.Register(Job{Name: "tick", Interval: 20 * time.Millisecond, Fn: func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)

	cancel()
	settled := runs.Load()
	time.Sleep(100 * time.Millisecond)
	require.LessOrEqual(t, runs.Load(), settled+1, "loop should stop after cancel")
}
