//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownContextCancelledBySignal(t *testing.T) {
	ctx, cancel := shutdownContext(context.Background(), syscall.SIGUSR1)
	defer cancel()

	// keeps the process alive once shutdownContext lets go of SIGUSR1
	keep := make(chan os.Signal, 1)
	signal.Notify(keep, syscall.SIGUSR1)
	defer signal.Stop(keep)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled by signal")
	}
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestShutdownContextCancelledByParent(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	ctx, cancel := shutdownContext(parent, syscall.SIGUSR2)
	defer cancel()

	cancelParent()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled with parent")
	}
}
