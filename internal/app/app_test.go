//go:build unit

package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/LerianStudio/payment-outbox/internal/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type appFunc func(l *Launcher) error

func (fn appFunc) Run(l *Launcher) error { return fn(l) }

func TestLauncherRunsAllApps(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	launcher := NewLauncher(
		WithLogger(log.NewNop()),
		WithContext(ctx),
		RunApp("dispatcher", appFunc(func(l *Launcher) error {
			runs.Add(1)
			assert.Equal(t, ctx, l.Context())

			return nil
		})),
		RunApp("consumer", appFunc(func(*Launcher) error {
			runs.Add(1)

			return nil
		})),
	)

	require.NoError(t, launcher.RunWithError())
	assert.Equal(t, int32(2), runs.Load())
}

func TestLauncherJoinsAppErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("broker closed")

	launcher := NewLauncher(
		WithLogger(log.NewNop()),
		RunApp("consumer", appFunc(func(*Launcher) error { return boom })),
	)

	err := launcher.RunWithError()
	require.ErrorIs(t, err, boom)
}

func TestLauncherConfigErrors(t *testing.T) {
	t.Parallel()

	launcher := NewLauncher(
		WithLogger(log.NewNop()),
		RunApp(" ", appFunc(func(*Launcher) error { return nil })),
		RunApp("nil", nil),
	)

	err := launcher.RunWithError()
	require.ErrorIs(t, err, ErrConfigFailed)
	require.ErrorIs(t, err, ErrEmptyApp)
	require.ErrorIs(t, err, ErrNilApp)
}

func TestLauncherRequiresLogger(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, NewLauncher().RunWithError(), ErrLoggerNil)

	var nilLauncher *Launcher
	require.ErrorIs(t, nilLauncher.RunWithError(), ErrNilLauncher)
}
