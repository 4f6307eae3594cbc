// Package app runs the long-lived components of the service side by side.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/LerianStudio/payment-outbox/internal/log"
	"github.com/LerianStudio/payment-outbox/internal/runtime"
)

var (
	// ErrLoggerNil is returned when the launcher has no logger.
	ErrLoggerNil = errors.New("logger is nil")
	// ErrNilLauncher is returned when a launcher method is called on a nil receiver.
	ErrNilLauncher = errors.New("launcher is nil")
	// ErrEmptyApp is returned when an app name is empty or whitespace.
	ErrEmptyApp = errors.New("app name is empty")
	// ErrNilApp is returned when a nil app instance is provided.
	ErrNilApp = errors.New("app is nil")
	// ErrConfigFailed is returned when launcher option application collected errors.
	ErrConfigFailed = errors.New("launcher configuration failed")
)

// App is a deployable component started by the launcher.
type App interface {
	Run(launcher *Launcher) error
}

// LauncherOption defines a function option for Launcher.
type LauncherOption func(l *Launcher)

// WithLogger adds a log.Logger component to launcher.
func WithLogger(logger log.Logger) LauncherOption {
	return func(l *Launcher) {
		l.Logger = logger
	}
}

// WithContext sets the root context handed to apps. Cancelling it asks apps to stop.
func WithContext(ctx context.Context) LauncherOption {
	return func(l *Launcher) {
		if ctx != nil {
			l.ctx = ctx
		}
	}
}

// RunApp registers an application with the launcher.
// Registration errors surface when RunWithError is called.
func RunApp(name string, app App) LauncherOption {
	return func(l *Launcher) {
		if err := l.Add(name, app); err != nil {
			l.configErrors = append(l.configErrors, fmt.Errorf("add app %q: %w", name, err))
		}
	}
}

// Launcher manages apps.
type Launcher struct {
	Logger       log.Logger
	ctx          context.Context
	apps         map[string]App
	order        []string
	configErrors []error
	mu           sync.Mutex
	appErrors    []error
}

// NewLauncher creates a launcher configured by opts.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{
		ctx:  context.Background(),
		apps: make(map[string]App),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}

	return l
}

// Context returns the root context apps should observe for shutdown.
func (l *Launcher) Context() context.Context {
	if l == nil || l.ctx == nil {
		return context.Background()
	}

	return l.ctx
}

// Add registers an application under appName.
func (l *Launcher) Add(appName string, a App) error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.apps == nil {
		l.apps = make(map[string]App)
	}

	if strings.TrimSpace(appName) == "" {
		return ErrEmptyApp
	}

	if a == nil {
		return ErrNilApp
	}

	if _, exists := l.apps[appName]; !exists {
		l.order = append(l.order, appName)
	}

	l.apps[appName] = a

	return nil
}

// RunWithError runs every registered app concurrently and waits for all of
// them to return. App errors are logged and joined into the returned error.
func (l *Launcher) RunWithError() error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.Logger == nil {
		return ErrLoggerNil
	}

	if len(l.configErrors) > 0 {
		return errors.Join(append([]error{ErrConfigFailed}, l.configErrors...)...)
	}

	ctx := l.Context()

	var wg sync.WaitGroup

	wg.Add(len(l.order))

	l.Logger.Log(ctx, log.LevelInfo, "starting apps", log.Int("count", len(l.order)))

	for _, name := range l.order {
		appName := name
		instance := l.apps[name]

		runtime.SafeGoWithContext(ctx, l.Logger, "launcher", "run_app_"+appName, runtime.KeepRunning, func(ctx context.Context) {
			defer wg.Done()

			l.Logger.Log(ctx, log.LevelInfo, "app starting", log.String("app", appName))

			if err := instance.Run(l); err != nil {
				l.Logger.Log(ctx, log.LevelError, "app error", log.String("app", appName), log.Err(err))
				l.recordError(fmt.Errorf("app %q: %w", appName, err))
			}

			l.Logger.Log(ctx, log.LevelInfo, "app finished", log.String("app", appName))
		})
	}

	wg.Wait()

	l.Logger.Log(ctx, log.LevelInfo, "launcher terminated")

	l.mu.Lock()
	defer l.mu.Unlock()

	return errors.Join(l.appErrors...)
}

func (l *Launcher) recordError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.appErrors = append(l.appErrors, err)
}
