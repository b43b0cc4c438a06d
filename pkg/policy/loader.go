package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay debounces bursts of file events into one reload.
const DefaultReloadDelay = 500 * time.Millisecond

// Loader reads operator-supplied .rego policies from a directory and keeps
// an evaluator's custom gates in sync with it.
type Loader struct {
	dir    string
	logger zerolog.Logger
	delay  time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a loader for dir.
func NewLoader(dir string, logger zerolog.Logger) *Loader {
	return &Loader{
		dir:    dir,
		logger: logger.With().Str("component", "policy-loader").Logger(),
		delay:  DefaultReloadDelay,
	}
}

// Load returns every .rego file in the directory, ordered by file name.
// Subdirectories are not descended into.
func (l *Loader) Load() ([]Policy, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".rego" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	policies := make([]Policy, 0, len(names))
	for _, name := range names {
		path := filepath.Join(l.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		policies = append(policies, Policy{
			Name:        strings.TrimSuffix(name, ".rego"),
			Description: leadingComment(string(data)),
			Rego:        string(data),
			Source:      path,
		})
	}
	return policies, nil
}

// Apply compiles the directory's policies and installs them on e. On any
// compile error the evaluator keeps its previous gates.
func (l *Loader) Apply(ctx context.Context, e *Evaluator) error {
	policies, err := l.Load()
	if err != nil {
		return err
	}
	gates, err := CompileRegoGates(ctx, policies)
	if err != nil {
		return err
	}
	e.SetCustomGates(gates)
	return nil
}

// Watch applies the directory to e whenever a .rego file changes, until ctx
// is done.
func (l *Loader) Watch(ctx context.Context, e *Evaluator) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", l.dir, err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, e)

	l.logger.Info().Str("dir", l.dir).Msg("watching policy directory")
	return nil
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, e *Evaluator) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".rego" {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("policy file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(l.delay, func() {
				if err := l.Apply(ctx, e); err != nil {
					l.logger.Error().Err(err).Msg("failed to reload policies, keeping previous set")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

// Close stops watching.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}

// leadingComment joins the comment lines at the top of a Rego file.
func leadingComment(content string) string {
	var parts []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed == "" && len(parts) == 0 {
				continue
			}
			break
		}
		if c := strings.TrimSpace(strings.TrimPrefix(trimmed, "#")); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, " ")
}
