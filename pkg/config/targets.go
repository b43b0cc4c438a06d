package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/changeflow/pkg/engine"
)

// targetSchema constrains every target config file. Each file declares one
// or more configs under targets, keyed by id.
const targetSchema = `
#TargetConfig: {
	id:                      string & =~"^[a-z0-9][a-z0-9._-]*$"
	allowed_regions:         [...string]
	monthly_budget:          number & >=0
	mandatory_tags?:         [...string]
	allowed_instance_types?: [...string]
	max_instance_count?:     int & >=0
	require_encryption:      bool | *true
	allow_public_exposure:   bool | *false
}

targets: [ID=string]: #TargetConfig & {id: ID}
`

// DefaultReloadDelay debounces bursts of file events into one reload.
const DefaultReloadDelay = 500 * time.Millisecond

// TargetStore serves target configs parsed from the .cue files of a
// directory. It implements engine.TargetConfigProvider.
type TargetStore struct {
	dir    string
	logger zerolog.Logger
	delay  time.Duration

	mu      sync.RWMutex
	configs map[string]*engine.TargetConfig
	watcher *fsnotify.Watcher
}

var _ engine.TargetConfigProvider = (*TargetStore)(nil)

// NewTargetStore creates a store for dir. Call Load before serving.
func NewTargetStore(dir string, logger zerolog.Logger) *TargetStore {
	return &TargetStore{
		dir:     dir,
		logger:  logger.With().Str("component", "target-configs").Logger(),
		delay:   DefaultReloadDelay,
		configs: make(map[string]*engine.TargetConfig),
	}
}

// TargetConfig implements engine.TargetConfigProvider. The returned config
// is a copy.
func (s *TargetStore) TargetConfig(_ context.Context, id string) (*engine.TargetConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[id]
	if !ok {
		return nil, engine.NewNotFound("target config", id)
	}
	return cloneTarget(cfg), nil
}

// IDs returns the loaded config ids in order.
func (s *TargetStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.configs))
	for id := range s.configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Load parses every .cue file of the directory and replaces the served
// set. On any error the previous set is kept.
func (s *TargetStore) Load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read target config directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".cue" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	configs := make(map[string]*engine.TargetConfig)
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		parsed, err := ParseTargets(path, data)
		if err != nil {
			return err
		}
		for _, cfg := range parsed {
			if _, dup := configs[cfg.ID]; dup {
				return fmt.Errorf("%s: target config %s is declared twice", path, cfg.ID)
			}
			configs[cfg.ID] = cfg
		}
	}

	s.mu.Lock()
	s.configs = configs
	s.mu.Unlock()

	s.logger.Info().Int("count", len(configs)).Str("dir", s.dir).Msg("loaded target configs")
	return nil
}

// ParseTargets validates src against the target config schema and decodes
// its configs. filename labels error positions. Each config's Version is
// the hash of its content.
func ParseTargets(filename string, src []byte) ([]*engine.TargetConfig, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(targetSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile target schema: %w", err)
	}

	val := ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %s", filename, formatCUEError(err))
	}
	val = schema.Unify(val)
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("invalid target config in %s: %s", filename, formatCUEError(err))
	}

	targets := val.LookupPath(cue.ParsePath("targets"))
	if !targets.Exists() {
		return nil, nil
	}
	iter, err := targets.Fields()
	if err != nil {
		return nil, fmt.Errorf("failed to read targets in %s: %w", filename, err)
	}

	var configs []*engine.TargetConfig
	for iter.Next() {
		raw, err := iter.Value().MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("failed to export target %s: %w", iter.Selector(), err)
		}
		cfg := &engine.TargetConfig{}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode target %s: %w", iter.Selector(), err)
		}
		cfg.Version, err = engine.Fingerprint(cfg)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// Watch reloads the directory whenever a .cue file changes, until ctx is
// done.
func (s *TargetStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	go s.processEvents(ctx, watcher)
	return nil
}

func (s *TargetStore) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
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
			if filepath.Ext(event.Name) != ".cue" {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.delay, func() {
				if err := s.Load(); err != nil {
					s.logger.Error().Err(err).Msg("failed to reload target configs, keeping previous set")
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

// Close stops watching.
func (s *TargetStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	s.watcher = nil
	return err
}

// formatCUEError flattens a CUE error list into one line per error with
// its position.
func formatCUEError(err error) string {
	var lines []string
	for _, e := range cueerrors.Errors(err) {
		lines = append(lines, strings.TrimSpace(cueerrors.Details(e, nil)))
	}
	if len(lines) == 0 {
		return err.Error()
	}
	return strings.Join(lines, "; ")
}

func cloneTarget(cfg *engine.TargetConfig) *engine.TargetConfig {
	out := *cfg
	out.AllowedRegions = append([]string(nil), cfg.AllowedRegions...)
	out.MandatoryTags = append([]string(nil), cfg.MandatoryTags...)
	out.AllowedInstanceTypes = append([]string(nil), cfg.AllowedInstanceTypes...)
	return &out
}
