package kb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/overflow-control/internal/logging"
	"github.com/signalsfoundry/overflow-control/model"
)

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	EventTopologyReplaced EventType = iota
)

// Event is emitted to subscribers when something interesting happens.
type Event struct {
	Type     EventType
	Topology model.Topology
}

// File is the on-disk topology description.
type File struct {
	Tanks     []model.TankSpec  `yaml:"tanks" validate:"required,min=1,dive"`
	MainLines []model.MainLine  `yaml:"main_lines" validate:"dive"`
	Valves    []model.ValvePath `yaml:"valves" validate:"dive"`
}

// KnowledgeBase is an in-memory, thread-safe holder of the network topology.
// Planning passes take an immutable snapshot; replacements are atomic.
type KnowledgeBase struct {
	mu sync.RWMutex

	topo model.Topology

	subs []func(Event)
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		topo: model.Topology{
			Tanks:     make(map[string]model.TankSpec),
			MainLines: make(map[string]model.MainLine),
		},
	}
}

// Snapshot returns a deep copy of the current topology.
func (kb *KnowledgeBase) Snapshot() model.Topology {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return cloneTopology(kb.topo)
}

// Tank returns the TankSpec of a tank, or false when unknown.
func (kb *KnowledgeBase) Tank(id string) (model.TankSpec, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	t, ok := kb.topo.Tanks[id]
	return t, ok
}

// Replace validates topo and swaps it in, notifying subscribers.
func (kb *KnowledgeBase) Replace(topo model.Topology) error {
	if err := topo.Validate(); err != nil {
		return fmt.Errorf("invalid topology: %w", err)
	}
	topo = cloneTopology(topo)

	kb.mu.Lock()
	kb.topo = topo
	subs := append([]func(Event){}, kb.subs...)
	kb.mu.Unlock()

	ev := Event{Type: EventTopologyReplaced, Topology: cloneTopology(topo)}
	for _, fn := range subs {
		fn(ev)
	}
	return nil
}

// Subscribe registers a callback invoked after each successful Replace.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.subs = append(kb.subs, fn)
}

// LoadFile reads a YAML topology file and replaces the current topology.
func (kb *KnowledgeBase) LoadFile(path string) error {
	topo, err := ParseFile(path)
	if err != nil {
		return err
	}
	return kb.Replace(topo)
}

// ParseFile reads and validates a YAML topology file.
func ParseFile(path string) (model.Topology, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.Topology{}, fmt.Errorf("read topology %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes and validates a YAML topology document.
func Parse(raw []byte) (model.Topology, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return model.Topology{}, fmt.Errorf("decode topology: %w", err)
	}
	if err := validator.New().Struct(f); err != nil {
		return model.Topology{}, fmt.Errorf("validate topology: %w", err)
	}

	topo := model.Topology{
		Tanks:     make(map[string]model.TankSpec, len(f.Tanks)),
		MainLines: make(map[string]model.MainLine, len(f.MainLines)),
		Paths:     append([]model.ValvePath(nil), f.Valves...),
	}
	for _, t := range f.Tanks {
		if _, dup := topo.Tanks[t.ID]; dup {
			return model.Topology{}, fmt.Errorf("tank %q declared twice", t.ID)
		}
		topo.Tanks[t.ID] = t
	}
	for _, l := range f.MainLines {
		if _, dup := topo.MainLines[l.ID]; dup {
			return model.Topology{}, fmt.Errorf("main line %q declared twice", l.ID)
		}
		topo.MainLines[l.ID] = l
	}
	if err := topo.Validate(); err != nil {
		return model.Topology{}, err
	}
	return topo, nil
}

// Watch reloads the topology whenever path changes on disk, until ctx is
// cancelled. Invalid files are logged and the previous topology is kept.
func (kb *KnowledgeBase) Watch(ctx context.Context, path string, debounce time.Duration, log logging.Logger) error {
	if log == nil {
		log = logging.Noop()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create topology watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	go func() {
		defer w.Close()
		target := filepath.Clean(path)
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.NewTimer(debounce)
				fire = timer.C
			case <-fire:
				fire = nil
				if err := kb.LoadFile(path); err != nil {
					log.Warn(ctx, "topology reload rejected", logging.String("path", path), logging.Err(err))
					continue
				}
				log.Info(ctx, "topology reloaded", logging.String("path", path))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn(ctx, "topology watcher error", logging.Err(err))
			}
		}
	}()
	return nil
}

func cloneTopology(t model.Topology) model.Topology {
	out := model.Topology{
		Tanks:     make(map[string]model.TankSpec, len(t.Tanks)),
		MainLines: make(map[string]model.MainLine, len(t.MainLines)),
		Paths:     append([]model.ValvePath(nil), t.Paths...),
	}
	for k, v := range t.Tanks {
		out.Tanks[k] = v
	}
	for k, v := range t.MainLines {
		out.MainLines[k] = v
	}
	return out
}
