package docmirror

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Settings is the user-editable sync configuration. The desktop shell writes
// the file; this process only reads it.
type Settings struct {
	Endpoint    string `json:"endpoint"`
	OnlineMode  bool   `json:"onlineMode"`
	DisplayName string `json:"displayName,omitempty"`
	CursorColor string `json:"cursorColor,omitempty"`
}

const settingsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "endpoint": {"type": "string", "minLength": 1},
    "onlineMode": {"type": "boolean"},
    "displayName": {"type": "string", "maxLength": 120},
    "cursorColor": {"type": "string", "pattern": "^#[0-9a-fA-F]{6}$"}
  },
  "required": ["endpoint", "onlineMode"],
  "additionalProperties": false
}`

func compileSettingsSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(settingsSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("settings.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("settings.json")
}

// LoadSettings reads and validates a settings file. Validation failures are
// returned as errors; a half-written or hand-mangled file never becomes the
// active configuration.
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	return parseSettings(data)
}

func parseSettings(data []byte) (Settings, error) {
	schema, err := compileSettingsSchema()
	if err != nil {
		return Settings{}, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Settings{}, fmt.Errorf("settings: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return Settings{}, fmt.Errorf("settings: %w", err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return Settings{}, fmt.Errorf("settings: expected object")
	}
	s := Settings{}
	if v, ok := obj["endpoint"].(string); ok {
		s.Endpoint = v
	}
	if v, ok := obj["onlineMode"].(bool); ok {
		s.OnlineMode = v
	}
	if v, ok := obj["displayName"].(string); ok {
		s.DisplayName = v
	}
	if v, ok := obj["cursorColor"].(string); ok {
		s.CursorColor = v
	}
	return s, nil
}

// SettingsWatcher keeps the current settings hot-reloaded from disk. Invalid
// writes are logged and skipped; the last valid settings stay active.
type SettingsWatcher struct {
	path   string
	logger Logger

	mu      sync.Mutex
	current Settings
	nextSub int
	subs    map[int]func(Settings)
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewSettingsWatcher loads the file once and starts watching its directory.
// Watching the directory instead of the file survives the rename-over-write
// pattern editors and the desktop shell use.
func NewSettingsWatcher(path string, logger Logger) (*SettingsWatcher, error) {
	current, err := LoadSettings(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w := &SettingsWatcher{
		path:    path,
		logger:  ensureLogger(logger),
		current: current,
		subs:    map[int]func(Settings){},
		watcher: fsw,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Current returns the active settings.
func (w *SettingsWatcher) Current() Settings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Subscribe registers a callback fired after every accepted reload. The
// returned function unsubscribes.
func (w *SettingsWatcher) Subscribe(fn func(Settings)) func() {
	w.mu.Lock()
	id := w.nextSub
	w.nextSub++
	w.subs[id] = fn
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()
	}
}

func (w *SettingsWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("docmirror: settings watcher: %v", err)
		}
	}
}

func (w *SettingsWatcher) reload() {
	settings, err := LoadSettings(w.path)
	if err != nil {
		w.logger.Printf("docmirror: settings reload rejected: %v", err)
		return
	}
	w.mu.Lock()
	if settings == w.current {
		w.mu.Unlock()
		return
	}
	w.current = settings
	subs := make([]func(Settings), 0, len(w.subs))
	for _, fn := range w.subs {
		subs = append(subs, fn)
	}
	w.mu.Unlock()
	for _, fn := range subs {
		fn(settings)
	}
}

// Close stops the watcher and waits for the event loop to exit.
func (w *SettingsWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
