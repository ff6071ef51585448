package docmirror

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadSettingsValid(t *testing.T) {
	path := writeSettingsFile(t, `{
		"endpoint": "https://sync.example.com",
		"onlineMode": true,
		"displayName": "Ada",
		"cursorColor": "#ff8800"
	}`)
	settings, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if settings.Endpoint != "https://sync.example.com" || !settings.OnlineMode {
		t.Fatalf("settings = %+v", settings)
	}
	if settings.DisplayName != "Ada" || settings.CursorColor != "#ff8800" {
		t.Fatalf("presence fields = %+v", settings)
	}
}

func TestLoadSettingsRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing endpoint":   `{"onlineMode": true}`,
		"missing onlineMode": `{"endpoint": "https://x"}`,
		"empty endpoint":     `{"endpoint": "", "onlineMode": true}`,
		"bad cursor color":   `{"endpoint": "https://x", "onlineMode": true, "cursorColor": "red"}`,
		"unknown field":      `{"endpoint": "https://x", "onlineMode": true, "theme": "dark"}`,
		"not json":           `{endpoint}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeSettingsFile(t, content)
			if _, err := LoadSettings(path); err == nil {
				t.Fatalf("invalid settings accepted")
			}
		})
	}
}

func TestSettingsWatcherReloadsValidWrites(t *testing.T) {
	path := writeSettingsFile(t, `{"endpoint": "https://a.example.com", "onlineMode": false}`)
	watcher, err := NewSettingsWatcher(path, nopLogger{})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer watcher.Close()

	updated := make(chan Settings, 1)
	unsub := watcher.Subscribe(func(s Settings) {
		select {
		case updated <- s:
		default:
		}
	})
	defer unsub()

	if err := os.WriteFile(path, []byte(`{"endpoint": "https://b.example.com", "onlineMode": true}`), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case s := <-updated:
		if s.Endpoint != "https://b.example.com" || !s.OnlineMode {
			t.Fatalf("reloaded settings = %+v", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("reload never observed")
	}
	if watcher.Current().Endpoint != "https://b.example.com" {
		t.Fatalf("current = %+v", watcher.Current())
	}
}

func TestSettingsWatcherKeepsLastValidOnBadWrite(t *testing.T) {
	path := writeSettingsFile(t, `{"endpoint": "https://a.example.com", "onlineMode": false}`)
	watcher, err := NewSettingsWatcher(path, nopLogger{})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer watcher.Close()

	if err := os.WriteFile(path, []byte(`{"endpoint": ""`), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	// Give the watcher a moment to see and reject the write.
	time.Sleep(200 * time.Millisecond)
	if watcher.Current().Endpoint != "https://a.example.com" {
		t.Fatalf("invalid write replaced settings: %+v", watcher.Current())
	}
}

func writeSettingsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	return path
}
