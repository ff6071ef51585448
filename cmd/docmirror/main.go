package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/agentworkforce/docmirror/internal/docmirror"
	"github.com/agentworkforce/docmirror/internal/httpapi"
	"github.com/agentworkforce/docmirror/internal/remotesync"
)

func main() {
	logger := buildLogger()

	addr := os.Getenv("DOCMIRROR_ADDR")
	if addr == "" {
		addr = "127.0.0.1:7420"
	}

	storeDSN, err := storeDSNFromEnv()
	if err != nil {
		logger.Fatalf("failed to resolve store backend: %v", err)
	}
	store, err := docmirror.BuildStoreFromDSN(storeDSN)
	if err != nil {
		logger.Fatalf("failed to open store %s: %v", storeDSN, err)
	}

	settings, settingsWatcher, err := loadSettingsFromEnv(logger)
	if err != nil {
		logger.Fatalf("failed to load settings: %v", err)
	}

	endpoint := settings.Endpoint
	token := strings.TrimSpace(os.Getenv("DOCMIRROR_TOKEN"))

	var probe docmirror.ProbeFunc
	if endpoint != "" {
		probe = docmirror.HTTPProbe(endpoint+"/health", durationEnv("DOCMIRROR_PROBE_TIMEOUT", 5*time.Second))
	}
	network := docmirror.NewNetworkMonitor(docmirror.NetworkMonitorOptions{
		Probe:         probe,
		ProbeInterval: durationEnv("DOCMIRROR_PROBE_INTERVAL", 15*time.Second),
	})

	snapshotClient := remotesync.NewHTTPSnapshotClient(endpoint, token, nil)

	engine, err := docmirror.NewEngine(docmirror.EngineOptions{
		Store:        store,
		Dialer:       remotesync.NewDialer(logger),
		Snapshots:    &snapshotAdapter{client: snapshotClient},
		Auth:         docmirror.StaticAuth(token),
		Network:      network,
		Logger:       logger,
		ScanInterval: durationEnv("DOCMIRROR_SCAN_INTERVAL", 0),
		Concurrency:  intEnv("DOCMIRROR_RETRY_CONCURRENCY", 0),
	})
	if err != nil {
		logger.Fatalf("failed to build engine: %v", err)
	}
	engine.Start()

	var unsubSettings func()
	if settingsWatcher != nil {
		unsubSettings = settingsWatcher.Subscribe(func(s docmirror.Settings) {
			snapshotClient.SetEndpoint(s.Endpoint)
			logger.Printf("docmirror: settings reloaded: endpoint %s, online mode %t (probe endpoint changes apply on restart)", s.Endpoint, s.OnlineMode)
		})
	}

	server := httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{
		AdminToken:   os.Getenv("DOCMIRROR_ADMIN_TOKEN"),
		MaxBodyBytes: int64Env("DOCMIRROR_MAX_BODY_BYTES", 0),
	})

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		logger.Printf("docmirror listening on %s (store %s)", addr, storeDSN)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Printf("docmirror shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if unsubSettings != nil {
		unsubSettings()
	}
	if settingsWatcher != nil {
		_ = settingsWatcher.Close()
	}
	if err := engine.Close(); err != nil {
		logger.Printf("engine close: %v", err)
	}
}

// snapshotAdapter bridges the HTTP snapshot client into the engine's
// interface, flattening the upload result and translating conflict errors
// into the engine's sentinel so status bookkeeping can match on them.
type snapshotAdapter struct {
	client *remotesync.HTTPSnapshotClient
}

func (a *snapshotAdapter) UploadSnapshot(ctx context.Context, documentID, cloudID string, snapshot []byte) (string, error) {
	result, err := a.client.UploadSnapshot(ctx, documentID, cloudID, snapshot)
	if err != nil {
		if errors.Is(err, remotesync.ErrConflict) {
			return "", fmt.Errorf("%w: %s", docmirror.ErrConflict, err)
		}
		return "", err
	}
	return result.CloudID, nil
}

func (a *snapshotAdapter) DeleteSnapshot(ctx context.Context, cloudID string) error {
	return a.client.DeleteSnapshot(ctx, cloudID)
}

// buildLogger routes process logs either to stderr or, when a log file is
// configured, through size-based rotation.
func buildLogger() *log.Logger {
	logFile := strings.TrimSpace(os.Getenv("DOCMIRROR_LOG_FILE"))
	if logFile == "" {
		return log.Default()
	}
	return log.New(&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    intEnv("DOCMIRROR_LOG_MAX_SIZE_MB", 20),
		MaxBackups: intEnv("DOCMIRROR_LOG_MAX_BACKUPS", 5),
		MaxAge:     intEnv("DOCMIRROR_LOG_MAX_AGE_DAYS", 30),
		Compress:   true,
	}, "", log.LstdFlags)
}

// loadSettingsFromEnv prefers the watched settings file; without one, the
// endpoint comes straight from the environment and there is nothing to watch.
func loadSettingsFromEnv(logger *log.Logger) (docmirror.Settings, *docmirror.SettingsWatcher, error) {
	settingsFile := strings.TrimSpace(os.Getenv("DOCMIRROR_SETTINGS_FILE"))
	if settingsFile == "" {
		return docmirror.Settings{
			Endpoint:   strings.TrimSpace(os.Getenv("DOCMIRROR_ENDPOINT")),
			OnlineMode: boolEnv("DOCMIRROR_ONLINE_MODE", true),
		}, nil, nil
	}
	watcher, err := docmirror.NewSettingsWatcher(settingsFile, logger)
	if err != nil {
		return docmirror.Settings{}, nil, err
	}
	return watcher.Current(), watcher, nil
}

// storeDSNFromEnv resolves the durable backend: an explicit DSN wins,
// otherwise the profile picks embedded, in-memory, or hosted storage.
func storeDSNFromEnv() (string, error) {
	if dsn := strings.TrimSpace(os.Getenv("DOCMIRROR_STORE_DSN")); dsn != "" {
		return dsn, nil
	}
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("DOCMIRROR_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("DOCMIRROR_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".docmirror"
	}
	switch profile {
	case "", "embedded", "durable-local", "local-durable":
		return "badger://" + filepath.Join(dataDir, "store"), nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("DOCMIRROR_POSTGRES_DSN"))
		if dsn == "" {
			return "", fmt.Errorf("DOCMIRROR_POSTGRES_DSN is required when DOCMIRROR_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported DOCMIRROR_BACKEND_PROFILE: %s", profile)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
