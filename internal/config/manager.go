// Package config provides centralized configuration with hot-reload for riskd.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ReloadCallback is called when configuration is reloaded. Returning an
// error aborts the reload and keeps the previous snapshot.
type ReloadCallback func(oldConfig, newConfig *Config) error

// Manager handles configuration loading, validation and hot-reload.
// Components read the current snapshot through Current; monitoring loops are
// never restarted on reload.
type Manager struct {
	mu        sync.RWMutex
	config    *Config
	viper     *viper.Viper
	validator *validator.Validate
	logger    *zap.Logger

	watcher         *fsnotify.Watcher
	watchPaths      []string
	reloadCallbacks []ReloadCallback
	ctx             context.Context
	cancel          context.CancelFunc

	initialized bool
	lastReload  time.Time
}

// NewManager creates a configuration manager
func NewManager(logger *zap.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		viper:     viper.New(),
		validator: validator.New(),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Load loads configuration from files and environment, validates it, and
// starts the hot-reload watcher.
func (m *Manager) Load(configPaths ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("Loading riskd configuration", zap.Strings("paths", configPaths))

	m.setupViper()

	if err := m.loadConfigFiles(configPaths...); err != nil {
		return fmt.Errorf("failed to load config files: %w", err)
	}

	m.loadEnvironmentVariables()

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	setDefaults(&cfg)

	if err := m.validateConfig(&cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if err := m.startWatcher(); err != nil {
		return fmt.Errorf("failed to start file watcher: %w", err)
	}

	m.config = &cfg
	m.initialized = true
	m.lastReload = time.Now()

	m.logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment),
		zap.Time("loaded_at", m.lastReload))

	return nil
}

// Current returns the active configuration snapshot
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// RegisterReloadCallback registers a callback invoked on every successful reload
func (m *Manager) RegisterReloadCallback(cb ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadCallbacks = append(m.reloadCallbacks, cb)
}

// Stop stops the watcher goroutine
func (m *Manager) Stop() error {
	m.cancel()
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) setupViper() {
	m.viper.SetConfigType("yaml")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.viper.SetEnvPrefix("RISKD")
}

func (m *Manager) loadConfigFiles(configPaths ...string) error {
	if len(configPaths) == 0 {
		configPaths = []string{
			"./config.yaml",
			"./config/config.yaml",
			"/etc/riskd/config.yaml",
		}
	}

	var loadedFiles []string

	for _, path := range configPaths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			m.logger.Debug("Config file not found, skipping", zap.String("path", path))
			continue
		}

		m.viper.SetConfigFile(path)
		if err := m.viper.MergeInConfig(); err != nil {
			return fmt.Errorf("failed to load config file %s: %w", path, err)
		}

		loadedFiles = append(loadedFiles, path)
		if !m.watched(path) {
			m.watchPaths = append(m.watchPaths, path)
		}
	}

	if len(loadedFiles) == 0 {
		m.logger.Warn("No configuration files found, using defaults and environment variables")
	} else {
		m.logger.Info("Loaded configuration files", zap.Strings("files", loadedFiles))
	}

	return nil
}

func (m *Manager) loadEnvironmentVariables() {
	envMappings := map[string]string{
		"RISKD_VERSION":     "version",
		"RISKD_ENVIRONMENT": "environment",

		// Ops server
		"RISKD_SERVER_HOST": "server.host",
		"RISKD_SERVER_PORT": "server.port",

		// Redis mirror
		"RISKD_REDIS_ENABLED":  "redis.enabled",
		"RISKD_REDIS_ADDRESS":  "redis.address",
		"RISKD_REDIS_PASSWORD": "redis.password",
		"RISKD_REDIS_DB":       "redis.db",

		// Kafka buses
		"RISKD_KAFKA_BROKERS":        "kafka.brokers",
		"RISKD_KAFKA_CONSUMER_GROUP": "kafka.consumer_group",

		// Market data
		"RISKD_MARKETDATA_WEBSOCKET_URL": "marketdata.websocket_url",
		"RISKD_MARKETDATA_INSTRUMENTS":   "marketdata.instruments",

		// Collaborator topics
		"RISKD_AUDIT_TOPIC":             "audit.topic",
		"RISKD_EXECUTION_COMMAND_TOPIC": "execution.command_topic",
		"RISKD_EXECUTION_ACK_TOPIC":     "execution.ack_topic",

		// Risk knobs most often overridden per environment
		"RISKD_ESCALATION_STOP_FRACTION":      "escalation.stop_fraction",
		"RISKD_ESCALATION_HARD_STOP_FRACTION": "escalation.hard_stop_fraction",
		"RISKD_BREAKERS_OBSERVE_INTERVAL":     "breakers.observe_interval",

		// Logging and tracing
		"RISKD_LOGGING_LEVEL":   "logging.level",
		"RISKD_LOGGING_FORMAT":  "logging.format",
		"RISKD_TRACING_ENABLED": "tracing.enabled",
	}

	for envVar, configKey := range envMappings {
		if value := os.Getenv(envVar); value != "" {
			m.viper.Set(configKey, value)
		}
	}

	m.logger.Debug("Environment variables loaded")
}

func (m *Manager) watched(path string) bool {
	for _, p := range m.watchPaths {
		if p == path {
			return true
		}
	}
	return false
}

func (m *Manager) validateConfig(cfg *Config) error {
	if err := m.validator.Struct(cfg); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return fmt.Errorf("custom validation failed: %w", err)
	}

	return nil
}

func (m *Manager) startWatcher() error {
	if len(m.watchPaths) == 0 {
		m.logger.Info("No config files to watch, hot-reload disabled")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	m.watcher = watcher

	for _, path := range m.watchPaths {
		if err := watcher.Add(path); err != nil {
			m.logger.Warn("Failed to watch config file", zap.String("path", path), zap.Error(err))
		} else {
			m.logger.Debug("Watching config file", zap.String("path", path))
		}
	}

	go m.watchForChanges()

	m.logger.Info("File watcher started for hot-reload", zap.Strings("paths", m.watchPaths))

	return nil
}

func (m *Manager) watchForChanges() {
	debounceTimer := time.NewTimer(0)
	debounceTimer.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}

			if event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Create == fsnotify.Create {

				m.logger.Debug("Config file changed",
					zap.String("file", event.Name),
					zap.String("operation", event.Op.String()))

				// Debounce rapid file changes
				debounceTimer.Reset(500 * time.Millisecond)
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("File watcher error", zap.Error(err))

		case <-debounceTimer.C:
			if err := m.reload(); err != nil {
				m.logger.Error("Failed to reload configuration", zap.Error(err))
			}
		}
	}
}

func (m *Manager) reload() error {
	m.logger.Info("Reloading configuration...")

	m.mu.RLock()
	oldConfig := m.config
	m.mu.RUnlock()

	newViper := viper.New()
	originalViper := m.viper
	m.viper = newViper
	m.setupViper()

	if err := m.loadConfigFiles(m.watchPaths...); err != nil {
		m.viper = originalViper
		return fmt.Errorf("failed to reload config files: %w", err)
	}

	m.loadEnvironmentVariables()

	var newConfig Config
	if err := m.viper.Unmarshal(&newConfig); err != nil {
		m.viper = originalViper
		return fmt.Errorf("failed to unmarshal reloaded config: %w", err)
	}

	setDefaults(&newConfig)

	if err := m.validateConfig(&newConfig); err != nil {
		m.viper = originalViper
		return fmt.Errorf("reloaded configuration validation failed: %w", err)
	}

	m.mu.RLock()
	callbacks := make([]ReloadCallback, len(m.reloadCallbacks))
	copy(callbacks, m.reloadCallbacks)
	m.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback(oldConfig, &newConfig); err != nil {
			m.viper = originalViper
			return fmt.Errorf("reload callback failed: %w", err)
		}
	}

	m.mu.Lock()
	m.config = &newConfig
	m.lastReload = time.Now()
	m.mu.Unlock()

	m.logger.Info("Configuration reloaded", zap.Time("reloaded_at", m.lastReload))

	return nil
}
