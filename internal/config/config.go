package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config captures all runtime settings required by the coordinator.
// Values can be provided by environment variables, a properties file,
// or fall back to sensible defaults so the service can boot with
// minimal setup.
type Config struct {
	// ListenAddress defines the TCP address used by the HTTP server.
	ListenAddress string
	// LogFilePath is the absolute or relative path to the log file.
	LogFilePath string
	// HTTPReadTimeout bounds the time to read incoming requests.
	HTTPReadTimeout time.Duration
	// HTTPWriteTimeout bounds the time to write responses.
	HTTPWriteTimeout time.Duration
	// ShutdownTimeout limits graceful shutdown attempts.
	ShutdownTimeout time.Duration
	// PropertiesPath records the path used to load property values.
	PropertiesPath string

	// CycleInterval is the fixed length of one coordination cycle.
	CycleInterval time.Duration
	// UploadWindow is the leading slice of each cycle during which
	// device submissions are accepted. Must be shorter than the cycle.
	UploadWindow time.Duration
	// TimeSlots is the number of planning slots per cycle.
	TimeSlots int
	// Retention bounds how long abandoned cycle state may linger.
	Retention time.Duration

	// EngineCommand is the executable and fixed arguments of the
	// external optimization engine; the batch payload is appended as
	// the final argument.
	EngineCommand []string
	// EngineTimeout bounds one engine invocation.
	EngineTimeout time.Duration

	// PersistAttempts bounds retries around the strategy gateway.
	PersistAttempts int
	// PersistBackoff is the delay between persistence retries.
	PersistBackoff time.Duration

	// KafkaBrokers lists the bootstrap brokers for the decision ledger
	// stream. Empty disables publishing.
	KafkaBrokers []string
	// LedgerTopic identifies the stream carrying finalized cycle decisions.
	LedgerTopic string

	// MQTTBroker is the broker URL for the device submission bridge.
	// Empty disables the bridge and leaves HTTP as the only intake.
	MQTTBroker string
	// MQTTClientID identifies this coordinator on the broker.
	MQTTClientID string
	// MQTTTopicPrefix is the root under which devices publish profiles.
	MQTTTopicPrefix string
}

const (
	defaultListenAddress = ":8085"
	defaultLogFile       = "logs/coordinator.log"
	defaultReadTimeout   = 5 * time.Second
	defaultWriteTimeout  = 10 * time.Second
	defaultShutdown      = 5 * time.Second
	defaultPropsPath     = "coordinator.properties"
	defaultCycleInterval = 120 * time.Second
	defaultUploadWindow  = 20 * time.Second
	defaultTimeSlots     = 3
	defaultEngineCommand = "java -jar game-model-1.0.jar"
	defaultEngineTimeout = 30 * time.Second
	defaultPersistTries  = 3
	defaultPersistPause  = 500 * time.Millisecond
	defaultLedgerTopic   = "coordinator.cycle.decisions"
	defaultMQTTClientID  = "power-terminal-coordinator"
	defaultMQTTPrefix    = "devices"
)

// Load resolves configuration by layering defaults, an optional
// properties file, and finally environment variables. The properties
// file location can be overridden with POWER_TERMINAL_PROPERTIES_PATH.
func Load() (Config, error) {
	cfg := Config{
		ListenAddress:    defaultListenAddress,
		LogFilePath:      filepath.Clean(defaultLogFile),
		HTTPReadTimeout:  defaultReadTimeout,
		HTTPWriteTimeout: defaultWriteTimeout,
		ShutdownTimeout:  defaultShutdown,
		CycleInterval:    defaultCycleInterval,
		UploadWindow:     defaultUploadWindow,
		TimeSlots:        defaultTimeSlots,
		EngineCommand:    strings.Fields(defaultEngineCommand),
		EngineTimeout:    defaultEngineTimeout,
		PersistAttempts:  defaultPersistTries,
		PersistBackoff:   defaultPersistPause,
		LedgerTopic:      defaultLedgerTopic,
		MQTTClientID:     defaultMQTTClientID,
		MQTTTopicPrefix:  defaultMQTTPrefix,
	}

	propsPath := strings.TrimSpace(os.Getenv("POWER_TERMINAL_PROPERTIES_PATH"))
	if propsPath == "" {
		propsPath = defaultPropsPath
	}
	cfg.PropertiesPath = propsPath

	if err := applyProperties(&cfg, propsPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate rejects combinations no layer is allowed to produce.
func (c Config) validate() error {
	if c.CycleInterval < time.Second {
		return errors.New("cycle_interval_s must be at least one second")
	}
	if c.UploadWindow <= 0 || c.UploadWindow >= c.CycleInterval {
		return errors.New("upload_window_s must be positive and shorter than cycle_interval_s")
	}
	if c.Retention < 0 {
		return errors.New("retention_s cannot be negative")
	}
	if c.TimeSlots < 1 {
		return errors.New("time_slots must be at least 1")
	}
	if len(c.EngineCommand) == 0 {
		return errors.New("engine_command cannot be empty")
	}
	if c.EngineTimeout <= 0 {
		return errors.New("engine_timeout_s must be greater than zero")
	}
	if c.PersistAttempts < 1 {
		return errors.New("persist_attempts must be at least 1")
	}
	return nil
}

func applyProperties(cfg *Config, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		// Close errors are ignored because configuration loading has
		// already completed and there is no logger available at this
		// stage of initialization.
		_ = f.Close()
	}()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") || strings.HasPrefix(raw, ";") {
			continue
		}
		parts := strings.SplitN(raw, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid properties entry on line %d", line)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if err := setProperty(cfg, key, value); err != nil {
			return fmt.Errorf("property %s: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read properties: %w", err)
	}
	return nil
}

func setProperty(cfg *Config, key, value string) error {
	switch key {
	case "listen_address":
		if value == "" {
			return errors.New("listen_address cannot be empty")
		}
		cfg.ListenAddress = value
	case "log_path":
		if value == "" {
			return errors.New("log_path cannot be empty")
		}
		cfg.LogFilePath = filepath.Clean(value)
	case "http_read_timeout_ms":
		d, err := parsePositiveMillis(value)
		if err != nil {
			return err
		}
		cfg.HTTPReadTimeout = d
	case "http_write_timeout_ms":
		d, err := parsePositiveMillis(value)
		if err != nil {
			return err
		}
		cfg.HTTPWriteTimeout = d
	case "shutdown_timeout_ms":
		d, err := parsePositiveMillis(value)
		if err != nil {
			return err
		}
		cfg.ShutdownTimeout = d
	case "cycle_interval_s":
		d, err := parsePositiveSeconds(value)
		if err != nil {
			return err
		}
		cfg.CycleInterval = d
	case "upload_window_s":
		d, err := parsePositiveSeconds(value)
		if err != nil {
			return err
		}
		cfg.UploadWindow = d
	case "retention_s":
		d, err := parsePositiveSeconds(value)
		if err != nil {
			return err
		}
		cfg.Retention = d
	case "time_slots":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid time_slots: %w", err)
		}
		if n < 1 {
			return errors.New("time_slots must be at least 1")
		}
		cfg.TimeSlots = n
	case "engine_command":
		fields := strings.Fields(value)
		if len(fields) == 0 {
			return errors.New("engine_command cannot be empty")
		}
		cfg.EngineCommand = fields
	case "engine_timeout_s":
		d, err := parsePositiveSeconds(value)
		if err != nil {
			return err
		}
		cfg.EngineTimeout = d
	case "persist_attempts":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid persist_attempts: %w", err)
		}
		if n < 1 {
			return errors.New("persist_attempts must be at least 1")
		}
		cfg.PersistAttempts = n
	case "persist_backoff_ms":
		d, err := parsePositiveMillis(value)
		if err != nil {
			return err
		}
		cfg.PersistBackoff = d
	case "kafka_brokers":
		cfg.KafkaBrokers = splitAndTrim(value)
	case "ledger_topic":
		if value == "" {
			return errors.New("ledger_topic cannot be empty")
		}
		cfg.LedgerTopic = value
	case "mqtt_broker":
		cfg.MQTTBroker = value
	case "mqtt_client_id":
		if value == "" {
			return errors.New("mqtt_client_id cannot be empty")
		}
		cfg.MQTTClientID = value
	case "mqtt_topic_prefix":
		if value == "" {
			return errors.New("mqtt_topic_prefix cannot be empty")
		}
		cfg.MQTTTopicPrefix = value
	default:
		// Unknown keys are ignored to keep the loader forward-compatible.
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v, ok := lookupEnvTrimmed("POWER_TERMINAL_LISTEN_ADDRESS"); ok {
		if v == "" {
			return errors.New("POWER_TERMINAL_LISTEN_ADDRESS cannot be empty")
		}
		cfg.ListenAddress = v
	}
	if v, ok := lookupEnvTrimmed("POWER_TERMINAL_LOG_PATH"); ok {
		if v == "" {
			return errors.New("POWER_TERMINAL_LOG_PATH cannot be empty")
		}
		cfg.LogFilePath = filepath.Clean(v)
	}
	if v, ok := lookupEnvTrimmed("POWER_TERMINAL_HTTP_READ_TIMEOUT_MS"); ok {
		d, err := parsePositiveMillis(v)
		if err != nil {
			return fmt.Errorf("POWER_TERMINAL_HTTP_READ_TIMEOUT_MS: %w", err)
		}
		cfg.HTTPReadTimeout = d
	}
	if v, ok := lookupEnvTrimmed("POWER_TERMINAL_HTTP_WRITE_TIMEOUT_MS"); ok {
		d, err := parsePositiveMillis(v)
		if err != nil {
			return fmt.Errorf("POWER_TERMINAL_HTTP_WRITE_TIMEOUT_MS: %w", err)
		}
		cfg.HTTPWriteTimeout = d
	}
	if v, ok := lookupEnvTrimmed("POWER_TERMINAL_SHUTDOWN_TIMEOUT_MS"); ok {
		d, err := parsePositiveMillis(v)
		if err != nil {
			return fmt.Errorf("POWER_TERMINAL_SHUTDOWN_TIMEOUT_MS: %w", err)
		}
		cfg.ShutdownTimeout = d
	}
	if v, ok := lookupEnvTrimmed("CYCLE_INTERVAL_S"); ok {
		d, err := parsePositiveSeconds(v)
		if err != nil {
			return fmt.Errorf("CYCLE_INTERVAL_S: %w", err)
		}
		cfg.CycleInterval = d
	}
	if v, ok := lookupEnvTrimmed("UPLOAD_WINDOW_S"); ok {
		d, err := parsePositiveSeconds(v)
		if err != nil {
			return fmt.Errorf("UPLOAD_WINDOW_S: %w", err)
		}
		cfg.UploadWindow = d
	}
	if v, ok := lookupEnvTrimmed("POWER_TERMINAL_RETENTION_S"); ok {
		d, err := parsePositiveSeconds(v)
		if err != nil {
			return fmt.Errorf("POWER_TERMINAL_RETENTION_S: %w", err)
		}
		cfg.Retention = d
	}
	if v, ok := lookupEnvTrimmed("TIME_SLOTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TIME_SLOTS: %w", err)
		}
		if n < 1 {
			return errors.New("TIME_SLOTS must be at least 1")
		}
		cfg.TimeSlots = n
	}
	if v, ok := lookupEnvTrimmed("ENGINE_COMMAND"); ok {
		fields := strings.Fields(v)
		if len(fields) == 0 {
			return errors.New("ENGINE_COMMAND cannot be empty")
		}
		cfg.EngineCommand = fields
	}
	if v, ok := lookupEnvTrimmed("ENGINE_TIMEOUT_S"); ok {
		d, err := parsePositiveSeconds(v)
		if err != nil {
			return fmt.Errorf("ENGINE_TIMEOUT_S: %w", err)
		}
		cfg.EngineTimeout = d
	}
	if v, ok := lookupEnvTrimmed("POWER_TERMINAL_PERSIST_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("POWER_TERMINAL_PERSIST_ATTEMPTS: %w", err)
		}
		if n < 1 {
			return errors.New("POWER_TERMINAL_PERSIST_ATTEMPTS must be at least 1")
		}
		cfg.PersistAttempts = n
	}
	if v, ok := lookupEnvTrimmed("POWER_TERMINAL_PERSIST_BACKOFF_MS"); ok {
		d, err := parsePositiveMillis(v)
		if err != nil {
			return fmt.Errorf("POWER_TERMINAL_PERSIST_BACKOFF_MS: %w", err)
		}
		cfg.PersistBackoff = d
	}
	if v, ok := lookupEnvTrimmed("POWER_TERMINAL_KAFKA_BROKERS"); ok {
		cfg.KafkaBrokers = splitAndTrim(v)
	} else if v, ok := lookupEnvTrimmed("KAFKA_BROKERS"); ok {
		cfg.KafkaBrokers = splitAndTrim(v)
	}
	if v, ok := lookupEnvTrimmed("POWER_TERMINAL_LEDGER_TOPIC"); ok {
		if v == "" {
			return errors.New("POWER_TERMINAL_LEDGER_TOPIC cannot be empty")
		}
		cfg.LedgerTopic = v
	}
	if v, ok := lookupEnvTrimmed("POWER_TERMINAL_MQTT_BROKER"); ok {
		cfg.MQTTBroker = v
	} else if v, ok := lookupEnvTrimmed("MQTT_BROKER"); ok {
		cfg.MQTTBroker = v
	}
	if v, ok := lookupEnvTrimmed("POWER_TERMINAL_MQTT_CLIENT_ID"); ok {
		if v == "" {
			return errors.New("POWER_TERMINAL_MQTT_CLIENT_ID cannot be empty")
		}
		cfg.MQTTClientID = v
	}
	if v, ok := lookupEnvTrimmed("POWER_TERMINAL_MQTT_TOPIC_PREFIX"); ok {
		if v == "" {
			return errors.New("POWER_TERMINAL_MQTT_TOPIC_PREFIX cannot be empty")
		}
		cfg.MQTTTopicPrefix = v
	}
	return nil
}

func lookupEnvTrimmed(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func splitAndTrim(raw string) []string {
	fields := strings.Split(raw, ",")
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		trimmed := strings.TrimSpace(field)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parsePositiveMillis(v string) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return 0, errors.New("value cannot be empty")
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	if ms <= 0 {
		return 0, errors.New("value must be greater than zero")
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func parsePositiveSeconds(v string) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return 0, errors.New("value cannot be empty")
	}
	s, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	if s <= 0 {
		return 0, errors.New("value must be greater than zero")
	}
	return time.Duration(s) * time.Second, nil
}
