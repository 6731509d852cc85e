package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvLocationAPIKey = "LOCATION_API_KEY"
	EnvInfluxToken    = "INFLUX_TOKEN"
)

type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	Simulation  SimulationConfig  `json:"simulation" yaml:"simulation"`
	Viewport    ViewportConfig    `json:"viewport" yaml:"viewport"`
	Geolocation GeolocationConfig `json:"geolocation" yaml:"geolocation"`
	Ingest      IngestConfig      `json:"ingest" yaml:"ingest"`
	API         APIConfig         `json:"api" yaml:"api"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Influx      InfluxConfig      `json:"influx" yaml:"influx"`
	Events      EventsConfig      `json:"events" yaml:"events"`
}

type SimulationConfig struct {
	// Mode is "demo" (simulated batch) or "tracker" (single located entity).
	Mode            string        `json:"mode" yaml:"mode"`
	EntityCount     int           `json:"entity_count" yaml:"entity_count"`
	OriginLat       float64       `json:"origin_lat" yaml:"origin_lat"`
	OriginLng       float64       `json:"origin_lng" yaml:"origin_lng"`
	RadiusDeg       float64       `json:"radius_deg" yaml:"radius_deg"`
	StrideDeg       float64       `json:"stride_deg" yaml:"stride_deg"`
	TickInterval    time.Duration `json:"tick_interval" yaml:"tick_interval"`
	MaxSteps        int           `json:"max_steps" yaml:"max_steps"`
	ActivityEvery   int           `json:"activity_every" yaml:"activity_every"`
	WaveformLength  int           `json:"waveform_length" yaml:"waveform_length"`
	InitialEvents   int           `json:"initial_events" yaml:"initial_events"`
	Seed            int64         `json:"seed" yaml:"seed"`
	Parallelism     int           `json:"parallelism" yaml:"parallelism"`
	FailureCooldown time.Duration `json:"failure_cooldown" yaml:"failure_cooldown"`
}

type ViewportConfig struct {
	ZoomOffset   float64 `json:"zoom_offset" yaml:"zoom_offset"`
	MinZoom      float64 `json:"min_zoom" yaml:"min_zoom"`
	MaxZoom      float64 `json:"max_zoom" yaml:"max_zoom"`
	PrimaryZoom  float64 `json:"primary_zoom" yaml:"primary_zoom"`
	OverviewZoom float64 `json:"overview_zoom" yaml:"overview_zoom"`
	Follow       bool    `json:"follow" yaml:"follow"`
}

type GeolocationConfig struct {
	// Provider is "static", "http" or "stored".
	Provider   string        `json:"provider" yaml:"provider"`
	URL        string        `json:"url" yaml:"url"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
	Identity   string        `json:"identity" yaml:"identity"`
	DefaultLat float64       `json:"default_lat" yaml:"default_lat"`
	DefaultLng float64       `json:"default_lng" yaml:"default_lng"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	DedupeWindow  time.Duration   `json:"dedupe_window" yaml:"dedupe_window"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	Parser        ParserConfig    `json:"parser" yaml:"parser"`
}

type RESTConfig struct {
	Enabled        bool              `json:"enabled" yaml:"enabled"`
	Addr           string            `json:"addr" yaml:"addr"`
	APIKey         string            `json:"api_key" yaml:"api_key"`
	IdentityTokens map[string]string `json:"identity_tokens" yaml:"identity_tokens"`
	AllowedOrigins []string          `json:"allowed_origins" yaml:"allowed_origins"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type ParserConfig struct {
	Timezone        string `json:"timezone" yaml:"timezone"`
	DefaultIdentity string `json:"default_identity" yaml:"default_identity"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type InfluxConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
	Token   string `json:"token" yaml:"token"`
	Org     string `json:"org" yaml:"org"`
	Bucket  string `json:"bucket" yaml:"bucket"`
}

type EventsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
	PageSize   int `json:"page_size" yaml:"page_size"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Simulation: SimulationConfig{
			Mode:            "demo",
			EntityCount:     12,
			OriginLat:       37.4277,
			OriginLng:       -122.1701,
			RadiusDeg:       0.0025,
			StrideDeg:       0.0002,
			TickInterval:    2 * time.Second,
			MaxSteps:        15,
			ActivityEvery:   5,
			WaveformLength:  50,
			InitialEvents:   5,
			Parallelism:     4,
			FailureCooldown: 30 * time.Second,
		},
		Viewport: ViewportConfig{
			ZoomOffset:   4,
			MinZoom:      8,
			MaxZoom:      16,
			PrimaryZoom:  14,
			OverviewZoom: 10,
		},
		Geolocation: GeolocationConfig{
			Provider: "static",
			URL:      "https://api.wheretheiss.at/v1/satellites/25544",
			Timeout:  3 * time.Second,
		},
		Ingest: IngestConfig{
			ChannelBuffer: 1000,
			DedupeWindow:  1 * time.Second,
			REST:          RESTConfig{Enabled: true, Addr: ":8080", AllowedOrigins: []string{"*"}},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
			Parser:        ParserConfig{Timezone: "UTC", DefaultIdentity: "default"},
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:aegis.db?_pragma=busy_timeout(5000)"},
		Influx:  InfluxConfig{Enabled: false, URL: "http://localhost:8086", Org: "aegis", Bucket: "telemetry"},
		Events:  EventsConfig{StoreLimit: 1000, PageSize: 4},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	applyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Simulation.Mode == "" {
		cfg.Simulation.Mode = def.Simulation.Mode
	}
	if cfg.Simulation.TickInterval <= 0 {
		cfg.Simulation.TickInterval = def.Simulation.TickInterval
	}
	if cfg.Simulation.MaxSteps <= 0 {
		cfg.Simulation.MaxSteps = def.Simulation.MaxSteps
	}
	if cfg.Simulation.ActivityEvery <= 0 {
		cfg.Simulation.ActivityEvery = def.Simulation.ActivityEvery
	}
	if cfg.Simulation.WaveformLength <= 0 {
		cfg.Simulation.WaveformLength = def.Simulation.WaveformLength
	}
	if cfg.Simulation.Parallelism <= 0 {
		cfg.Simulation.Parallelism = 1
	}
	if cfg.Events.StoreLimit <= 0 {
		cfg.Events.StoreLimit = def.Events.StoreLimit
	}
	if cfg.Events.PageSize <= 0 {
		cfg.Events.PageSize = def.Events.PageSize
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Ingest.Parser.DefaultIdentity == "" {
		cfg.Ingest.Parser.DefaultIdentity = def.Ingest.Parser.DefaultIdentity
	}
	if cfg.Geolocation.Provider == "" {
		cfg.Geolocation.Provider = def.Geolocation.Provider
	}
	if cfg.Geolocation.Timeout <= 0 {
		cfg.Geolocation.Timeout = def.Geolocation.Timeout
	}
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvLocationAPIKey); ok && v != "" {
		cfg.Ingest.REST.APIKey = v
	}
	if v, ok := lookup(EnvInfluxToken); ok && v != "" {
		cfg.Influx.Token = v
	}
}

func Validate(cfg *Config) error {
	switch cfg.Simulation.Mode {
	case "demo", "tracker":
	default:
		return fmt.Errorf("simulation.mode must be demo or tracker, got %q", cfg.Simulation.Mode)
	}
	if cfg.Simulation.EntityCount < 0 {
		return errors.New("simulation.entity_count must be >= 0")
	}
	if cfg.Simulation.RadiusDeg < 0 || cfg.Simulation.StrideDeg < 0 {
		return errors.New("simulation.radius_deg and stride_deg must be >= 0")
	}
	if cfg.Simulation.OriginLat < -90 || cfg.Simulation.OriginLat > 90 {
		return errors.New("simulation.origin_lat out of range")
	}
	if cfg.Simulation.OriginLng < -180 || cfg.Simulation.OriginLng > 180 {
		return errors.New("simulation.origin_lng out of range")
	}
	if cfg.Viewport.MinZoom > cfg.Viewport.MaxZoom {
		return errors.New("viewport.min_zoom must be <= viewport.max_zoom")
	}
	switch cfg.Geolocation.Provider {
	case "static", "stored":
	case "http":
		if cfg.Geolocation.URL == "" {
			return errors.New("geolocation.url required when geolocation.provider is http")
		}
	default:
		return fmt.Errorf("unsupported geolocation.provider %q", cfg.Geolocation.Provider)
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Influx.Enabled && (cfg.Influx.URL == "" || cfg.Influx.Org == "" || cfg.Influx.Bucket == "") {
		return errors.New("influx requires url, org, bucket when enabled")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	mu      sync.Mutex
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config; Reload and Watch are no-ops
// because there is no backing file.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	m.touch()
	return cfg, nil
}

func (m *Manager) touch() {
	if m.path == "" {
		return
	}
	if info, err := os.Stat(m.path); err == nil {
		m.mu.Lock()
		m.modTime = info.ModTime()
		m.mu.Unlock()
	}
}

// Update validates cfg, writes it to the backing file when there is one and
// makes it current.
func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	m.touch()
	return nil
}

// Patch overlays a partial JSON document on a copy of the current config and
// stores the result through Update. Durations are given in nanoseconds.
func (m *Manager) Patch(patch []byte) (*Config, error) {
	base, err := json.Marshal(m.Get())
	if err != nil {
		return nil, err
	}
	next := &Config{}
	if err := json.Unmarshal(base, next); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(patch, next); err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	if err := m.Update(next); err != nil {
		return nil, err
	}
	return next, nil
}

// Redacted returns a copy of c with credentials blanked.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Ingest.REST.APIKey != "" {
		out.Ingest.REST.APIKey = "***"
	}
	if len(out.Ingest.REST.IdentityTokens) > 0 {
		tokens := make(map[string]string, len(out.Ingest.REST.IdentityTokens))
		for id := range out.Ingest.REST.IdentityTokens {
			tokens[id] = "***"
		}
		out.Ingest.REST.IdentityTokens = tokens
	}
	if out.Influx.Token != "" {
		out.Influx.Token = "***"
	}
	return &out
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
