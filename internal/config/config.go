package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr     string
	DataDir  string
	DBPath   string
	LogLevel slog.Level

	SourceDirs       []string
	SourcesFile      string
	Sources          []Source
	TimestampLayouts []string
	Timezone         *time.Location

	TicketCapacity   int
	SubscriberBuffer int

	Automation Automation

	SenderInterval  time.Duration
	SenderAutostart bool
	AlertOperator   string
	AlertThreshold  float64
	AlertCooldown   time.Duration
	RetentionDays   int

	MQTTBroker   string
	MQTTTopic    string
	AMQPURL      string
	AMQPQueue    string
	KafkaBrokers []string
	KafkaTopic   string
}

type Automation struct {
	BaseURL       string        `json:"baseUrl"`
	CallbackURL   string        `json:"callbackUrl"`
	Timeout       time.Duration `json:"-"`
	EnergyAlert   string        `json:"energyAlert"`
	TicketSubmit  string        `json:"ticketSubmit"`
	DataSync      string        `json:"dataSync"`
	EnergyData    string        `json:"energyData"`
	TicketHistory string        `json:"ticketHistory,omitempty"`
}

// Source describes one tabular export. Kind is "device" for per-device
// histories and "combined" for the multi-equipment export.
type Source struct {
	ID        string `yaml:"id"`
	File      string `yaml:"file"`
	Kind      string `yaml:"kind"`
	Equipment string `yaml:"equipment"`
	Header    Header `yaml:"header"`
}

type Header struct {
	Strategy string `yaml:"strategy"`
	Row      int    `yaml:"row"`
	Marker   string `yaml:"marker"`
}

func DefaultSources() []Source {
	return []Source{
		{ID: "1", File: "Lenz Parameter History TenxHealth Technologies device 1.xlsx", Kind: "device", Equipment: "MFM 1", Header: Header{Strategy: "fixed", Row: 5}},
		{ID: "2", File: "Lenz Parameter History TenxHealth Technologies device 2.xlsx", Kind: "device", Equipment: "MFM 2", Header: Header{Strategy: "fixed", Row: 5}},
		{ID: "daily", File: "Tenx Health Technologies_Equipment_Daily_Cosp(kWh)_30_12_2025.xlsx", Kind: "combined", Header: Header{Strategy: "probe", Marker: "Description"}},
	}
}

func Load() (Config, error) {
	dataDir := getenv("APP_DATA_DIR", "./data")
	loc, err := time.LoadLocation(getenv("APP_TIMEZONE", "Local"))
	if err != nil {
		return Config{}, fmt.Errorf("load timezone: %w", err)
	}
	base := strings.TrimRight(getenv("N8N_BASE_URL", "http://localhost:5678"), "/")
	cfg := Config{
		Addr:     getenv("APP_ADDR", ":3000"),
		DataDir:  dataDir,
		DBPath:   getenv("APP_DB_PATH", dataDir+"/meterdash.db"),
		LogLevel: getenvLevel("APP_LOG_LEVEL", slog.LevelInfo),

		SourceDirs:  getenvList("APP_SOURCE_DIRS", []string{".", "data", "server/data", ".."}),
		SourcesFile: os.Getenv("APP_SOURCES_FILE"),
		Sources:     DefaultSources(),
		TimestampLayouts: getenvList("APP_TIMESTAMP_LAYOUTS", []string{
			"02-01-2006 15:04:05",
			"02-01-2006 15:04",
			"2006-01-02 15:04:05",
			time.RFC3339,
		}),
		Timezone: loc,

		TicketCapacity:   getenvInt("APP_TICKET_CAPACITY", 50),
		SubscriberBuffer: getenvInt("APP_SUBSCRIBER_BUFFER", 64),

		Automation: Automation{
			BaseURL:       base,
			CallbackURL:   getenv("DASHBOARD_WEBHOOK_URL", "http://localhost:3000/webhook"),
			Timeout:       getenvDuration("APP_AUTOMATION_TIMEOUT", 10*time.Second),
			EnergyAlert:   getenv("N8N_ENERGY_ALERT_WEBHOOK", "/webhook/energy-alert"),
			TicketSubmit:  getenv("N8N_TICKET_WEBHOOK", "/webhook/ticket-submit"),
			DataSync:      getenv("N8N_DATA_SYNC_WEBHOOK", "/webhook/data-sync"),
			EnergyData:    getenv("N8N_ENERGY_DATA_WEBHOOK", "/webhook/energy-data"),
			TicketHistory: os.Getenv("N8N_TICKET_HISTORY_WEBHOOK"),
		},

		SenderInterval:  getenvDuration("APP_SENDER_INTERVAL", 30*time.Second),
		SenderAutostart: getenvBool("APP_SENDER_AUTOSTART", false),
		AlertOperator:   getenv("APP_ALERT_OPERATOR", ">"),
		AlertThreshold:  getenvFloat("APP_ALERT_THRESHOLD", 17),
		AlertCooldown:   getenvDuration("APP_ALERT_COOLDOWN", 5*time.Minute),
		RetentionDays:   getenvInt("APP_RETENTION_DAYS", 14),

		MQTTBroker:   os.Getenv("MQTT_BROKER"),
		MQTTTopic:    getenv("MQTT_TOPIC", "meterdash/energy"),
		AMQPURL:      os.Getenv("AMQP_URL"),
		AMQPQueue:    getenv("AMQP_QUEUE", "meterdash.energy"),
		KafkaBrokers: getenvList("KAFKA_BROKERS", nil),
		KafkaTopic:   getenv("KAFKA_TOPIC", "meterdash.energy"),
	}
	switch cfg.AlertOperator {
	case ">", ">=", "<", "<=", "==":
	default:
		return Config{}, fmt.Errorf("APP_ALERT_OPERATOR %q: want one of > >= < <= ==", cfg.AlertOperator)
	}
	if cfg.SourcesFile != "" {
		sources, err := LoadSources(cfg.SourcesFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Sources = sources
	}
	return cfg, nil
}

// LoadSources reads a YAML source registry of the form
//
//	sources:
//	  - id: "1"
//	    file: device1.xlsx
//	    kind: device
//	    header: {strategy: fixed, row: 5}
func LoadSources(path string) ([]Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sources file: %w", err)
	}
	defer f.Close()
	var doc struct {
		Sources []Source `yaml:"sources"`
	}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode sources file: %w", err)
	}
	seen := map[string]bool{}
	for i, s := range doc.Sources {
		if s.ID == "" || s.File == "" {
			return nil, fmt.Errorf("source %d: id and file are required", i)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("source %q declared twice", s.ID)
		}
		seen[s.ID] = true
		if s.Kind == "" {
			doc.Sources[i].Kind = "device"
		}
		switch s.Header.Strategy {
		case "fixed", "probe":
		case "":
			doc.Sources[i].Header.Strategy = "fixed"
		default:
			return nil, fmt.Errorf("source %q: unknown header strategy %q", s.ID, s.Header.Strategy)
		}
	}
	return doc.Sources, nil
}

// DeviceSources returns the per-device sources in declaration order.
func (c Config) DeviceSources() []Source {
	out := make([]Source, 0, len(c.Sources))
	for _, s := range c.Sources {
		if s.Kind == "device" {
			out = append(out, s)
		}
	}
	return out
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func getenvFloat(k string, d float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return d
	}
	return f
}

func getenvDuration(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		return d
	}
	return dur
}

func getenvBool(k string, d bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(k)))
	if v == "" {
		return d
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	return d
}

func getenvList(k string, d []string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvLevel(k string, d slog.Level) slog.Level {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		return d
	}
	return l
}
