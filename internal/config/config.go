// Package config loads the typed configuration record the messaging core
// reads. Environment parsing lives here, at the boundary; every other
// package accepts a *Config (or the relevant sub-struct) and never touches
// os.Getenv itself.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AMQP holds broker connection options (spec.md §3.5).
type AMQP struct {
	Host  string
	Port  int
	User  string
	Pass  string
	VHost string
}

// DB holds event-store connection options (spec.md §3.5, §6.3 DB_BOX_*).
type DB struct {
	Host   string
	Port   int
	Name   string
	User   string
	Pass   string
	Schema string
}

// Backoff is either a uniform scalar (one element) or an ordered per-attempt
// schedule (spec.md §4.6); both are represented as a non-empty seconds
// slice since backoff_ms clamps a one-element schedule identically to a
// scalar for every attempt.
type Backoff struct {
	ScheduleSeconds []int
}

// Config is the single typed record every component in this module reads.
type Config struct {
	AMQP AMQP
	DB   DB

	Project    string
	ConsumerID string
	Exchange   string

	Tries        int
	Backoff      Backoff
	OutageSleepS int

	PublisherEnabled bool
}

// missingKey is a (name, present) pair used to build the enumerated
// missing-config error spec.md §4.1/§4.4 require.
type missingKey struct {
	name    string
	present bool
}

// Load reads the typed Config from the environment (optionally seeded by a
// .env file, teacher style), then validates it. On a missing required key
// it returns a single error naming every absent key — never an obscure
// downstream connection error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AMQP: AMQP{
			Host:  strings.TrimSpace(os.Getenv("AMQP_HOST")),
			Port:  getInt("AMQP_PORT", 5672),
			User:  strings.TrimSpace(os.Getenv("AMQP_USER")),
			Pass:  strings.TrimSpace(os.Getenv("AMQP_PASS")),
			VHost: getEnv("AMQP_VHOST", "/"),
		},
		DB: DB{
			Host:   strings.TrimSpace(os.Getenv("DB_BOX_HOST")),
			Port:   getInt("DB_BOX_PORT", 5432),
			Name:   strings.TrimSpace(os.Getenv("DB_BOX_NAME")),
			User:   strings.TrimSpace(os.Getenv("DB_BOX_USER")),
			Pass:   strings.TrimSpace(os.Getenv("DB_BOX_PASS")),
			Schema: getEnv("DB_BOX_SCHEMA", "public"),
		},
		Project:          strings.TrimSpace(os.Getenv("AMQP_PROJECT")),
		Exchange:         getEnv("AMQP_EXCHANGE", strings.TrimSpace(os.Getenv("AMQP_PROJECT"))),
		ConsumerID:       strings.TrimSpace(os.Getenv("AMQP_MICROSERVICE_NAME")),
		Tries:            getInt("AMQP_TRIES", 3),
		OutageSleepS:     getInt("AMQP_OUTAGE_SLEEP_S", 30),
		PublisherEnabled: getBool("AMQP_PUBLISHER_ENABLED", true),
	}
	cfg.Backoff = parseBackoff(getEnv("AMQP_BACKOFF", "5"))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	checks := []missingKey{
		{"AMQP_HOST", c.AMQP.Host != ""},
		{"AMQP_USER", c.AMQP.User != ""},
		{"AMQP_PASS", c.AMQP.Pass != ""},
		{"AMQP_PROJECT", c.Project != ""},
		{"AMQP_MICROSERVICE_NAME", c.ConsumerID != ""},
		{"DB_BOX_HOST", c.DB.Host != ""},
		{"DB_BOX_NAME", c.DB.Name != ""},
		{"DB_BOX_USER", c.DB.User != ""},
	}

	var missing []string
	for _, chk := range checks {
		if !chk.present {
			missing = append(missing, chk.name)
		}
	}
	if len(c.Backoff.ScheduleSeconds) == 0 {
		missing = append(missing, "AMQP_BACKOFF (empty schedule)")
	}
	if c.Tries < 1 {
		missing = append(missing, "AMQP_TRIES (must be >= 1)")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing-config: required options not set: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ServiceQueueName is "<project>.<consumer_id>" (spec.md §3.4).
func (c *Config) ServiceQueueName() string {
	return c.Project + "." + c.ConsumerID
}

// ProducerID is the app_id equivalent stamped on every published envelope.
func (c *Config) ProducerID() string {
	return c.Project + "." + c.ConsumerID
}

func parseBackoff(raw string) Backoff {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Backoff{}
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return Backoff{ScheduleSeconds: out}
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getBool(key string, def bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

// DSN builds the Postgres connection string pgxpool.New expects.
func (d DB) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Pass, d.Host, d.Port, d.Name)
}

// URL builds the amqp091-go Dial URL.
func (a AMQP) URL() string {
	vhost := strings.TrimPrefix(a.VHost, "/")
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", a.User, a.Pass, a.Host, a.Port, vhost)
}

// OutageSleep as a time.Duration convenience.
func (c *Config) OutageSleep() time.Duration {
	return time.Duration(c.OutageSleepS) * time.Second
}
