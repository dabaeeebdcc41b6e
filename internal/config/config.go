// Package config provides application configuration structures and helpers.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/erikjohnston/github-matrix-project-bot/model"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Fetch policies.
const (
	FetchFailFast = "fail-fast"
	FetchIsolate  = "isolate"
)

// Config holds the configuration settings for the relay.
type Config struct {
	Addr   string // HTTP listen address
	Logger *zap.SugaredLogger

	GitHubURL   string // GitHub REST API base
	GitHubUser  string
	GitHubToken string

	MatrixURL      string // Matrix homeserver base
	MatrixToken    string
	RoomID         string
	StateNamespace string // state event type used for counters

	CheckInterval time.Duration // timer-driven cycle interval
	ClientTimeout time.Duration // timeout of every outbound call

	DigestTime     string // local wall clock "HH:MM"
	DigestTimeZone string // IANA zone name
	FetchPolicy    string

	WebhookDelay  time.Duration
	WebhookSecret string
	TrustedSubnet string // CIDR, ex. "192.168.1.0/24"
	WebhookRPS    float64
	WebhookBurst  int

	DatabaseDsn string // Postgres snapshot store, in-memory when empty
	NATSURL     string
	NATSSubject string
	UserAgent   string
	LogFile     string // optional, appended to alongside stdout

	Metrics []model.MetricQuery

	// Filled by Validate.
	DigestHour     int
	DigestMinute   int
	DigestLocation *time.Location
}

func defaults() *Config {
	return &Config{
		Addr:           "127.0.0.1:8080",
		GitHubURL:      "https://api.github.com",
		StateNamespace: "re.jki.counter",
		CheckInterval:  30 * time.Second,
		ClientTimeout:  10 * time.Second,
		DigestTime:     "09:55",
		DigestTimeZone: "Europe/London",
		FetchPolicy:    FetchFailFast,
		WebhookDelay:   3 * time.Second,
		WebhookRPS:     1,
		WebhookBurst:   5,
		NATSSubject:    "relay.cycles",
		UserAgent:      "github-matrix-project-bot",
	}
}

// NewConfig builds the configuration from defaults, the YAML config file,
// command line flags and environment variables (highest priority), then
// validates it.
func NewConfig() (*Config, error) {
	// missing .env is fine
	_ = godotenv.Load()

	cfg := defaults()

	var fAddr, fConf, fGHURL, fGHUser, fMXURL, fRoom, fNS strFlag
	var fDigestTime, fDigestTZ, fPolicy, fSubnet, fDSN, fNATS, fNATSSubj, fLogFile strFlag
	var fInterval, fTimeout, fDelay durFlag
	var fRPS floatFlag
	var fBurst intFlag

	flag.Var(&fAddr, "a", "HTTP listen address")
	flag.Var(&fConf, "c", "Path to YAML config file")
	flag.Var(&fConf, "config", "Path to YAML config file (alias)")
	flag.Var(&fGHURL, "github-url", "GitHub API base URL")
	flag.Var(&fGHUser, "github-user", "GitHub username for basic auth")
	flag.Var(&fMXURL, "matrix-url", "Matrix homeserver URL")
	flag.Var(&fRoom, "room", "Matrix room id")
	flag.Var(&fNS, "namespace", "state event type for counters")
	flag.Var(&fInterval, "i", "check interval")
	flag.Var(&fTimeout, "t", "outbound request timeout")
	flag.Var(&fDigestTime, "digest-time", "daily digest local time HH:MM")
	flag.Var(&fDigestTZ, "digest-tz", "daily digest time zone")
	flag.Var(&fPolicy, "fetch-policy", "fail-fast or isolate")
	flag.Var(&fDelay, "webhook-delay", "delay before a webhook triggered check")
	flag.Var(&fSubnet, "trusted-subnet", "CIDR allowed to call /webhook")
	flag.Var(&fRPS, "webhook-rps", "webhook requests per second")
	flag.Var(&fBurst, "webhook-burst", "webhook burst size")
	flag.Var(&fDSN, "d", "Postgres connection string")
	flag.Var(&fNATS, "nats-url", "NATS url for cycle events")
	flag.Var(&fNATSSubj, "nats-subject", "NATS subject for cycle events")
	flag.Var(&fLogFile, "log-file", "append logs to this file as well as stdout")
	flag.Parse()

	// YAML (lowest priority after defaults)
	if fConf.v == "" {
		if v := os.Getenv("CONFIG"); v != "" {
			fConf.v = v
		}
	}
	if fConf.v != "" {
		fc, err := loadFileConfig(fConf.v)
		if err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
		if err := applyFileConfig(cfg, fc); err != nil {
			return nil, err
		}
	}

	if fAddr.set {
		cfg.Addr = fAddr.v
	}
	if fGHURL.set {
		cfg.GitHubURL = fGHURL.v
	}
	if fGHUser.set {
		cfg.GitHubUser = fGHUser.v
	}
	if fMXURL.set {
		cfg.MatrixURL = fMXURL.v
	}
	if fRoom.set {
		cfg.RoomID = fRoom.v
	}
	if fNS.set {
		cfg.StateNamespace = fNS.v
	}
	if fInterval.set {
		cfg.CheckInterval = fInterval.v
	}
	if fTimeout.set {
		cfg.ClientTimeout = fTimeout.v
	}
	if fDigestTime.set {
		cfg.DigestTime = fDigestTime.v
	}
	if fDigestTZ.set {
		cfg.DigestTimeZone = fDigestTZ.v
	}
	if fPolicy.set {
		cfg.FetchPolicy = fPolicy.v
	}
	if fDelay.set {
		cfg.WebhookDelay = fDelay.v
	}
	if fSubnet.set {
		cfg.TrustedSubnet = fSubnet.v
	}
	if fRPS.set {
		cfg.WebhookRPS = fRPS.v
	}
	if fBurst.set {
		cfg.WebhookBurst = fBurst.v
	}
	if fDSN.set {
		cfg.DatabaseDsn = fDSN.v
	}
	if fNATS.set {
		cfg.NATSURL = fNATS.v
	}
	if fNATSSubj.set {
		cfg.NATSSubject = fNATSSubj.v
	}
	if fLogFile.set {
		cfg.LogFile = fLogFile.v
	}

	if err := readEnvironment(cfg); err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogFile)
	if err != nil {
		return nil, err
	}
	cfg.Logger = logger

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the production logger writing to stdout and, when
// logFile is set, appending to that file too.
func newLogger(logFile string) (*zap.SugaredLogger, error) {
	logCfg := zap.NewProductionConfig()
	logCfg.OutputPaths = []string{"stdout"}
	if logFile != "" {
		logCfg.OutputPaths = append(logCfg.OutputPaths, logFile)
	}
	logger, err := logCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Sugar(), nil
}

func applyFileConfig(cfg *Config, fc *fileConfig) error {
	if fc.Address != nil {
		cfg.Addr = *fc.Address
	}
	if fc.GitHubURL != nil {
		cfg.GitHubURL = *fc.GitHubURL
	}
	if fc.GitHubUser != nil {
		cfg.GitHubUser = *fc.GitHubUser
	}
	if fc.GitHubTokenFile != nil {
		token, err := readSecretFile(*fc.GitHubTokenFile)
		if err != nil {
			return fmt.Errorf("github_token_file: %w", err)
		}
		cfg.GitHubToken = token
	}
	if fc.MatrixURL != nil {
		cfg.MatrixURL = *fc.MatrixURL
	}
	if fc.MatrixTokenFile != nil {
		token, err := readSecretFile(*fc.MatrixTokenFile)
		if err != nil {
			return fmt.Errorf("matrix_token_file: %w", err)
		}
		cfg.MatrixToken = token
	}
	if fc.RoomID != nil {
		cfg.RoomID = *fc.RoomID
	}
	if fc.StateNamespace != nil {
		cfg.StateNamespace = *fc.StateNamespace
	}
	if fc.CheckInterval != nil {
		d, err := parseDuration(*fc.CheckInterval)
		if err != nil {
			return fmt.Errorf("check_interval: %w", err)
		}
		cfg.CheckInterval = d
	}
	if fc.ClientTimeout != nil {
		d, err := parseDuration(*fc.ClientTimeout)
		if err != nil {
			return fmt.Errorf("client_timeout: %w", err)
		}
		cfg.ClientTimeout = d
	}
	if fc.DigestTime != nil {
		cfg.DigestTime = *fc.DigestTime
	}
	if fc.DigestTimeZone != nil {
		cfg.DigestTimeZone = *fc.DigestTimeZone
	}
	if fc.FetchPolicy != nil {
		cfg.FetchPolicy = *fc.FetchPolicy
	}
	if fc.WebhookDelay != nil {
		d, err := parseDuration(*fc.WebhookDelay)
		if err != nil {
			return fmt.Errorf("webhook_delay: %w", err)
		}
		cfg.WebhookDelay = d
	}
	if fc.TrustedSubnet != nil {
		cfg.TrustedSubnet = *fc.TrustedSubnet
	}
	if fc.DatabaseDSN != nil {
		cfg.DatabaseDsn = *fc.DatabaseDSN
	}
	if fc.NATSURL != nil {
		cfg.NATSURL = *fc.NATSURL
	}
	if fc.NATSSubject != nil {
		cfg.NATSSubject = *fc.NATSSubject
	}
	if len(fc.Metrics) > 0 {
		cfg.Metrics = fc.Metrics
	}
	return nil
}

func readEnvironment(cfg *Config) error {
	if addr := os.Getenv("ADDRESS"); addr != "" {
		cfg.Addr = addr
	}
	if v := os.Getenv("GITHUB_API_URL"); v != "" {
		cfg.GitHubURL = v
	}
	if v := os.Getenv("GITHUB_USER"); v != "" {
		cfg.GitHubUser = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		cfg.GitHubToken = trimSecret(v)
	} else if path := os.Getenv("GITHUB_TOKEN_FILE"); path != "" {
		token, err := readSecretFile(path)
		if err != nil {
			return fmt.Errorf("GITHUB_TOKEN_FILE: %w", err)
		}
		cfg.GitHubToken = token
	}
	if v := os.Getenv("MATRIX_URL"); v != "" {
		cfg.MatrixURL = v
	}
	if v := os.Getenv("MATRIX_TOKEN"); v != "" {
		cfg.MatrixToken = trimSecret(v)
	} else if path := os.Getenv("MATRIX_TOKEN_FILE"); path != "" {
		token, err := readSecretFile(path)
		if err != nil {
			return fmt.Errorf("MATRIX_TOKEN_FILE: %w", err)
		}
		cfg.MatrixToken = token
	}
	if v := os.Getenv("MATRIX_ROOM_ID"); v != "" {
		cfg.RoomID = v
	}
	if v := os.Getenv("STATE_NAMESPACE"); v != "" {
		cfg.StateNamespace = v
	}

	if v := os.Getenv("CHECK_INTERVAL"); v != "" {
		if d, err := parseDuration(v); err == nil {
			cfg.CheckInterval = d
		} else {
			log.Printf("invalid CHECK_INTERVAL env var: %v", err)
		}
	}
	if v := os.Getenv("CLIENT_TIMEOUT"); v != "" {
		if d, err := parseDuration(v); err == nil {
			cfg.ClientTimeout = d
		} else {
			log.Printf("invalid CLIENT_TIMEOUT env var: %v", err)
		}
	}
	if v := os.Getenv("WEBHOOK_DELAY"); v != "" {
		if d, err := parseDuration(v); err == nil {
			cfg.WebhookDelay = d
		} else {
			log.Printf("invalid WEBHOOK_DELAY env var: %v", err)
		}
	}
	if v := os.Getenv("WEBHOOK_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.WebhookRPS = f
		} else {
			log.Printf("invalid WEBHOOK_RPS env var: %v", err)
		}
	}
	if v := os.Getenv("WEBHOOK_BURST"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.WebhookBurst = i
		} else {
			log.Printf("invalid WEBHOOK_BURST env var: %v", err)
		}
	}

	if v := os.Getenv("DIGEST_TIME"); v != "" {
		cfg.DigestTime = v
	}
	if v := os.Getenv("DIGEST_TZ"); v != "" {
		cfg.DigestTimeZone = v
	}
	if v := os.Getenv("FETCH_POLICY"); v != "" {
		cfg.FetchPolicy = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.WebhookSecret = v
	}
	if v := os.Getenv("TRUSTED_SUBNET"); v != "" {
		cfg.TrustedSubnet = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.DatabaseDsn = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("NATS_SUBJECT"); v != "" {
		cfg.NATSSubject = v
	}
	if v := os.Getenv("USER_AGENT"); v != "" {
		cfg.UserAgent = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	return nil
}

// Validate checks the whole configuration and reports every problem found.
func (cfg *Config) Validate() error {
	var err error

	if cfg.GitHubURL == "" {
		err = multierr.Append(err, errors.New("github url is required"))
	}
	if cfg.GitHubToken == "" {
		err = multierr.Append(err, errors.New("GITHUB_TOKEN or GITHUB_TOKEN_FILE is required"))
	}
	if cfg.MatrixURL == "" {
		err = multierr.Append(err, errors.New("matrix url is required"))
	}
	if cfg.MatrixToken == "" {
		err = multierr.Append(err, errors.New("MATRIX_TOKEN or MATRIX_TOKEN_FILE is required"))
	}
	if cfg.RoomID == "" {
		err = multierr.Append(err, errors.New("matrix room id is required"))
	}
	if cfg.StateNamespace == "" {
		err = multierr.Append(err, errors.New("state namespace is required"))
	}
	if cfg.CheckInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("check interval must be positive, got %s", cfg.CheckInterval))
	}
	if cfg.ClientTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("client timeout must be positive, got %s", cfg.ClientTimeout))
	}
	if cfg.WebhookDelay < 0 {
		err = multierr.Append(err, fmt.Errorf("webhook delay must not be negative, got %s", cfg.WebhookDelay))
	}
	if cfg.WebhookRPS <= 0 || cfg.WebhookBurst <= 0 {
		err = multierr.Append(err, errors.New("webhook rate and burst must be positive"))
	}
	if cfg.FetchPolicy != FetchFailFast && cfg.FetchPolicy != FetchIsolate {
		err = multierr.Append(err, fmt.Errorf("unknown fetch policy %q", cfg.FetchPolicy))
	}
	if cfg.TrustedSubnet != "" {
		if _, _, cidrErr := net.ParseCIDR(cfg.TrustedSubnet); cidrErr != nil {
			err = multierr.Append(err, fmt.Errorf("trusted subnet: %w", cidrErr))
		}
	}

	at, parseErr := time.Parse("15:04", cfg.DigestTime)
	if parseErr != nil {
		err = multierr.Append(err, fmt.Errorf("digest time %q: want HH:MM", cfg.DigestTime))
	} else {
		cfg.DigestHour, cfg.DigestMinute = at.Hour(), at.Minute()
	}
	loc, locErr := time.LoadLocation(cfg.DigestTimeZone)
	if locErr != nil {
		err = multierr.Append(err, fmt.Errorf("digest time zone: %w", locErr))
	} else {
		cfg.DigestLocation = loc
	}

	err = multierr.Append(err, validateMetrics(cfg.Metrics))
	return err
}

func validateMetrics(metrics []model.MetricQuery) error {
	if len(metrics) == 0 {
		return errors.New("at least one metric must be configured")
	}

	var err error
	ids := make(map[string]struct{}, len(metrics))
	keys := make(map[string]struct{}, len(metrics))
	for i, m := range metrics {
		name := m.ID
		if name == "" {
			name = "#" + strconv.Itoa(i)
			err = multierr.Append(err, fmt.Errorf("metric %s: id is required", name))
		}
		if _, dup := ids[m.ID]; dup && m.ID != "" {
			err = multierr.Append(err, fmt.Errorf("metric %s: duplicate id", name))
		}
		ids[m.ID] = struct{}{}

		if m.StateKey == "" {
			err = multierr.Append(err, fmt.Errorf("metric %s: state_key is required", name))
		} else if _, dup := keys[m.StateKey]; dup {
			err = multierr.Append(err, fmt.Errorf("metric %s: duplicate state_key %q", name, m.StateKey))
		}
		keys[m.StateKey] = struct{}{}

		switch m.Kind {
		case model.Search:
			if m.Query == "" {
				err = multierr.Append(err, fmt.Errorf("metric %s: search query is required", name))
			}
		case model.Collection:
			if !strings.HasPrefix(m.Path, "/") {
				err = multierr.Append(err, fmt.Errorf("metric %s: collection path must start with /", name))
			}
		default:
			err = multierr.Append(err, fmt.Errorf("metric %s: unknown kind %q", name, m.Kind))
		}

		switch m.Digest {
		case model.DigestNone, model.DigestReview, model.DigestBlocker:
		default:
			err = multierr.Append(err, fmt.Errorf("metric %s: unknown digest role %q", name, m.Digest))
		}
		if m.AlertAbove != nil && *m.AlertAbove < m.WarnAbove {
			err = multierr.Append(err, fmt.Errorf("metric %s: alert_above below warn_above", name))
		}
	}
	return err
}

func trimSecret(s string) string {
	return strings.TrimSpace(s)
}
