package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/ledger"
	"github.com/spf13/viper"
)

const (
	envPrefix           = "RAPIDVERIFY"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "rapidverify.db"
	defaultLogLevel     = "info"
)

// AuthConfig configures producer tokens. An empty signing secret leaves
// anchoring unauthenticated.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
}

// Enabled reports whether producer tokens are required.
func (a AuthConfig) Enabled() bool {
	return strings.TrimSpace(a.SigningSecret) != ""
}

// LedgerConfig configures the EVM anchoring backend. An empty private key
// runs the service in demo mode.
type LedgerConfig struct {
	Network              string
	RPCURL               string
	PrivateKey           string
	ContractAddress      string
	GasLimit             uint64
	SubmissionsPerSecond float64
	SubmissionBurst      int
	Confirmations        uint64
	PollInitialDelay     time.Duration
	PollMaxDelay         time.Duration
}

// Enabled reports whether ledger credentials are configured.
func (l LedgerConfig) Enabled() bool {
	return strings.TrimSpace(l.PrivateKey) != ""
}

// ReadOnly reports whether an RPC endpoint is configured without signing
// credentials. Such a ledger is only followed for reference blocks.
func (l LedgerConfig) ReadOnly() bool {
	return !l.Enabled() && strings.TrimSpace(l.RPCURL) != ""
}

// ModeConfig configures ledger health caching.
type ModeConfig struct {
	HealthTTL     time.Duration
	HealthTimeout time.Duration
}

// AnchoringConfig configures the anchoring policy and time bounds.
type AnchoringConfig struct {
	ScoreThreshold    float64
	AnchorAll         bool
	AllowForce        bool
	SubmissionTimeout time.Duration
	ConfirmWait       time.Duration
	RefreshTimeout    time.Duration
	ReferenceTimeout  time.Duration
}

// ReconcileConfig configures the background confirmation sweep.
type ReconcileConfig struct {
	Interval         time.Duration
	MaxAttempts      int
	BatchSize        int
	Concurrency      int
	ConfirmationWait time.Duration
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	LogLevel       string
	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string
	Auth           AuthConfig
	Ledger         LedgerConfig
	Mode           ModeConfig
	Anchoring      AnchoringConfig
	Reconcile      ReconcileConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("database.driver", "sqlite")
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")

	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", "rapidverify")
	configViper.SetDefault("auth.audience", "rapidverify-api")
	configViper.SetDefault("auth.token_ttl", 24*time.Hour)

	configViper.SetDefault("ledger.network", ledger.DefaultNetwork)
	configViper.SetDefault("ledger.rpc_url", "")
	configViper.SetDefault("ledger.private_key", "")
	configViper.SetDefault("ledger.contract_address", "")
	configViper.SetDefault("ledger.gas_limit", 300000)
	configViper.SetDefault("ledger.submissions_per_second", 2.0)
	configViper.SetDefault("ledger.submission_burst", 4)
	configViper.SetDefault("ledger.confirmations", 1)
	configViper.SetDefault("ledger.poll_initial_delay", 500*time.Millisecond)
	configViper.SetDefault("ledger.poll_max_delay", 8*time.Second)

	configViper.SetDefault("mode.health_ttl", 15*time.Second)
	configViper.SetDefault("mode.health_timeout", 2*time.Second)

	configViper.SetDefault("anchoring.score_threshold", 0.4)
	configViper.SetDefault("anchoring.anchor_all", false)
	configViper.SetDefault("anchoring.allow_force", false)
	configViper.SetDefault("anchoring.submission_timeout", 3*time.Second)
	configViper.SetDefault("anchoring.confirm_wait", time.Duration(0))
	configViper.SetDefault("anchoring.refresh_timeout", time.Second)
	configViper.SetDefault("anchoring.reference_timeout", time.Second)

	configViper.SetDefault("reconcile.interval", 30*time.Second)
	configViper.SetDefault("reconcile.max_attempts", 10)
	configViper.SetDefault("reconcile.batch_size", 50)
	configViper.SetDefault("reconcile.concurrency", 4)
	configViper.SetDefault("reconcile.confirmation_wait", 5*time.Second)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		LogLevel:       configViper.GetString("log.level"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			Audience:      configViper.GetString("auth.audience"),
			TokenTTL:      configViper.GetDuration("auth.token_ttl"),
		},
		Ledger: LedgerConfig{
			Network:              strings.ToLower(strings.TrimSpace(configViper.GetString("ledger.network"))),
			RPCURL:               strings.TrimSpace(configViper.GetString("ledger.rpc_url")),
			PrivateKey:           strings.TrimSpace(configViper.GetString("ledger.private_key")),
			ContractAddress:      strings.TrimSpace(configViper.GetString("ledger.contract_address")),
			GasLimit:             configViper.GetUint64("ledger.gas_limit"),
			SubmissionsPerSecond: configViper.GetFloat64("ledger.submissions_per_second"),
			SubmissionBurst:      configViper.GetInt("ledger.submission_burst"),
			Confirmations:        configViper.GetUint64("ledger.confirmations"),
			PollInitialDelay:     configViper.GetDuration("ledger.poll_initial_delay"),
			PollMaxDelay:         configViper.GetDuration("ledger.poll_max_delay"),
		},
		Mode: ModeConfig{
			HealthTTL:     configViper.GetDuration("mode.health_ttl"),
			HealthTimeout: configViper.GetDuration("mode.health_timeout"),
		},
		Anchoring: AnchoringConfig{
			ScoreThreshold:    configViper.GetFloat64("anchoring.score_threshold"),
			AnchorAll:         configViper.GetBool("anchoring.anchor_all"),
			AllowForce:        configViper.GetBool("anchoring.allow_force"),
			SubmissionTimeout: configViper.GetDuration("anchoring.submission_timeout"),
			ConfirmWait:       configViper.GetDuration("anchoring.confirm_wait"),
			RefreshTimeout:    configViper.GetDuration("anchoring.refresh_timeout"),
			ReferenceTimeout:  configViper.GetDuration("anchoring.reference_timeout"),
		},
		Reconcile: ReconcileConfig{
			Interval:         configViper.GetDuration("reconcile.interval"),
			MaxAttempts:      configViper.GetInt("reconcile.max_attempts"),
			BatchSize:        configViper.GetInt("reconcile.batch_size"),
			Concurrency:      configViper.GetInt("reconcile.concurrency"),
			ConfirmationWait: configViper.GetDuration("reconcile.confirmation_wait"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "mysql":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or mysql, got %q", c.DatabaseDriver)
	}

	if c.Auth.Enabled() {
		if strings.TrimSpace(c.Auth.Issuer) == "" {
			return fmt.Errorf("auth.issuer is required when auth.signing_secret is set")
		}
		if strings.TrimSpace(c.Auth.Audience) == "" {
			return fmt.Errorf("auth.audience is required when auth.signing_secret is set")
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("auth.token_ttl must be positive")
		}
	}

	if err := c.validateLedger(); err != nil {
		return err
	}

	if c.Anchoring.ScoreThreshold <= 0 || c.Anchoring.ScoreThreshold > 1 {
		return fmt.Errorf("anchoring.score_threshold must be within (0,1], got %v", c.Anchoring.ScoreThreshold)
	}
	if c.Anchoring.SubmissionTimeout <= 0 {
		return fmt.Errorf("anchoring.submission_timeout must be positive")
	}
	if c.Anchoring.RefreshTimeout <= 0 {
		return fmt.Errorf("anchoring.refresh_timeout must be positive")
	}
	if c.Anchoring.ReferenceTimeout <= 0 {
		return fmt.Errorf("anchoring.reference_timeout must be positive")
	}
	if c.Anchoring.ConfirmWait < 0 {
		return fmt.Errorf("anchoring.confirm_wait must not be negative")
	}
	if c.Mode.HealthTTL <= 0 || c.Mode.HealthTimeout <= 0 {
		return fmt.Errorf("mode.health_ttl and mode.health_timeout must be positive")
	}
	if c.Reconcile.Interval <= 0 || c.Reconcile.ConfirmationWait <= 0 {
		return fmt.Errorf("reconcile.interval and reconcile.confirmation_wait must be positive")
	}
	if c.Reconcile.MaxAttempts <= 0 || c.Reconcile.BatchSize <= 0 || c.Reconcile.Concurrency <= 0 {
		return fmt.Errorf("reconcile.max_attempts, reconcile.batch_size and reconcile.concurrency must be positive")
	}
	return nil
}

func (c AppConfig) validateLedger() error {
	network, err := ledger.LookupNetwork(c.Ledger.Network)
	if err != nil {
		return fmt.Errorf("ledger.network: %w", err)
	}
	if !c.Ledger.Enabled() {
		if c.Ledger.ContractAddress != "" {
			return fmt.Errorf("ledger.private_key is required when ledger.contract_address is set")
		}
		return nil
	}
	if c.Ledger.ContractAddress == "" {
		return fmt.Errorf("ledger.contract_address is required when ledger.private_key is set")
	}
	if c.Ledger.RPCURL == "" && network.RPCURL == "" {
		return fmt.Errorf("ledger.rpc_url is required for network %s", network.Name)
	}
	if c.Ledger.SubmissionsPerSecond <= 0 {
		return fmt.Errorf("ledger.submissions_per_second must be positive")
	}
	if c.Ledger.PollInitialDelay <= 0 || c.Ledger.PollMaxDelay < c.Ledger.PollInitialDelay {
		return fmt.Errorf("ledger.poll_initial_delay must be positive and not exceed ledger.poll_max_delay")
	}
	return nil
}
