package config

import (
	"time"
)

type FederationAPI struct {
	Matrix *Global `yaml:"-"`

	// Where the federation and key endpoints listen.
	Listen string `yaml:"listen"`

	// Where remote server keys are kept once fetched.
	Database DatabaseOptions `yaml:"database,omitempty"`

	// How long one outbound request may take, retries included.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// How often a transient failure is retried before the send fails.
	MaxRetries int `yaml:"max_retries"`

	// The first and the largest wait between two attempts. The wait doubles
	// after every attempt.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`

	// How many consecutive failures open the circuit to a destination.
	FailuresUntilOpen uint32 `yaml:"failures_until_open"`

	// How long fetched server keys are kept before asking again.
	KeyCacheLifetime time.Duration `yaml:"key_cache_lifetime"`

	// Disable the validation of TLS certificates of remote federated homeservers. Do not
	// enable this option in production as it presents a security risk!
	DisableTLSValidation bool `yaml:"disable_tls_validation"`

	// Limits on inbound requests per origin server.
	RateLimiting RateLimiting `yaml:"rate_limiting"`

	// How many recent inbound transaction IDs are remembered to drop resends.
	SeenTransactionsCacheSize int `yaml:"seen_transactions_cache_size"`
}

func (c *FederationAPI) Defaults(opts DefaultOpts) {
	c.Listen = ":8448"
	c.Database.Defaults(10)
	if opts.Generate {
		c.Database.ConnectionString = "file:federationapi.db"
	}
	c.RequestTimeout = time.Second * 30
	c.MaxRetries = 5
	c.RetryBaseDelay = time.Millisecond * 100
	c.RetryMaxDelay = time.Second * 30
	c.FailuresUntilOpen = 5
	c.KeyCacheLifetime = time.Hour
	c.RateLimiting.Defaults()
	c.SeenTransactionsCacheSize = 1024
}

func (c *FederationAPI) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "federation_api.listen", c.Listen)
	checkNotEmpty(configErrs, "federation_api.database.connection_string", string(c.Database.ConnectionString))
	checkNotZero(configErrs, "federation_api.request_timeout", int64(c.RequestTimeout))
	checkPositive(configErrs, "federation_api.max_retries", int64(c.MaxRetries))
	checkPositive(configErrs, "federation_api.retry_base_delay", int64(c.RetryBaseDelay))
	if c.RetryMaxDelay < c.RetryBaseDelay {
		configErrs.Add("invalid value for config key 'federation_api.retry_max_delay': must not be below retry_base_delay")
	}
	checkNotZero(configErrs, "federation_api.failures_until_open", int64(c.FailuresUntilOpen))
	checkPositive(configErrs, "federation_api.key_cache_lifetime", int64(c.KeyCacheLifetime))
	checkNotZero(configErrs, "federation_api.seen_transactions_cache_size", int64(c.SeenTransactionsCacheSize))
	c.RateLimiting.Verify(configErrs)
}

// RateLimiting is a token bucket per origin server.
type RateLimiting struct {
	// Is rate limiting enabled or disabled?
	Enabled bool `yaml:"enabled"`

	// How many requests an origin may make per second on average.
	PerSecond float64 `yaml:"per_second"`

	// How many requests an origin may make in a burst.
	Burst int `yaml:"burst"`
}

func (r *RateLimiting) Defaults() {
	r.Enabled = true
	r.PerSecond = 20
	r.Burst = 50
}

func (r *RateLimiting) Verify(configErrs *ConfigErrors) {
	if r.Enabled {
		checkPositive(configErrs, "federation_api.rate_limiting.per_second", int64(r.PerSecond))
		checkNotZero(configErrs, "federation_api.rate_limiting.burst", int64(r.Burst))
	}
}
