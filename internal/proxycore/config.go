package proxycore

import "time"

// Config carries the configuration recognized by the core, per
// SPEC_FULL.md §6 "Configuration recognized by the core".
type Config struct {
	// Robustness is the initial age and refresh target for routes and
	// subscribers.
	Robustness int `yaml:"robustness_value"`
	// QueryInterval is the steady-state general-query period.
	QueryInterval time.Duration `yaml:"query_interval"`
	// QueryResponseInterval is both the advertised max response time and
	// the delay after a general query before the aging sweep fires.
	QueryResponseInterval time.Duration `yaml:"query_response_interval"`
	// StartupQueryInterval is the accelerated query period used for the
	// first StartupQueryCount queries.
	StartupQueryInterval time.Duration `yaml:"startup_query_interval"`
	// StartupQueryCount is the number of accelerated startup queries.
	StartupQueryCount int `yaml:"startup_query_count"`
	// LastMemberQueryInterval is the last-member probe cadence.
	LastMemberQueryInterval time.Duration `yaml:"last_member_query_interval"`
	// LastMemberQueryCount is the number of last-member probes sent
	// before a group with no refresh is considered gone.
	LastMemberQueryCount int `yaml:"last_member_query_count"`
	// FastUpstreamLeave, if true, removes the route and leaves upstream
	// the instant the last subscriber departs, instead of probing.
	FastUpstreamLeave bool `yaml:"fast_upstream_leave"`
	// UpstreamJoinBackoff bounds the retry backoff applied when an
	// upstream IP_ADD_MEMBERSHIP/IP_DROP_MEMBERSHIP syscall fails
	// (SPEC_FULL.md §4.E).
	UpstreamJoinBackoff BackoffConfig `yaml:"upstream_join_backoff"`
}

// BackoffConfig bounds an exponential retry schedule.
type BackoffConfig struct {
	Min time.Duration `yaml:"min"`
	Max time.Duration `yaml:"max"`
}

// DefaultConfig returns the config with the values from RFC 2236's
// suggested defaults, matching the end-to-end scenarios in SPEC_FULL.md §8.
func DefaultConfig() Config {
	return Config{
		Robustness:              2,
		QueryInterval:           125 * time.Second,
		QueryResponseInterval:   10 * time.Second,
		StartupQueryInterval:    125 / 4 * time.Second,
		StartupQueryCount:       2,
		LastMemberQueryInterval: 1 * time.Second,
		LastMemberQueryCount:    2,
		FastUpstreamLeave:       false,
		UpstreamJoinBackoff:     BackoffConfig{Min: 200 * time.Millisecond, Max: 5 * time.Second},
	}
}
