// Package policy holds the static governance tables: score rules, action rate
// limits, cooldown recovery rules, sequence budgets and the ordered
// score-to-state and score-to-risk thresholds.
//
// A Policy is immutable once built. Engines receive it at construction, so
// tests substitute alternative tables by building their own with New.
package policy

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"sort"
	"time"

	"github.com/mbd888/trustgate/internal/account"
)

var ErrInvalidPolicy = errors.New("policy: invalid")

// RiskLevel is the coarse admission bucket derived from trust score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// RiskLevels lists every level from least to most risky.
var RiskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh}

// Valid reports whether r is a known level.
func (r RiskLevel) Valid() bool {
	return slices.Contains(RiskLevels, r)
}

// ScoreRule adjusts trust when an event of its type is ingested.
type ScoreRule struct {
	Delta  int  `yaml:"delta" json:"delta"`
	Freeze bool `yaml:"freeze,omitempty" json:"freeze,omitempty"`
}

// RateLimitRule bounds attempts of one action inside a sliding window.
// CooldownSeconds is advisory and only surfaced to callers.
type RateLimitRule struct {
	Max             int `yaml:"max" json:"max"`
	WindowSeconds   int `yaml:"windowSeconds" json:"windowSeconds"`
	CooldownSeconds int `yaml:"cooldownSeconds,omitempty" json:"cooldownSeconds,omitempty"`
}

func (r RateLimitRule) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// CooldownRule says how long a penalizing event keeps an account paused and
// how much trust is returned on recovery.
type CooldownRule struct {
	CooldownMinutes int `yaml:"cooldownMinutes" json:"cooldownMinutes"`
	RecoverTrust    int `yaml:"recoverTrust" json:"recoverTrust"`
}

func (r CooldownRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownMinutes) * time.Minute
}

// Budget caps sequences per rolling day and spaces them out.
type Budget struct {
	DailySequences int `yaml:"dailySequences" json:"dailySequences"`
	MinGapMinutes  int `yaml:"minGapMinutes" json:"minGapMinutes"`
}

// Threshold maps every score >= MinScore to Outcome, unless an earlier row matched.
type Threshold[T any] struct {
	MinScore int `yaml:"minScore" json:"minScore"`
	Outcome  T   `yaml:"outcome" json:"outcome"`
}

// Table is evaluated top-down; the first row whose MinScore <= score wins.
type Table[T any] []Threshold[T]

// Lookup returns the outcome for score.
func (t Table[T]) Lookup(score int) (T, bool) {
	for _, row := range t {
		if score >= row.MinScore {
			return row.Outcome, true
		}
	}
	var zero T
	return zero, false
}

func (t Table[T]) validate(name string, valid func(T) bool) error {
	if len(t) == 0 {
		return fmt.Errorf("%w: %s: empty table", ErrInvalidPolicy, name)
	}
	for i, row := range t {
		if !valid(row.Outcome) {
			return fmt.Errorf("%w: %s[%d]: unknown outcome %v", ErrInvalidPolicy, name, i, row.Outcome)
		}
		if i > 0 && row.MinScore >= t[i-1].MinScore {
			return fmt.Errorf("%w: %s[%d]: minScore must be strictly decreasing", ErrInvalidPolicy, name, i)
		}
	}
	if last := t[len(t)-1]; last.MinScore > account.MinTrust {
		return fmt.Errorf("%w: %s: last row must cover score %d", ErrInvalidPolicy, name, account.MinTrust)
	}
	return nil
}

var actionName = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Config is the serializable form of a Policy.
type Config struct {
	InitialTrust    int                                `yaml:"initialTrust" json:"initialTrust"`
	ScoreRules      map[account.EventType]ScoreRule    `yaml:"scoreRules" json:"scoreRules"`
	RateLimits      map[string]RateLimitRule           `yaml:"rateLimits" json:"rateLimits"`
	Cooldowns       map[account.EventType]CooldownRule `yaml:"cooldowns" json:"cooldowns"`
	Budgets         map[RiskLevel]Budget               `yaml:"budgets" json:"budgets"`
	StateThresholds Table[account.State]               `yaml:"stateThresholds" json:"stateThresholds"`
	RiskThresholds  Table[RiskLevel]                   `yaml:"riskThresholds" json:"riskThresholds"`
}

func (c Config) clone() Config {
	c.ScoreRules = maps.Clone(c.ScoreRules)
	c.RateLimits = maps.Clone(c.RateLimits)
	c.Cooldowns = maps.Clone(c.Cooldowns)
	c.Budgets = maps.Clone(c.Budgets)
	c.StateThresholds = slices.Clone(c.StateThresholds)
	c.RiskThresholds = slices.Clone(c.RiskThresholds)
	return c
}

// Validate checks every table.
func (c Config) Validate() error {
	if c.InitialTrust < account.MinTrust || c.InitialTrust > account.MaxTrust {
		return fmt.Errorf("%w: initialTrust must be within [%d, %d]", ErrInvalidPolicy, account.MinTrust, account.MaxTrust)
	}
	for t := range c.ScoreRules {
		if !slices.Contains(account.SubmittableEventTypes, t) {
			return fmt.Errorf("%w: scoreRules: unknown event type %q", ErrInvalidPolicy, t)
		}
	}
	for a, r := range c.RateLimits {
		if !actionName.MatchString(a) {
			return fmt.Errorf("%w: rateLimits: action %q must be UPPER_SNAKE_CASE", ErrInvalidPolicy, a)
		}
		if r.Max <= 0 || r.WindowSeconds <= 0 || r.CooldownSeconds < 0 {
			return fmt.Errorf("%w: rateLimits.%s: max and windowSeconds must be positive", ErrInvalidPolicy, a)
		}
	}
	for t, r := range c.Cooldowns {
		if !slices.Contains(account.SubmittableEventTypes, t) {
			return fmt.Errorf("%w: cooldowns: unknown event type %q", ErrInvalidPolicy, t)
		}
		if r.CooldownMinutes < 0 || r.RecoverTrust < 0 {
			return fmt.Errorf("%w: cooldowns.%s: values must not be negative", ErrInvalidPolicy, t)
		}
	}
	for _, lvl := range RiskLevels {
		b, ok := c.Budgets[lvl]
		if !ok {
			return fmt.Errorf("%w: budgets: missing %s", ErrInvalidPolicy, lvl)
		}
		if b.DailySequences < 0 || b.MinGapMinutes < 0 {
			return fmt.Errorf("%w: budgets.%s: values must not be negative", ErrInvalidPolicy, lvl)
		}
	}
	for lvl := range c.Budgets {
		if !lvl.Valid() {
			return fmt.Errorf("%w: budgets: unknown risk level %q", ErrInvalidPolicy, lvl)
		}
	}
	if err := c.StateThresholds.validate("stateThresholds", func(s account.State) bool {
		return slices.Contains(account.States, s)
	}); err != nil {
		return err
	}
	return c.RiskThresholds.validate("riskThresholds", RiskLevel.Valid)
}

// Policy is a validated, read-only set of governance tables.
type Policy struct {
	cfg           Config
	cooldownTypes []account.EventType
}

// New validates cfg and freezes a private copy of it.
func New(cfg Config) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Policy{cfg: cfg.clone()}
	for t := range p.cfg.Cooldowns {
		p.cooldownTypes = append(p.cooldownTypes, t)
	}
	sort.Slice(p.cooldownTypes, func(i, j int) bool { return p.cooldownTypes[i] < p.cooldownTypes[j] })
	return p, nil
}

// Default returns the built-in policy.
func Default() *Policy {
	p, err := New(DefaultConfig())
	if err != nil {
		panic("policy: default config invalid: " + err.Error())
	}
	return p
}

// Config returns a copy of the underlying tables.
func (p *Policy) Config() Config { return p.cfg.clone() }

func (p *Policy) ScoreRule(t account.EventType) (ScoreRule, bool) {
	r, ok := p.cfg.ScoreRules[t]
	return r, ok
}

func (p *Policy) RateLimit(action string) (RateLimitRule, bool) {
	r, ok := p.cfg.RateLimits[action]
	return r, ok
}

func (p *Policy) Cooldown(t account.EventType) (CooldownRule, bool) {
	r, ok := p.cfg.Cooldowns[t]
	return r, ok
}

// CooldownTypes lists the event types that can start a cooldown, sorted.
func (p *Policy) CooldownTypes() []account.EventType {
	return slices.Clone(p.cooldownTypes)
}

func (p *Policy) Budget(level RiskLevel) (Budget, bool) {
	b, ok := p.cfg.Budgets[level]
	return b, ok
}

// StateFor derives the operational state for a trust score.
func (p *Policy) StateFor(score int) account.State {
	s, ok := p.cfg.StateThresholds.Lookup(score)
	if !ok {
		return account.StateFrozen
	}
	return s
}

// RiskFor derives the risk level for a trust score.
func (p *Policy) RiskFor(score int) RiskLevel {
	r, ok := p.cfg.RiskThresholds.Lookup(score)
	if !ok {
		return RiskHigh
	}
	return r
}

// NewAccount returns the defaults an auto-provisioned account starts from.
func (p *Policy) NewAccount(id, username string) *account.Account {
	return &account.Account{
		ID:         id,
		Username:   username,
		TrustScore: p.cfg.InitialTrust,
		State:      p.StateFor(p.cfg.InitialTrust),
	}
}
