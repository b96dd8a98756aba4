// Package trigger holds the core entities of the trigger pipeline: the
// trigger definition itself plus its owned conditions, actions and circuit
// breaker state (spec §3 "Trigger", "Condition", "Action",
// "CircuitBreakerState").
package trigger

import (
	"encoding/json"
	"time"
)

// Registry identifies which on-chain registry an event/trigger pertains to.
type Registry string

const (
	RegistryIdentity   Registry = "identity"
	RegistryReputation Registry = "reputation"
	RegistryValidation Registry = "validation"
)

// Trigger is a named, user-defined rule bound to exactly one
// (chain_id, registry) pair, owned by an organization.
type Trigger struct {
	ID             string    `db:"id"`
	OrganizationID string    `db:"organization_id"`
	ChainID        int64     `db:"chain_id"`
	Registry       Registry  `db:"registry"`
	Name           string    `db:"name"`
	Enabled        bool      `db:"enabled"`
	IsStateful     bool      `db:"is_stateful"`
	BreakerConfig  BreakerConfig `db:"circuit_breaker_config"`
	BreakerState   BreakerState  `db:"circuit_breaker_state"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// BreakerConfig is the per-trigger circuit breaker configuration (spec §4.6,
// §6.2). Zero values are resolved against process defaults by the breaker.
type BreakerConfig struct {
	FailureThreshold    int `json:"failure_threshold"`
	RecoveryTimeoutSecs int `json:"recovery_timeout_seconds"`
	HalfOpenMaxCalls    int `json:"half_open_max_calls"`
}

// BreakerStateName is one of the three circuit breaker states.
type BreakerStateName string

const (
	BreakerClosed   BreakerStateName = "closed"
	BreakerOpen     BreakerStateName = "open"
	BreakerHalfOpen BreakerStateName = "half_open"
)

// BreakerState is the persisted circuit breaker state machine for a trigger
// (spec §3 "CircuitBreakerState").
type BreakerState struct {
	State           BreakerStateName `json:"state"`
	FailureCount    int              `json:"failure_count"`
	HalfOpenCalls   int              `json:"half_open_calls"`
	OpenedAt        *time.Time       `json:"opened_at,omitempty"`
	LastFailureTime *time.Time       `json:"last_failure_time,omitempty"`
}

// NewBreakerState returns the initial Closed state with failure_count=0.
func NewBreakerState() BreakerState {
	return BreakerState{State: BreakerClosed}
}

// Scan implements sql.Scanner so BreakerConfig can be read directly out of a
// jsonb column.
func (c *BreakerConfig) Scan(src interface{}) error {
	return scanJSON(src, c)
}

// Scan implements sql.Scanner for the jsonb circuit_breaker_state column.
func (s *BreakerState) Scan(src interface{}) error {
	if src == nil {
		*s = NewBreakerState()
		return nil
	}
	return scanJSON(src, s)
}

func scanJSON(src interface{}, dst interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return nil
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// ConditionType is the closed vocabulary of condition kinds (spec §4.3).
type ConditionType string

const (
	ConditionAgentIDEquals        ConditionType = "agent_id_equals"
	ConditionScoreThreshold       ConditionType = "score_threshold"
	ConditionTagEquals            ConditionType = "tag_equals"
	ConditionValidatorWhitelist   ConditionType = "validator_whitelist"
	ConditionEventTypeEquals      ConditionType = "event_type_equals"
	ConditionChainIDEquals        ConditionType = "chain_id_equals"
	ConditionContractAddrEquals   ConditionType = "contract_address_equals"
	ConditionFieldFilter          ConditionType = "field_filter"
	ConditionEMAThreshold         ConditionType = "ema_threshold"
	ConditionRateLimit            ConditionType = "rate_limit"
	ConditionFileURIExists        ConditionType = "file_uri_exists"
)

// Stateful reports whether this condition type requires per-trigger
// aggregate state (spec §4.3 table).
func (t ConditionType) Stateful() bool {
	return t == ConditionEMAThreshold || t == ConditionRateLimit
}

// Operator is the closed comparison operator set (spec §4.3).
type Operator string

const (
	OpEq       Operator = "="
	OpNeq      Operator = "!="
	OpLt       Operator = "<"
	OpLte      Operator = "<="
	OpGt       Operator = ">"
	OpGte      Operator = ">="
	OpIn       Operator = "in"
	OpContains Operator = "contains"
)

// Condition belongs to exactly one trigger and combines with its siblings by
// logical AND (spec §3 "Condition").
type Condition struct {
	ID            string            `db:"id"`
	TriggerID     string            `db:"trigger_id"`
	ConditionType ConditionType     `db:"condition_type"`
	Field         string            `db:"field"`
	Operator      Operator          `db:"operator"`
	Value         string            `db:"value"`
	Config        ConditionConfig   `db:"config"`
}

// ConditionConfig is the open, type-specific parameter map (window_size,
// time_window, reset_on_trigger, ...).
type ConditionConfig map[string]interface{}

// Scan implements sql.Scanner for the jsonb config column.
func (c *ConditionConfig) Scan(src interface{}) error {
	m := ConditionConfig{}
	if err := scanJSON(src, &m); err != nil {
		return err
	}
	*c = m
	return nil
}

// WindowSize returns config["window_size"] as an int, defaulting to the
// given fallback when absent or unparseable.
func (c ConditionConfig) WindowSize(fallback int) int {
	return c.intField("window_size", fallback)
}

// ResetOnTrigger returns config["reset_on_trigger"] as a bool.
func (c ConditionConfig) ResetOnTrigger() bool {
	v, ok := c["reset_on_trigger"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// TimeWindow returns config["time_window"] as a raw string (e.g. "1h").
func (c ConditionConfig) TimeWindow() string {
	v, ok := c["time_window"]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (c ConditionConfig) intField(key string, fallback int) int {
	v, ok := c[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return fallback
		}
		return int(i)
	default:
		return fallback
	}
}

// ActionType is the closed vocabulary of dispatchable action kinds (spec §3).
type ActionType string

const (
	ActionMessagingNotification ActionType = "messaging-notification"
	ActionWebhook                ActionType = "webhook"
	ActionAgentPush               ActionType = "agent-push"
)

// Action belongs to exactly one trigger; each trigger's actions execute
// independently of one another (spec §3 "Action").
type Action struct {
	ID         string         `db:"id"`
	TriggerID  string         `db:"trigger_id"`
	ActionType ActionType     `db:"action_type"`
	Priority   int            `db:"priority"`
	Config     ActionConfig   `db:"config"`
}

// ActionConfig is the open, action-type-specific parameter map.
type ActionConfig map[string]interface{}

// Scan implements sql.Scanner for the jsonb config column.
func (c *ActionConfig) Scan(src interface{}) error {
	m := ActionConfig{}
	if err := scanJSON(src, &m); err != nil {
		return err
	}
	*c = m
	return nil
}

// String reads a string-valued config key, defaulting to "".
func (c ActionConfig) String(key string) string {
	v, ok := c[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
