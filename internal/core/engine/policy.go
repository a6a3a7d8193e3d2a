package engine

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pulsegate/pulsegate/internal/core"
)

// RateLimitPolicy is the request budget for one operation.
type RateLimitPolicy struct {
	MaxRequests int           `yaml:"max_requests" json:"max_requests"`
	Window      time.Duration `yaml:"window" json:"window"`

	// FailOpen admits requests at HTTP call sites when the store is unavailable.
	FailOpen bool `yaml:"fail_open" json:"fail_open"`
}

// Config builds the check parameters for identifier under this policy.
func (p RateLimitPolicy) Config(identifier, operation string) core.RateLimitConfig {
	return core.RateLimitConfig{
		Identifier:    identifier,
		Operation:     operation,
		MaxRequests:   p.MaxRequests,
		WindowMinutes: p.Window.Minutes(),
	}
}

// Operation names with built-in policies.
const (
	OperationAICall              = "ai_call"
	OperationNewsletterSubscribe = "newsletter_subscribe"
	OperationWaitlistJoin        = "waitlist_join"
	OperationContactSubmit       = "contact_submit"
	OperationSessionStart        = "session_start"
)

// DefaultPolicies provides conservative budgets per operation.
var DefaultPolicies = map[string]RateLimitPolicy{
	OperationAICall:              {MaxRequests: 20, Window: time.Minute},
	OperationNewsletterSubscribe: {MaxRequests: 5, Window: 10 * time.Minute},
	OperationWaitlistJoin:        {MaxRequests: 5, Window: 10 * time.Minute},
	OperationContactSubmit:       {MaxRequests: 3, Window: 10 * time.Minute},
	OperationSessionStart:        {MaxRequests: 30, Window: time.Minute},
}

// FallbackPolicy applies to operations without a configured policy.
var FallbackPolicy = RateLimitPolicy{MaxRequests: 30, Window: time.Minute}

type policyFile struct {
	Policies map[string]RateLimitPolicy `yaml:"policies"`
}

// LoadPolicyFile reads a YAML document of the form:
//
//	policies:
//	  ai_call:
//	    max_requests: 20
//	    window: 1m
func LoadPolicyFile(path string) (map[string]RateLimitPolicy, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied policy path
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicies(data)
}

// ParsePolicies decodes and validates a policy document.
func ParsePolicies(data []byte) (map[string]RateLimitPolicy, error) {
	var doc policyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	policies := make(map[string]RateLimitPolicy, len(doc.Policies))
	for operation, policy := range doc.Policies {
		operation = strings.TrimSpace(operation)
		if operation == "" {
			return nil, fmt.Errorf("%w: policy with empty operation name", ErrInvalidConfig)
		}
		if policy.MaxRequests <= 0 {
			return nil, fmt.Errorf("%w: policy %s: max_requests must be positive", ErrInvalidConfig, operation)
		}
		if policy.Window <= 0 {
			return nil, fmt.Errorf("%w: policy %s: window must be positive", ErrInvalidConfig, operation)
		}
		if policy.Window > MaxWindow {
			return nil, fmt.Errorf("%w: policy %s: window must not exceed %s", ErrInvalidConfig, operation, MaxWindow)
		}
		policies[operation] = policy
	}
	return policies, nil
}
