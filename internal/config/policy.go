package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ryanuber/go-glob"
	"gopkg.in/yaml.v3"
)

// PolicyConfig overrides encryption settings for buckets matching its patterns.
type PolicyConfig struct {
	ID         string            `yaml:"id"`
	Buckets    []string          `yaml:"buckets"` // Glob patterns for bucket names
	Encryption *EncryptionPolicy `yaml:"encryption,omitempty"`
}

// EncryptionPolicy is the subset of EncryptionConfig a policy may override.
// Key material is process-wide and cannot be overridden per bucket.
type EncryptionPolicy struct {
	Protocol          string `yaml:"protocol,omitempty"`
	RegionLength      int64  `yaml:"region_length,omitempty"`
	Concurrency       int    `yaml:"concurrency,omitempty"`
	RequireEncryption *bool  `yaml:"require_encryption,omitempty"`
}

// PolicyManager manages loading and matching policies
type PolicyManager struct {
	policies []*PolicyConfig
	mu       sync.RWMutex
}

// NewPolicyManager creates a new policy manager
func NewPolicyManager() *PolicyManager {
	return &PolicyManager{
		policies: make([]*PolicyConfig, 0),
	}
}

// LoadPolicies loads policies from the specified file patterns
func (pm *PolicyManager) LoadPolicies(patterns []string) error {
	policies := make([]*PolicyConfig, 0)

	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("failed to glob pattern %s: %w", pattern, err)
		}

		for _, match := range matches {
			data, err := os.ReadFile(match)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", match, err)
			}

			var policy PolicyConfig
			if err := yaml.Unmarshal(data, &policy); err != nil {
				return fmt.Errorf("failed to parse policy file %s: %w", match, err)
			}

			if policy.ID == "" {
				return fmt.Errorf("policy in file %s must have an ID", match)
			}
			if len(policy.Buckets) == 0 {
				return fmt.Errorf("policy %s must specify at least one bucket pattern", policy.ID)
			}

			policies = append(policies, &policy)
		}
	}

	pm.mu.Lock()
	pm.policies = policies
	pm.mu.Unlock()
	return nil
}

// GetPolicyForBucket returns the first matching policy for the given bucket
func (pm *PolicyManager) GetPolicyForBucket(bucket string) *PolicyConfig {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, policy := range pm.policies {
		for _, pattern := range policy.Buckets {
			if glob.Glob(pattern, bucket) {
				return policy
			}
		}
	}
	return nil
}

// EncryptionFor returns the encryption settings for bucket: base with the
// first matching policy's overrides applied. The result is validated.
func (pm *PolicyManager) EncryptionFor(bucket string, base EncryptionConfig) (EncryptionConfig, error) {
	policy := pm.GetPolicyForBucket(bucket)
	if policy == nil {
		return base, nil
	}
	enc := policy.Apply(base)
	if err := enc.Validate(); err != nil {
		return base, fmt.Errorf("policy %s: %w", policy.ID, err)
	}
	return enc, nil
}

// Apply merges the policy's encryption overrides into a copy of base.
func (p *PolicyConfig) Apply(base EncryptionConfig) EncryptionConfig {
	enc := base
	if p.Encryption == nil {
		return enc
	}
	if p.Encryption.Protocol != "" {
		enc.Protocol = p.Encryption.Protocol
		// The base region length may not be valid for the new protocol.
		if p.Encryption.RegionLength == 0 {
			enc.RegionLength = 0
		}
	}
	if p.Encryption.RegionLength != 0 {
		enc.RegionLength = p.Encryption.RegionLength
	}
	if p.Encryption.Concurrency != 0 {
		enc.Concurrency = p.Encryption.Concurrency
	}
	if p.Encryption.RequireEncryption != nil {
		enc.RequireEncryption = *p.Encryption.RequireEncryption
	}
	return enc
}
