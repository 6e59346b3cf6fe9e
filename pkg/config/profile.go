package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeployProfile is a per-environment YAML overlay: governance posture and
// operational limits that should not require a rebuild to change.
type DeployProfile struct {
	Name string `yaml:"name" json:"name"`
	Code string `yaml:"code" json:"code"`

	// FailMode overrides the kernel's degradation posture for this
	// environment: "open", "closed" or "read-open".
	FailMode string `yaml:"fail_mode,omitempty" json:"fail_mode,omitempty"`

	Limits    LimitsConfig    `yaml:"limits" json:"limits"`
	Retention RetentionConfig `yaml:"retention" json:"retention"`
}

// LimitsConfig tunes kernel-side throttling per environment.
type LimitsConfig struct {
	DefaultReadPerMin  int `yaml:"default_read_per_min" json:"default_read_per_min"`
	DefaultWritePerMin int `yaml:"default_write_per_min" json:"default_write_per_min"`
	DeletePerMin       int `yaml:"delete_per_min" json:"delete_per_min"`
}

// RetentionConfig defines hot-index retention.
type RetentionConfig struct {
	AuditHotDays  int `yaml:"audit_hot_days" json:"audit_hot_days"`
	DecisionsDays int `yaml:"decisions_days" json:"decisions_days"`
}

// LoadProfile loads profile_<code>.yaml from the profiles directory.
func LoadProfile(profilesDir, code string) (*DeployProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile DeployProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}
	if profile.Code == "" {
		profile.Code = code
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the directory, keyed by code.
func LoadAllProfiles(profilesDir string) (map[string]*DeployProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*DeployProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile DeployProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Code == "" {
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Code] = &profile
	}
	return profiles, nil
}

// Apply overlays the profile onto a kernel configuration. Only fields the
// profile sets are touched.
func (p *DeployProfile) Apply(cfg *KernelConfig) {
	if p.FailMode != "" {
		cfg.FailMode = p.FailMode
	}
}
