package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// policyFile is the YAML shape of an optional session-policy override file.
// Only set fields override the environment-derived settings; the limits are
// deployment policy, not protocol constants.
type policyFile struct {
	MaxSessionDuration string `yaml:"max_session_duration"`
	MaxIdleTime        string `yaml:"max_idle_time"`
	OrphanGrace        string `yaml:"orphan_grace"`
	AuthTimeout        string `yaml:"auth_timeout"`
	OutputBufferLines  *int   `yaml:"output_buffer_lines"`
	MonitorSchedule    string `yaml:"monitor_schedule"`
	ReconcileSchedule  string `yaml:"reconcile_schedule"`
}

func applyPolicyFile(path string, s *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}

	if err := overrideDuration(&s.MaxSessionDuration, p.MaxSessionDuration, "max_session_duration"); err != nil {
		return err
	}
	if err := overrideDuration(&s.MaxIdleTime, p.MaxIdleTime, "max_idle_time"); err != nil {
		return err
	}
	if err := overrideDuration(&s.OrphanGrace, p.OrphanGrace, "orphan_grace"); err != nil {
		return err
	}
	if err := overrideDuration(&s.AuthTimeout, p.AuthTimeout, "auth_timeout"); err != nil {
		return err
	}
	if p.OutputBufferLines != nil && *p.OutputBufferLines > 0 {
		s.OutputBufferLines = *p.OutputBufferLines
	}
	if p.MonitorSchedule != "" {
		s.MonitorSchedule = p.MonitorSchedule
	}
	if p.ReconcileSchedule != "" {
		s.ReconcileSchedule = p.ReconcileSchedule
	}
	return nil
}

func overrideDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("policy field %s: %w", field, err)
	}
	*dst = d
	return nil
}
