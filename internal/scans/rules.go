package scans

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"sentinelops/internal/incidents"
)

type RuleSet struct {
	// RecordClean raises an incident even when no engine flagged the file.
	RecordClean bool         `yaml:"record_clean"`
	Rules       []RuleConfig `yaml:"rules"`
	Default     RuleConfig   `yaml:"default"`
}

type RuleConfig struct {
	ID               string             `yaml:"id"`
	MinMalicious     int                `yaml:"min_malicious"`
	MinDetectionRate float64            `yaml:"min_detection_rate"`
	Severity         incidents.Severity `yaml:"severity"`
	Category         incidents.Category `yaml:"category"`
	Tags             []string           `yaml:"tags"`
}

func DefaultRules() *RuleSet {
	return &RuleSet{
		Rules: []RuleConfig{
			{ID: "widespread", MinMalicious: 10, MinDetectionRate: 25, Severity: incidents.SeverityCritical, Category: incidents.CategoryMalware, Tags: []string{"malware", "widespread"}},
			{ID: "confirmed", MinMalicious: 3, Severity: incidents.SeverityHigh, Category: incidents.CategoryMalware, Tags: []string{"malware"}},
			{ID: "suspicious", MinMalicious: 1, Severity: incidents.SeverityMedium, Category: incidents.CategoryMalware, Tags: []string{"suspicious"}},
		},
		Default: RuleConfig{ID: "default", Severity: incidents.SeverityLow, Category: incidents.CategoryOther},
	}
}

// LoadRules reads a triage rule file. A missing file yields DefaultRules.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultRules(), nil
		}
		return nil, err
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, err
	}
	if rs.Default.Severity == "" {
		rs.Default.Severity = incidents.SeverityLow
	}
	if rs.Default.Category == "" {
		rs.Default.Category = incidents.CategoryOther
	}
	if rs.Default.ID == "" {
		rs.Default.ID = "default"
	}
	for i, r := range append(rs.Rules, rs.Default) {
		if !r.Severity.Valid() {
			return nil, fmt.Errorf("rule %d (%s): invalid severity %q", i, r.ID, r.Severity)
		}
		if r.Category != "" && !r.Category.Valid() {
			return nil, fmt.Errorf("rule %d (%s): invalid category %q", i, r.ID, r.Category)
		}
	}
	return &rs, nil
}

// Match returns the first rule whose thresholds the submission meets, or the
// default rule. ok is false when the scan is clean and clean scans are not
// recorded.
func (rs *RuleSet) Match(sub Submission) (rule RuleConfig, ok bool) {
	if sub.ScanResults.MaliciousCount == 0 && !rs.RecordClean {
		return RuleConfig{}, false
	}
	rate := sub.detectionRate()
	for _, r := range rs.Rules {
		if sub.ScanResults.MaliciousCount >= r.MinMalicious && rate >= r.MinDetectionRate {
			return r, true
		}
	}
	return rs.Default, true
}
