package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rcourtman/tiergate/pkg/licensing"
	"gopkg.in/yaml.v3"
)

const maxQuotaFileBytes = 64 << 10

// quotaFile is the on-disk override format:
//
//	tiers:
//	  standard:
//	    ranking_search: 100
//	    csv_export: unlimited
//	  basic:
//	    ai_assistant: false
type quotaFile struct {
	Tiers map[string]map[string]yaml.Node `yaml:"tiers"`
}

// ParseQuotaOverrides decodes YAML overrides into a table fragment.
func ParseQuotaOverrides(data []byte) (licensing.QuotaTable, error) {
	var file quotaFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode quota file: %w", err)
	}

	table := make(licensing.QuotaTable, len(file.Tiers))
	for rawTier, features := range file.Tiers {
		tier, ok := licensing.ParseTier(rawTier)
		if !ok {
			return nil, fmt.Errorf("quota file: unknown tier %q", rawTier)
		}
		entries := make(map[licensing.Feature]licensing.Limit, len(features))
		for rawFeature, node := range features {
			feature, ok := licensing.ParseFeature(rawFeature)
			if !ok {
				return nil, fmt.Errorf("quota file: unknown feature %q under tier %q", rawFeature, rawTier)
			}
			if node.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("quota file: %s.%s must be a scalar (line %d)", rawTier, rawFeature, node.Line)
			}
			limit, err := licensing.ParseLimit(node.Value)
			if err != nil {
				return nil, fmt.Errorf("quota file: %s.%s (line %d): %w", rawTier, rawFeature, node.Line, err)
			}
			entries[feature] = limit
		}
		table[tier] = entries
	}

	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// LoadQuotaTable returns the built-in table merged with the overrides in
// path. An empty path returns the built-in table.
func LoadQuotaTable(path string) (licensing.QuotaTable, error) {
	base := licensing.DefaultQuotaTable()
	if path == "" {
		return base, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat quota file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("quota file %q is not a regular file", path)
	}
	if info.Size() > maxQuotaFileBytes {
		return nil, fmt.Errorf("quota file %q exceeds %d bytes", path, maxQuotaFileBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read quota file: %w", err)
	}
	overrides, err := ParseQuotaOverrides(data)
	if err != nil {
		return nil, err
	}
	return base.Merge(overrides), nil
}
