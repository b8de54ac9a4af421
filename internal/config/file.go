package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadFile is the default Config loader: a flat "key = value" text file,
// one setting per line, '#' comments, matching the teacher's own
// preference for plain-text config over a structured format (share/*
// reads simple flag-style settings rather than YAML/TOML).
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	cfg := &Config{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		switch key {
		case "restricted_ports":
			ranges, err := ParseRestrictedPorts(value)
			if err != nil {
				return nil, err
			}
			cfg.RestrictedPorts = ranges
		case "policy_import":
			cfg.PolicyImport = value
		case "browse_fs":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("config: browse_fs: %w", err)
			}
			cfg.BrowseFS = b
		default:
			// Collaborator-only or unrecognized keys (token_ttl, proxy_host,
			// proxy_user, proxy_pwd, log_telemetry, ...) are ignored by the
			// engine by design (spec §6.2).
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}
