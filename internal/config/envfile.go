package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// parseEnvFile reads KEY=VALUE lines. Keys in blockValueKeys may span lines
// as KEY=" ... "; keys in multiValueKeys accumulate repeated assignments.
func parseEnvFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open config file: %w", err)
	}
	defer file.Close()

	raw := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimRight(scanner.Text(), "\r"))
		if line == "" || line[0] == '#' {
			continue
		}
		key, value, ok := splitAssignment(line)
		if !ok {
			continue
		}

		if blockValueKeys[key] && line == key+`="` {
			var block []string
			terminated := false
			for scanner.Scan() {
				next := strings.TrimRight(scanner.Text(), "\r")
				if strings.TrimSpace(next) == `"` {
					terminated = true
					break
				}
				block = append(block, next)
			}
			if !terminated {
				return nil, fmt.Errorf("unterminated multi-line value for %s", key)
			}
			raw[key] = strings.Join(block, "\n")
			continue
		}

		if existing := raw[key]; multiValueKeys[key] && existing != "" {
			raw[key] = existing + "\n" + value
		} else {
			raw[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return raw, nil
}

// splitAssignment parses KEY=VALUE. A quoted value ends at its closing
// quote (backslash escapes honoured); an unquoted value ends at " #".
func splitAssignment(line string) (key, value string, ok bool) {
	key, rest, ok := strings.Cut(line, "=")
	if !ok {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	rest = strings.TrimSpace(rest)
	if key == "" {
		return "", "", false
	}

	if rest != "" && (rest[0] == '"' || rest[0] == '\'') {
		quote := rest[0]
		for i := 1; i < len(rest); i++ {
			switch rest[i] {
			case '\\':
				i++
			case quote:
				return key, rest[1:i], true
			}
		}
		// Unterminated: keep the text after the opening quote.
		return key, strings.TrimSpace(rest[1:]), true
	}

	for i := 0; i < len(rest); i++ {
		if rest[i] == '#' && (i == 0 || rest[i-1] == ' ' || rest[i-1] == '\t') {
			rest = rest[:i]
			break
		}
	}
	return key, strings.TrimSpace(rest), true
}
