package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// EnvFileCandidates returns the env files Load reads, highest priority first:
// CHATRUN_ENV_FILE, ./.env, ~/.config/chatrun/env, ~/.chatrun/env and
// ~/.chatrun/.env. Duplicates are dropped.
func EnvFileCandidates() []string {
	var candidates []string
	if explicit := strings.TrimSpace(os.Getenv("CHATRUN_ENV_FILE")); explicit != "" {
		candidates = append(candidates, explicit)
	}
	candidates = append(candidates, ".env")
	if home, err := resolveHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".config", "chatrun", "env"),
			filepath.Join(home, ConfigDir, "env"),
			filepath.Join(home, ConfigDir, ".env"),
		)
	}

	out := make([]string, 0, len(candidates))
	seen := map[string]struct{}{}
	for _, p := range candidates {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// LoadEnvFileCandidates applies every readable candidate and returns the
// files it read. Only chatrun settings (CHATRUN_*) and the vendor API key
// variables are taken from env files; the process environment always wins,
// and so does an earlier file.
func LoadEnvFileCandidates() []string {
	var loaded []string
	for _, p := range EnvFileCandidates() {
		if _, err := loadEnvFile(p); err == nil {
			loaded = append(loaded, p)
		}
	}
	return loaded
}

// envFileKey reports whether an env file may set key.
func envFileKey(key string) bool {
	if strings.HasPrefix(key, EnvPrefix+"_") {
		return true
	}
	for _, names := range providerKeyVars {
		for _, name := range names {
			if key == name {
				return true
			}
		}
	}
	return false
}

// loadEnvFile sets the accepted, not yet defined keys of path and returns
// how many it set.
func loadEnvFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	set := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := parseEnvLine(sc.Text())
		if !ok || !envFileKey(key) {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if os.Setenv(key, val) == nil {
			set++
		}
	}
	return set, sc.Err()
}

// parseEnvLine parses `[export ]KEY=value`. Quoted values are taken
// verbatim; an unquoted value ends at " #".
func parseEnvLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	key, val, found := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	val = strings.TrimSpace(val)
	if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') {
		if end := strings.IndexByte(val[1:], val[0]); end >= 0 {
			return key, val[1 : end+1], true
		}
	}
	if i := strings.Index(val, " #"); i >= 0 {
		val = strings.TrimSpace(val[:i])
	}
	return key, val, true
}
