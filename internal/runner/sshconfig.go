package runner

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// HostConfig is the part of an ssh_config Host entry the executor uses.
type HostConfig struct {
	Alias        string
	HostName     string
	User         string
	IdentityFile string
	Port         string
}

// LookupHost scans an ssh_config stream for alias. As with ssh, every Host
// block whose patterns match contributes and the first value seen for a
// keyword wins. Returns nil when no block matches.
func LookupHost(r io.Reader, alias, homeDir string) (*HostConfig, error) {
	hc := &HostConfig{Alias: alias}
	matched, inBlock := false, false

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := splitKeyword(line)
		if !ok {
			continue
		}

		switch key {
		case "host":
			inBlock = matchPatterns(alias, strings.Fields(value))
			matched = matched || inBlock
			continue
		case "match":
			inBlock = false
			continue
		}
		if !inBlock {
			continue
		}

		value = strings.Trim(value, `"`)
		switch key {
		case "hostname":
			setOnce(&hc.HostName, value)
		case "user":
			setOnce(&hc.User, value)
		case "port":
			setOnce(&hc.Port, value)
		case "identityfile":
			if strings.HasPrefix(value, "~/") && homeDir != "" {
				value = filepath.Join(homeDir, value[2:])
			}
			setOnce(&hc.IdentityFile, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading SSH config: %w", err)
	}
	if !matched {
		return nil, nil
	}
	return hc, nil
}

// splitKeyword splits "Keyword value" and "Keyword=value" lines.
func splitKeyword(line string) (string, string, bool) {
	i := strings.IndexAny(line, " \t=")
	if i < 0 {
		return "", "", false
	}
	key := strings.ToLower(line[:i])
	value := strings.TrimLeft(line[i:], " \t=")
	if value == "" {
		return "", "", false
	}
	return key, value, true
}

func setOnce(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// matchPatterns reports whether alias matches a Host pattern list. A
// negated pattern that matches excludes the alias outright.
func matchPatterns(alias string, patterns []string) bool {
	hit := false
	for _, p := range patterns {
		negate := strings.HasPrefix(p, "!")
		p = strings.TrimPrefix(p, "!")
		ok, err := filepath.Match(p, alias)
		if err != nil || !ok {
			continue
		}
		if negate {
			return false
		}
		hit = true
	}
	return hit
}

// LoadHostConfig reads alias from the ssh_config file at path, or from
// ~/.ssh/config when path is empty. A missing file is not an error.
func LoadHostConfig(alias, path string) (*HostConfig, error) {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	if path == "" {
		if home == "" {
			return nil, nil
		}
		path = filepath.Join(home, ".ssh", "config")
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open SSH config: %w", err)
	}
	defer f.Close()
	return LookupHost(f, alias, home)
}

// ResolveSSH fills in the remote connection details from the user's SSH
// config. A "user@host" target and values already set on the executor take
// precedence. It does nothing for local targets.
func (e *Executor) ResolveSSH(configPath string) error {
	if e.IsLocal() {
		return nil
	}
	host := e.Target
	if at := strings.Index(host, "@"); at >= 0 {
		if e.SSHUser == "" {
			e.SSHUser = host[:at]
		}
		host = host[at+1:]
	}

	hc, err := LoadHostConfig(host, configPath)
	if err != nil {
		return err
	}
	e.Target = host
	if hc == nil {
		return nil
	}
	if hc.HostName != "" {
		e.Target = hc.HostName
	}
	setOnce(&e.SSHUser, hc.User)
	setOnce(&e.SSHKey, hc.IdentityFile)
	setOnce(&e.SSHPort, hc.Port)
	e.Logger.Debugf("Resolved SSH target %s -> %s (user=%s, port=%s)", host, e.Target, e.SSHUser, e.SSHPort)
	return nil
}
