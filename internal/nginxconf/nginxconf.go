// Package nginxconf discovers the access log path and format from an
// nginx configuration, for runs that do not spell them out.
package nginxconf

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
)

// DefaultConfigPath is the fallback when nginx is not on PATH.
const DefaultConfigPath = "/etc/nginx/nginx.conf"

// AccessLog is one access_log directive: its file path and the name of
// the log format it uses.
type AccessLog struct {
	Path   string
	Format string
}

var (
	confPathRe  = regexp.MustCompile(`--conf-path=(\S*)`)
	prefixRe    = regexp.MustCompile(`--prefix=(\S*)`)
	accessLogRe = regexp.MustCompile(`(?m)^\s*access_log\s+([^;\s]+)((?:\s+[^;\s]+)*)\s*;`)
	logFormatRe = regexp.MustCompile(`(?s)log_format\s+(\S+)\s+(.*?);`)
)

// DetectConfigPath locates nginx.conf from `nginx -V` output, the way
// the nginx packaging reports it.
func DetectConfigPath() string {
	cmd := exec.Command("nginx", "-V")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return DefaultConfigPath
	}
	if m := confPathRe.FindSubmatch(out); m != nil {
		return string(m[1])
	}
	if m := prefixRe.FindSubmatch(out); m != nil {
		return string(m[1]) + "/conf/nginx.conf"
	}
	return DefaultConfigPath
}

// AccessLogs extracts access_log directives from config text, skipping
// disabled and syslog targets.
func AccessLogs(config string) []AccessLog {
	var logs []AccessLog
	for _, m := range accessLogRe.FindAllStringSubmatch(config, -1) {
		path := m[1]
		if path == "off" || strings.HasPrefix(path, "syslog:") {
			continue
		}
		// The format name, when present, is the first argument after
		// the path; buffer=... and friends carry an equals sign.
		format := "combined"
		if args := strings.Fields(m[2]); len(args) > 0 && !strings.Contains(args[0], "=") {
			format = args[0]
		}
		logs = append(logs, AccessLog{Path: path, Format: format})
	}
	return logs
}

// LogFormats extracts log_format directives as name to template text.
// Multi-line quoted formats are joined the way nginx concatenates
// adjacent strings.
func LogFormats(config string) map[string]string {
	formats := make(map[string]string)
	for _, m := range logFormatRe.FindAllStringSubmatch(config, -1) {
		name, body := m[1], m[2]
		var parts []string
		for _, line := range strings.Split(body, "\n") {
			line = unquote(strings.TrimSpace(line))
			if line != "" {
				parts = append(parts, line)
			}
		}
		formats[name] = strings.Join(parts, "")
	}
	return formats
}

// unquote strips one layer of surrounding quotes, leaving quotes that
// belong to the format itself alone.
func unquote(s string) string {
	if len(s) >= 2 {
		if s[0] == '\'' && s[len(s)-1] == '\'' || s[0] == '"' && s[len(s)-1] == '"' {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// Resolve reads the config at confPath and returns the access log path
// and its format template. A non-empty logPath overrides discovery of
// the path but still resolves the format from the config. Named
// formats the config does not define fall through to the caller, which
// treats them as preset names.
func Resolve(confPath, logPath string) (string, string, error) {
	data, err := os.ReadFile(confPath)
	if err != nil {
		return "", "", fmt.Errorf("reading nginx config %s: %w", confPath, err)
	}
	config := string(data)

	logs := AccessLogs(config)
	if len(logs) == 0 && logPath == "" {
		return "", "", fmt.Errorf("no access_log directive found in %s", confPath)
	}

	chosen := AccessLog{Path: logPath, Format: "combined"}
	if logPath == "" {
		// Multiple access logs configured: take the first, which is
		// the main server log in common layouts.
		chosen = logs[0]
	} else {
		for _, l := range logs {
			if l.Path == logPath {
				chosen = l
				break
			}
		}
	}

	formats := LogFormats(config)
	if template, ok := formats[chosen.Format]; ok {
		return chosen.Path, template, nil
	}
	// Not defined in the config: pass the name through as a preset.
	return chosen.Path, chosen.Format, nil
}
