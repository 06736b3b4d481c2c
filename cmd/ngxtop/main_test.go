package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testKnownFields(t *testing.T) map[string]bool {
	t.Helper()
	matcher, err := compileFormat("combined")
	if err != nil {
		t.Fatalf("compileFormat: %v", err)
	}
	return knownFields(matcher)
}

func TestKnownFieldsIncludesDerived(t *testing.T) {
	t.Parallel()
	known := testKnownFields(t)
	for _, f := range []string{"remote_addr", "status", "status_type", "request_path", "bytes_sent"} {
		if !known[f] {
			t.Errorf("known fields missing %q", f)
		}
	}
}

func TestCompileFormatPresetAndTemplate(t *testing.T) {
	t.Parallel()
	if _, err := compileFormat("combined"); err != nil {
		t.Errorf("preset combined: %v", err)
	}
	if _, err := compileFormat("$remote_addr [$time_local] $status"); err != nil {
		t.Errorf("raw template: %v", err)
	}
	_, err := compileFormat("$a$b")
	var ce *configError
	if !errors.As(err, &ce) {
		t.Errorf("adjacent placeholders error = %v, want configError", err)
	}
}

func TestCompileOptional(t *testing.T) {
	t.Parallel()
	known := testKnownFields(t)
	if prog, err := compileOptional("", known); prog != nil || err != nil {
		t.Errorf("empty = (%v, %v), want nil, nil", prog, err)
	}
	if _, err := compileOptional("status == '404'", known); err != nil {
		t.Errorf("valid filter: %v", err)
	}
	_, err := compileOptional("nope > 1", known)
	var ce *configError
	if !errors.As(err, &ce) {
		t.Errorf("unknown field error = %v, want configError", err)
	}
}

func TestBuildSpecsDefault(t *testing.T) {
	t.Parallel()
	known := testKnownFields(t)
	cfg := appConfig{
		GroupBy: defaultGroupBy,
		Having:  defaultHaving,
		OrderBy: defaultOrderBy,
		Limit:   defaultLimit,
	}
	specs, err := buildSpecs("", nil, cfg, known)
	if err != nil {
		t.Fatalf("buildSpecs: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("specs = %d, want summary, status and detailed", len(specs))
	}
	names := []string{specs[0].Name, specs[1].Name, specs[2].Name}
	if names[0] != "Summary" || names[2] != "Detailed" {
		t.Errorf("spec names = %v", names)
	}
}

func TestBuildSpecsCommands(t *testing.T) {
	t.Parallel()
	known := testKnownFields(t)
	cfg := appConfig{Limit: defaultLimit}

	specs, err := buildSpecs("top", []string{"remote_addr", "request_path"}, cfg, known)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(specs) != 2 {
		t.Errorf("top specs = %d, want one per field", len(specs))
	}

	specs, err = buildSpecs("avg", []string{"bytes_sent"}, cfg, known)
	if err != nil {
		t.Fatalf("avg: %v", err)
	}
	if got := specs[0].Columns(); len(got) != 1 || got[0] != "avg_bytes_sent" {
		t.Errorf("avg columns = %v", got)
	}

	if _, err := buildSpecs("print", nil, cfg, known); err == nil {
		t.Error("print without fields succeeded, want error")
	}
	if _, err := buildSpecs("frobnicate", nil, cfg, known); err == nil {
		t.Error("unknown command succeeded, want error")
	}

	_, err = buildSpecs("sum", []string{"no_such"}, cfg, known)
	var ce *configError
	if !errors.As(err, &ce) {
		t.Errorf("sum of unknown field = %v, want configError", err)
	}
}

func TestResolveLogConfigFromNginxConf(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	confPath := filepath.Join(dir, "nginx.conf")
	conf := `
log_format mini '$remote_addr $status';
access_log /var/log/nginx/access.log mini;
`
	if err := os.WriteFile(confPath, []byte(conf), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := appConfig{NginxConfig: confPath}
	if err := resolveLogConfig(&cfg); err != nil {
		t.Fatalf("resolveLogConfig: %v", err)
	}
	if cfg.AccessLog != "/var/log/nginx/access.log" {
		t.Errorf("AccessLog = %q", cfg.AccessLog)
	}
	if cfg.LogFormat != "$remote_addr $status" {
		t.Errorf("LogFormat = %q", cfg.LogFormat)
	}
}

func TestResolveLogConfigExplicitValuesUntouched(t *testing.T) {
	t.Parallel()
	cfg := appConfig{AccessLog: "/tmp/x.log", LogFormat: "$status"}
	if err := resolveLogConfig(&cfg); err != nil {
		t.Fatalf("resolveLogConfig: %v", err)
	}
	if cfg.AccessLog != "/tmp/x.log" || cfg.LogFormat != "$status" {
		t.Errorf("cfg = %+v, want inputs preserved", cfg)
	}
}

func TestResolveLogConfigStdinDefaultsToCombined(t *testing.T) {
	t.Parallel()
	cfg := appConfig{AccessLog: "-"}
	if err := resolveLogConfig(&cfg); err != nil {
		t.Fatalf("resolveLogConfig: %v", err)
	}
	if cfg.LogFormat != defaultFormat {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, defaultFormat)
	}
}

func TestOpenFollowSourceStdin(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src, srcErr, err := openFollowSource(ctx, appConfig{AccessLog: "-"})
	if err != nil {
		t.Fatalf("openFollowSource: %v", err)
	}
	defer src.Stop()
	if src.Name() != "stdin" {
		t.Errorf("Name() = %q, want stdin for piped input", src.Name())
	}
	if err := srcErr(); err != nil {
		t.Errorf("srcErr() = %v, want nil", err)
	}
}

func TestOpenFollowSourceFile(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "access.log")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	src, _, err := openFollowSource(ctx, appConfig{AccessLog: path})
	if err != nil {
		t.Fatalf("openFollowSource: %v", err)
	}
	defer src.Stop()
	if src.Name() != "follow" {
		t.Errorf("Name() = %q, want follow for a file path", src.Name())
	}

	if _, _, err := openFollowSource(ctx, appConfig{AccessLog: filepath.Join(t.TempDir(), "nope.log")}); err == nil {
		t.Error("missing file succeeded, want error")
	}
}

func TestLoadConfigDefaultsAndEnv(t *testing.T) {
	t.Setenv("NGXTOP_GROUP_BY", "remote_addr")
	t.Setenv("NGXTOP_LIMIT", "25")

	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yml"))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.GroupBy != "remote_addr" {
		t.Errorf("GroupBy = %q, want env override", cfg.GroupBy)
	}
	if cfg.Limit != 25 {
		t.Errorf("Limit = %d, want 25", cfg.Limit)
	}
	if cfg.Interval != defaultInterval {
		t.Errorf("Interval = %s, want default %s", cfg.Interval, defaultInterval)
	}
	if cfg.Having != defaultHaving || cfg.OrderBy != defaultOrderBy {
		t.Errorf("defaults = having %q, order-by %q", cfg.Having, cfg.OrderBy)
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yml")
	body := `
access-log: /var/log/nginx/api.log
interval: 5s
limit: 3
plain: true
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.AccessLog != "/var/log/nginx/api.log" {
		t.Errorf("AccessLog = %q", cfg.AccessLog)
	}
	if cfg.Interval != 5*time.Second {
		t.Errorf("Interval = %s, want 5s", cfg.Interval)
	}
	if cfg.Limit != 3 || !cfg.Plain {
		t.Errorf("cfg = %+v", cfg)
	}
}
