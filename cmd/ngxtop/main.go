// Command ngxtop shows a top-like, continuously updated view of an
// nginx (or any custom-format) access log.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/lebinh/ngxtop/internal/expr"
	"github.com/lebinh/ngxtop/internal/httpserver"
	"github.com/lebinh/ngxtop/internal/logformat"
	"github.com/lebinh/ngxtop/internal/logsource"
	"github.com/lebinh/ngxtop/internal/nginxconf"
	"github.com/lebinh/ngxtop/internal/pipeline"
	"github.com/lebinh/ngxtop/internal/query"
	"github.com/lebinh/ngxtop/internal/render"
	"github.com/lebinh/ngxtop/internal/reporter"
	"github.com/lebinh/ngxtop/internal/tui"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// configError marks failures that must abort before any line is
// processed: bad templates, unknown fields, malformed queries.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func confErrf(format string, args ...any) error {
	return &configError{err: fmt.Errorf(format, args...)}
}

func main() {
	var (
		cfgFile     string
		showVersion bool

		accessLog    string
		logFormatArg string
		noFollow     bool
		readExisting bool
		interval     float64
		groupBy      string
		having       string
		orderBy      string
		limit        int
		aggs         aggList
		filterExpr   string
		preFilter    string
		nginxConf    string
		apiAddr      string
		plain        bool
		verbose      bool
		debug        bool
	)

	flag.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/ngxtop/config.yml)")
	flag.BoolVar(&showVersion, "version", false, "print version information")

	flag.StringVar(&accessLog, "l", "", "access log file to parse, - for stdin (shorthand)")
	flag.StringVar(&accessLog, "access-log", "", "access log file to parse, - for stdin")
	flag.StringVar(&logFormatArg, "f", "", "log format as specified in the log_format directive (shorthand)")
	flag.StringVar(&logFormatArg, "log-format", "", "log format as specified in the log_format directive")
	flag.BoolVar(&noFollow, "no-follow", false, "process the current content of the log and exit")
	flag.BoolVar(&readExisting, "read-existing", false, "in follow mode, process existing content before waiting for new lines")
	flag.Float64Var(&interval, "t", 0, "report interval in seconds when following (shorthand)")
	flag.Float64Var(&interval, "interval", 0, "report interval in seconds when following")
	flag.StringVar(&groupBy, "g", "", "group by variable (shorthand)")
	flag.StringVar(&groupBy, "group-by", "", "group by variable")
	flag.StringVar(&having, "w", "", "having clause over aggregated rows (shorthand)")
	flag.StringVar(&having, "having", "", "having clause over aggregated rows")
	flag.StringVar(&orderBy, "o", "", "order of output for the default query (shorthand)")
	flag.StringVar(&orderBy, "order-by", "", "order of output for the default query")
	flag.IntVar(&limit, "n", 0, "limit the number of records included in the report (shorthand)")
	flag.IntVar(&limit, "limit", 0, "limit the number of records included in the report")
	flag.Var(&aggs, "a", "add aggregation (sum, avg, min, max) into output, repeatable")
	flag.StringVar(&filterExpr, "i", "", "filter: only records satisfying the expression are processed (shorthand)")
	flag.StringVar(&filterExpr, "filter", "", "filter: only records satisfying the expression are processed")
	flag.StringVar(&preFilter, "p", "", "pre-filter checked against the raw line before parsing (shorthand)")
	flag.StringVar(&preFilter, "pre-filter", "", "pre-filter checked against the raw line before parsing")
	flag.StringVar(&nginxConf, "c", "", "nginx config file to detect log path and format from (shorthand)")
	flag.StringVar(&nginxConf, "nginx-config", "", "nginx config file to detect log path and format from")
	flag.StringVar(&apiAddr, "api-addr", "", "serve session stats and reports as JSON on this address")
	flag.BoolVar(&plain, "plain", false, "print reports to stdout instead of the full-screen view")
	flag.BoolVar(&verbose, "v", false, "more verbose output (shorthand)")
	flag.BoolVar(&verbose, "verbose", false, "more verbose output")
	flag.BoolVar(&debug, "d", false, "print every line and parsed record (shorthand)")
	flag.BoolVar(&debug, "debug", false, "print every line and parsed record")
	flag.Parse()

	if showVersion {
		fmt.Printf("ngxtop - real-time access log metrics\n")
		fmt.Printf("  Version: %s\n", version)
		fmt.Printf("  Commit:  %s\n", commit)
		fmt.Printf("  Built:   %s\n", buildTime)
		return
	}

	cfg, err := loadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Explicit CLI flags win over config file and environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "l", "access-log":
			cfg.AccessLog = accessLog
		case "f", "log-format":
			cfg.LogFormat = logFormatArg
		case "no-follow":
			cfg.NoFollow = noFollow
		case "read-existing":
			cfg.ReadExisting = readExisting
		case "t", "interval":
			cfg.Interval = time.Duration(interval * float64(time.Second))
		case "g", "group-by":
			cfg.GroupBy = groupBy
		case "w", "having":
			cfg.Having = having
		case "o", "order-by":
			cfg.OrderBy = orderBy
		case "n", "limit":
			cfg.Limit = limit
		case "a":
			cfg.Aggregations = aggs
		case "i", "filter":
			cfg.Filter = filterExpr
		case "p", "pre-filter":
			cfg.PreFilter = preFilter
		case "c", "nginx-config":
			cfg.NginxConfig = nginxConf
		case "api-addr":
			cfg.APIAddr = apiAddr
		case "plain":
			cfg.Plain = plain
		case "v", "verbose":
			cfg.Verbose = verbose
		case "d", "debug":
			cfg.Debug = debug
		}
	})
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}

	if err := run(cfg, flag.Args()); err != nil {
		var ce *configError
		if errors.As(err, &ce) {
			fmt.Fprintf(os.Stderr, "ngxtop: configuration error: %v\n", err)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "ngxtop: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg appConfig, args []string) error {
	restoreLogger := configureRuntimeLogger(cfg)
	defer restoreLogger()

	command := ""
	fields := args
	if len(args) > 0 {
		command = args[0]
		fields = args[1:]
	}

	if err := resolveLogConfig(&cfg); err != nil {
		if command == "info" {
			// info still reports what it could find
			fmt.Printf("configuration file:\n  %s\n", nginxConfigPath(cfg))
			return err
		}
		return err
	}

	if command == "info" {
		return runInfo(cfg)
	}

	matcher, err := compileFormat(cfg.LogFormat)
	if err != nil {
		return err
	}
	known := knownFields(matcher)

	pre, err := compileOptional(cfg.PreFilter, map[string]bool{pipeline.PreFilterField: true})
	if err != nil {
		return err
	}
	filter, err := compileOptional(cfg.Filter, known)
	if err != nil {
		return err
	}

	specs, err := buildSpecs(command, fields, cfg, known)
	if err != nil {
		return err
	}

	queries := make([]reporter.Query, len(specs))
	sinks := make([]pipeline.Sink, len(specs))
	for i, spec := range specs {
		queries[i] = reporter.NewQuery(spec)
		sinks[i] = queries[i].State
	}

	stats := pipeline.NewSessionStats()
	pipe := pipeline.New(pipeline.Config{
		Matcher:   matcher,
		PreFilter: pre,
		Filter:    filter,
		Sinks:     sinks,
		Stats:     stats,
		Debug:     cfg.Debug,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.NoFollow {
		return runBatch(ctx, cfg, pipe, stats, queries)
	}
	return runFollow(ctx, cfg, pipe, stats, queries)
}

// runBatch processes the current content of the source and prints one
// report at end-of-file.
func runBatch(ctx context.Context, cfg appConfig, pipe *pipeline.Pipeline, stats *pipeline.SessionStats, queries []reporter.Query) error {
	rep := reporter.New(stats, queries, render.NewConsolePresenter(os.Stdout), cfg.Interval)

	stopAPI, err := startAPI(cfg, rep)
	if err != nil {
		return err
	}
	defer stopAPI()

	var src logsource.LogSource
	var srcErr func() error
	if cfg.AccessLog == "-" {
		src = logsource.NewStdinSource(ctx)
		srcErr = func() error { return nil }
	} else {
		fileSrc, err := logsource.NewFileSource(ctx, cfg.AccessLog)
		if err != nil {
			return fmt.Errorf("opening access log: %w", err)
		}
		src = fileSrc
		srcErr = fileSrc.Err
	}
	defer src.Stop()

	if err := pipe.Run(ctx, src.Lines()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if err := srcErr(); err != nil {
		return fmt.Errorf("reading access log: %w", err)
	}
	rep.Final()
	return nil
}

// runFollow tails the source indefinitely, reporting on every
// interval, until the user quits or a signal arrives.
func runFollow(ctx context.Context, cfg appConfig, pipe *pipeline.Pipeline, stats *pipeline.SessionStats, queries []reporter.Query) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	src, srcErr, err := openFollowSource(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening access log: %w", err)
	}
	defer src.Stop()

	useTUI := !cfg.Plain && !cfg.Debug && !cfg.Verbose && isTerminal(os.Stdout)

	var presenter reporter.Presenter
	var tuiPresenter *tui.Presenter
	var program *tea.Program
	if useTUI {
		program = tui.NewProgram(tui.NewModel())
		tuiPresenter = tui.NewPresenter(program)
		presenter = tuiPresenter
	} else {
		presenter = render.NewConsolePresenter(os.Stdout)
	}

	rep := reporter.New(stats, queries, presenter, cfg.Interval)

	stopAPI, err := startAPI(cfg, rep)
	if err != nil {
		return err
	}
	defer stopAPI()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel() // ingestion ended, stop the session
		if err := pipe.Run(gctx, src.Lines()); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		if gctx.Err() == nil {
			// The channel closed while the session was live: stdin hit
			// EOF, or the follower died after exhausting its retries.
			if err := srcErr(); err != nil {
				return fmt.Errorf("reading access log: %w", err)
			}
		}
		return nil
	})

	g.Go(func() error {
		return rep.Run(gctx)
	})

	if program != nil {
		g.Go(func() error {
			defer cancel()
			_, err := program.Run()
			return tui.RunError(err)
		})
		go func() {
			<-gctx.Done()
			program.Quit()
		}()
	}

	err = g.Wait()

	// The alt screen is gone; leave the final totals on the terminal.
	if tuiPresenter != nil {
		fmt.Println(render.FormatReport(tuiPresenter.Last()))
	}
	return err
}

// openFollowSource picks the live source for the session: stdin for a
// continuous piped stream, the tailing follower for a file. The second
// return value reports the source's fatal error after its channel
// closes.
func openFollowSource(ctx context.Context, cfg appConfig) (logsource.LogSource, func() error, error) {
	if cfg.AccessLog == "-" {
		src := logsource.NewStdinSource(ctx)
		return src, func() error { return nil }, nil
	}
	src, err := logsource.NewFollowSource(ctx, cfg.AccessLog, logsource.FollowConfig{
		ProcessExisting: cfg.ReadExisting,
		PollInterval:    cfg.PollInterval,
	})
	if err != nil {
		return nil, nil, err
	}
	return src, src.Err, nil
}

// compileOptional compiles an expression when one was given; empty
// text means no filtering at that stage.
func compileOptional(text string, known map[string]bool) (*expr.Program, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	prog, err := expr.Compile(text, known)
	if err != nil {
		return nil, &configError{err: err}
	}
	return prog, nil
}

func startAPI(cfg appConfig, rep *reporter.Reporter) (func(), error) {
	if cfg.APIAddr == "" {
		return func() {}, nil
	}
	srv := httpserver.NewServer(cfg.APIAddr, rep)
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("starting API server: %w", err)
	}
	log.Printf("API listening on %s", cfg.APIAddr)
	return func() { _ = srv.Stop() }, nil
}

// resolveLogConfig fills in the access log path and format, consulting
// the nginx configuration when either is missing.
func resolveLogConfig(cfg *appConfig) error {
	if cfg.AccessLog != "" && cfg.LogFormat != "" {
		return nil
	}
	if cfg.AccessLog == "-" {
		if cfg.LogFormat == "" {
			cfg.LogFormat = defaultFormat
		}
		return nil
	}

	confPath := nginxConfigPath(*cfg)
	path, format, err := nginxconf.Resolve(confPath, cfg.AccessLog)
	if err != nil {
		if cfg.AccessLog != "" {
			// A log path was given; fall back to the combined preset.
			if cfg.LogFormat == "" {
				cfg.LogFormat = defaultFormat
			}
			return nil
		}
		return confErrf("access log not specified and nginx config unusable: %v", err)
	}
	if cfg.AccessLog == "" {
		cfg.AccessLog = path
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = format
	}
	log.Printf("access log: %s", cfg.AccessLog)
	log.Printf("log format: %s", cfg.LogFormat)
	return nil
}

func nginxConfigPath(cfg appConfig) string {
	if cfg.NginxConfig != "" {
		return cfg.NginxConfig
	}
	return nginxconf.DetectConfigPath()
}

func runInfo(cfg appConfig) error {
	matcher, err := compileFormat(cfg.LogFormat)
	if err != nil {
		return err
	}
	vars := append([]string{}, matcher.Fields()...)
	vars = append(vars, pipeline.DerivedFields(matcher.Fields())...)
	sort.Strings(vars)

	fmt.Printf("configuration file:\n  %s\n", nginxConfigPath(cfg))
	fmt.Printf("access log file:\n  %s\n", cfg.AccessLog)
	fmt.Printf("access log format:\n  %s\n", matcher.Template())
	fmt.Printf("available variables:\n  %s\n", strings.Join(vars, ", "))
	return nil
}

// compileFormat resolves preset names (combined, common) and compiles
// the resulting template.
func compileFormat(format string) (*logformat.Matcher, error) {
	if template, ok := logformat.Preset(format); ok {
		format = template
	}
	matcher, err := logformat.Compile(format)
	if err != nil {
		return nil, &configError{err: err}
	}
	return matcher, nil
}

// knownFields is the validation set for filters, group-by fields and
// aggregation targets: everything the format captures plus the derived
// fields.
func knownFields(matcher *logformat.Matcher) map[string]bool {
	known := make(map[string]bool)
	for _, f := range matcher.Fields() {
		known[f] = true
	}
	for _, f := range pipeline.DerivedFields(matcher.Fields()) {
		known[f] = true
	}
	return known
}

// buildSpecs translates the command line into compiled query specs:
// the default summary/status/detailed trio, or the simplified
// print/top/avg/sum forms.
func buildSpecs(command string, fields []string, cfg appConfig, known map[string]bool) ([]*query.Spec, error) {
	wrap := func(spec *query.Spec, err error) ([]*query.Spec, error) {
		if err != nil {
			return nil, &configError{err: err}
		}
		return []*query.Spec{spec}, nil
	}

	switch command {
	case "":
		summary, err := query.Summary(known)
		if err != nil {
			return nil, &configError{err: err}
		}
		specs := []*query.Spec{summary}
		status, err := query.StatusBreakdown(known)
		if err != nil {
			return nil, &configError{err: err}
		}
		if status != nil {
			specs = append(specs, status)
		}
		var groupBy []string
		for _, f := range strings.Split(cfg.GroupBy, ",") {
			if f = strings.TrimSpace(f); f != "" {
				groupBy = append(groupBy, f)
			}
		}
		if len(groupBy) == 0 {
			return nil, confErrf("group-by is empty")
		}
		detailed, err := query.Detailed(groupBy, cfg.Aggregations, cfg.Having, cfg.OrderBy, cfg.Limit, known)
		if err != nil {
			return nil, &configError{err: err}
		}
		return append(specs, detailed), nil

	case "print":
		if len(fields) == 0 {
			return nil, confErrf("print requires at least one variable")
		}
		return wrap(query.Print(fields, cfg.Limit, known))

	case "top":
		if len(fields) == 0 {
			return nil, confErrf("top requires at least one variable")
		}
		var specs []*query.Spec
		for _, f := range fields {
			spec, err := query.Top(f, cfg.Limit, known)
			if err != nil {
				return nil, &configError{err: err}
			}
			specs = append(specs, spec)
		}
		return specs, nil

	case "avg":
		if len(fields) == 0 {
			return nil, confErrf("avg requires at least one variable")
		}
		return wrap(query.Avg(fields, known))

	case "sum":
		if len(fields) == 0 {
			return nil, confErrf("sum requires at least one variable")
		}
		return wrap(query.Sum(fields, known))
	}
	return nil, confErrf("unknown command %q", command)
}

// configureRuntimeLogger silences the runtime log unless verbose or
// debug output was requested; the live view owns the terminal.
func configureRuntimeLogger(cfg appConfig) func() {
	if cfg.Verbose || cfg.Debug {
		log.SetOutput(os.Stderr)
		log.SetFlags(0)
		return func() {}
	}
	prev := log.Writer()
	log.SetOutput(io.Discard)
	return func() { log.SetOutput(prev) }
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
