package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

var version = "0.1.0-dev"

const usage = `usage: scribectl <command> [flags]

commands:
  transcribe  transcribe an audio file with the primary recognizer
  compare     run every configured recognizer on an audio file
  validate    check a configuration file
  version     print the version`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "transcribe":
		err = runTranscribe(ctx, os.Args[2:], os.Stdout)
	case "compare":
		err = runCompare(ctx, os.Args[2:], os.Stdout)
	case "validate":
		err = runValidate(os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	case "-h", "--help", "help":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}

type fileFlags struct {
	configPath string
	file       string
	language   string
	remote     string
	verbose    bool
}

func parseFileFlags(name string, args []string, withLanguage bool) (fileFlags, error) {
	var f fileFlags
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "Path to configuration file (defaults when empty)")
	fs.StringVar(&f.file, "file", "", "Audio file to transcribe")
	fs.StringVar(&f.remote, "remote", "", "NATS URL of a running scribed to recognize with")
	fs.BoolVar(&f.verbose, "v", false, "Log component activity to stderr")
	if withLanguage {
		fs.StringVar(&f.language, "language", "", "Language tag, for example en-US")
	}
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if f.file == "" && fs.NArg() > 0 {
		f.file = fs.Arg(0)
	}
	if f.file == "" {
		return f, fmt.Errorf("%s: an audio file is required", name)
	}
	return f, nil
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// newController builds a single offline session with no journal or notifications.
// With a remote URL the recognizers run in the scribed process behind it.
func newController(ctx context.Context, cfg config.Config, f fileFlags) (*session.Controller, func(), error) {
	var out io.Writer = io.Discard
	if f.verbose {
		out = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	decoder, err := audio.NewFileDecoder(cfg.Decoder)
	if err != nil {
		return nil, nil, err
	}
	deps := session.Dependencies{Decoder: decoder, Logger: logger}
	cleanup := func() {}

	if f.remote == "" {
		deps.Primary, deps.Secondary, err = stt.FromConfig(cfg.Recognizer, cfg.Offline)
		if err != nil {
			return nil, nil, err
		}
	} else {
		client, err := bus.Connect(ctx, config.BusConfig{
			Servers:        []string{f.remote},
			ConnectTimeout: cfg.Bus.ConnectTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		cleanup = client.Close
		timeout := time.Duration(cfg.Recognizer.TimeoutMS) * time.Millisecond
		deps.Primary = stt.NewBusRecognizer(cfg.Recognizer.Name, "", client.Conn(), timeout)
		if cfg.Offline.Enabled {
			deps.Secondary = []stt.Recognizer{
				stt.NewBusRecognizer(cfg.Offline.Name, cfg.Offline.Name, client.Conn(), timeout),
			}
		}
	}

	ctrl := session.NewController("cli", deps, session.Options{DefaultLanguage: cfg.Session.DefaultLanguage})
	return ctrl, cleanup, nil
}

func runTranscribe(ctx context.Context, args []string, w io.Writer) error {
	f, err := parseFileFlags("transcribe", args, true)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return err
	}
	if f.language != "" && !cfg.Session.HasLanguage(f.language) {
		return fmt.Errorf("unsupported language %q", f.language)
	}
	data, err := os.ReadFile(f.file)
	if err != nil {
		return fmt.Errorf("read audio: %w", err)
	}
	ctrl, cleanup, err := newController(ctx, cfg, f)
	if err != nil {
		return err
	}
	defer cleanup()

	outcome, err := ctrl.TranscribeFromFile(ctx, data, filepath.Base(f.file), f.language)
	renderLog(w, ctrl.Snapshot(0).Log)
	if err != nil {
		return err
	}
	renderOutcome(w, outcome)
	return nil
}

func runCompare(ctx context.Context, args []string, w io.Writer) error {
	f, err := parseFileFlags("compare", args, false)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(f.file)
	if err != nil {
		return fmt.Errorf("read audio: %w", err)
	}
	ctrl, cleanup, err := newController(ctx, cfg, f)
	if err != nil {
		return err
	}
	defer cleanup()
	results, err := ctrl.CompareMethods(ctx, data, filepath.Base(f.file))
	if err != nil {
		renderLog(w, ctrl.Snapshot(0).Log)
		return err
	}
	renderComparison(w, results)
	return nil
}

func runValidate(args []string, w io.Writer) error {
	var configPath string
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "scribe.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, successStyle.Render("config valid"))
	fmt.Fprintf(w, "%s %s (%s)\n", labelStyle.Render("recognizer"), cfg.Recognizer.Name, cfg.Recognizer.Mode)
	if cfg.Offline.Enabled {
		fmt.Fprintf(w, "%s %s (%s)\n", labelStyle.Render("offline"), cfg.Offline.Name, cfg.Offline.Mode)
	}
	fmt.Fprintf(w, "%s %d configured, default %s\n", labelStyle.Render("languages"), len(cfg.Session.Languages), cfg.Session.DefaultLanguage)
	return nil
}
