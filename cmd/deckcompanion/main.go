package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/codefionn/deckcompanion/internal/actuator"
	"github.com/codefionn/deckcompanion/internal/config"
	"github.com/codefionn/deckcompanion/internal/dispatch"
	"github.com/codefionn/deckcompanion/internal/features"
	"github.com/codefionn/deckcompanion/internal/history"
	"github.com/codefionn/deckcompanion/internal/lockfile"
	"github.com/codefionn/deckcompanion/internal/logger"
	"github.com/codefionn/deckcompanion/internal/nowplaying"
	"github.com/codefionn/deckcompanion/internal/pprof"
	"github.com/codefionn/deckcompanion/internal/profile"
	"github.com/codefionn/deckcompanion/internal/server"
	"github.com/codefionn/deckcompanion/internal/telemetry"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/term"
)

type options struct {
	configPath  string
	port        int
	token       string
	profilesDir string
	staticDir   string
	logLevel    string
	pprofAddr   string
	spotifyAuth bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	opts, parseErr := parseArgs(os.Args[1:])
	if parseErr != nil {
		if errors.Is(parseErr, flag.ErrHelp) {
			return nil
		}
		return parseErr
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	if initErr := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); initErr != nil {
		return fmt.Errorf("failed to initialize logger: %w", initErr)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.spotifyAuth {
		return runSpotifyAuth(ctx, cfg)
	}
	return runServer(ctx, cfg, opts.pprofAddr)
}

func parseArgs(args []string) (*options, error) {
	fs := flag.NewFlagSet("deckcompanion", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := &options{}
	var showHelp bool

	fs.StringVar(&opts.configPath, "config", config.GetConfigPath(), "Path to the JSON config file")
	fs.IntVar(&opts.port, "port", 0, "WebSocket port (overrides config)")
	fs.StringVar(&opts.token, "token", "", "Shared token clients must present (overrides config)")
	fs.StringVar(&opts.profilesDir, "profiles", "", "Directory holding device profiles (overrides config)")
	fs.StringVar(&opts.staticDir, "static", "", "Serve the web client from this directory")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error, none")
	fs.StringVar(&opts.pprofAddr, "pprof", "", "Serve runtime profiles on this address (e.g. localhost:6060)")
	fs.BoolVar(&opts.spotifyAuth, "spotify-auth", false, "Authorize the Spotify app once and store the token")
	fs.BoolVar(&showHelp, "help", false, "Show usage information")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintln(fs.Output(), "Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if showHelp {
		fs.Usage()
		return nil, flag.ErrHelp
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return opts, nil
}

// loadConfig layers file, environment and flags, in that order.
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}

	if opts.port != 0 {
		cfg.Port = opts.port
	}
	if opts.token != "" {
		cfg.Token = opts.token
	}
	if opts.profilesDir != "" {
		cfg.ProfilesDir = opts.profilesDir
	}
	if opts.staticDir != "" {
		cfg.StaticDir = opts.staticDir
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func actionFlags(a config.ActionsConfig) *features.ActionFlags {
	flags := features.NewActionFlags()
	flags.Set(features.Spotify, a.Spotify)
	flags.Set(features.System, a.System)
	flags.Set(features.Shell, a.Shell)
	flags.Set(features.Media, a.Media)
	flags.Set(features.Hotkey, a.Hotkey)
	flags.Set(features.Macro, a.Macro)
	return flags
}

func runServer(ctx context.Context, cfg *config.Config, pprofAddr string) error {
	logger.Info("deckcompanion starting")
	logger.Debug("Configuration: addr=%s profiles=%s log_level=%s", cfg.Addr(), cfg.ProfilesDir, cfg.LogLevel)

	lock, err := lockfile.Acquire(cfg.ProfilesDir, cfg.Addr())
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("Failed to release instance lock: %v", err)
		}
	}()

	store, err := profile.NewStore(cfg.ProfilesDir)
	if err != nil {
		return err
	}

	native := actuator.New()
	flags := actionFlags(cfg.Actions)

	srvOpts := server.Options{
		Config:  cfg,
		Store:   store,
		Sampler: telemetry.NewSampler(),
	}
	dispOpts := dispatch.Options{
		System:   native,
		Keyboard: native,
		Flags:    flags,
	}

	spotify, err := nowplaying.NewSpotifyFromConfig(ctx, cfg.Spotify)
	if err != nil {
		logger.Warn("Spotify disabled: %v (run with -spotify-auth to authorize)", err)
	} else {
		srvOpts.Player = spotify
		dispOpts.Player = spotify
	}

	if cfg.HistoryPath != "" {
		journal, err := history.Open(cfg.HistoryPath)
		if err != nil {
			return err
		}
		defer journal.Close()
		srvOpts.Journal = journal
	}

	srvOpts.Executor = dispatch.New(dispOpts)
	srv, err := server.New(srvOpts)
	if err != nil {
		return err
	}

	if pprofAddr != "" {
		go func() {
			if err := pprof.Serve(ctx, pprofAddr); err != nil {
				logger.Warn("Profiling disabled: %v", err)
			}
		}()
	}

	printBanner(cfg, native.Platform(), flags.Enabled(), srvOpts.Player != nil)
	return srv.Run(ctx)
}

func printBanner(cfg *config.Config, platform string, enabled []string, spotify bool) {
	lines := []string{
		fmt.Sprintf("ws://%s", cfg.Addr()),
		fmt.Sprintf("profiles  %s", cfg.ProfilesDir),
		fmt.Sprintf("platform  %s", platform),
		fmt.Sprintf("actions   %s", strings.Join(enabled, ", ")),
	}
	if cfg.StaticDir != "" {
		lines = append(lines, fmt.Sprintf("client    http://%s", cfg.StaticAddr()))
	}
	if cfg.Token == "" {
		lines = append(lines, "auth      off (any client on the network may connect)")
	}
	if !spotify {
		lines = append(lines, "spotify   not authorized")
	}

	if !term.IsTerminal(int(os.Stderr.Fd())) {
		for _, l := range lines {
			logger.Info("%s", l)
		}
		return
	}

	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Render("deckcompanion")
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("8")).
		Padding(0, 1).
		Render(title + "\n" + strings.Join(lines, "\n"))
	fmt.Fprintln(os.Stderr, box)
}

// runSpotifyAuth serves the OAuth redirect URI until the callback arrives.
func runSpotifyAuth(ctx context.Context, cfg *config.Config) error {
	auth, err := nowplaying.NewAuthorizer(cfg.Spotify)
	if err != nil {
		return err
	}

	redirect, err := url.Parse(cfg.Spotify.RedirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect uri: %w", err)
	}
	path := redirect.Path
	if path == "" {
		path = "/"
	}

	ln, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", redirect.Host, err)
	}

	router := httprouter.New()
	router.Handler(http.MethodGet, path, auth)
	srv := &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Callback server: %v", err)
		}
	}()
	defer srv.Close()

	fmt.Fprintf(os.Stderr, "Open this URL in a browser to authorize deckcompanion:\n\n  %s\n\n", auth.AuthURL())
	if err := auth.Wait(ctx); err != nil {
		return fmt.Errorf("spotify authorization failed: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Authorized. Token stored in %s\n", cfg.Spotify.TokenCache)
	return nil
}
