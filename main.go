package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mailkeep/mailkeep/config"
	"github.com/mailkeep/mailkeep/logger"
	"github.com/mailkeep/mailkeep/server/adminapi"
	"github.com/mailkeep/mailkeep/server/classifier"
	"github.com/mailkeep/mailkeep/server/directory"
	"github.com/mailkeep/mailkeep/server/imapproxy"
	"github.com/mailkeep/mailkeep/server/quarantine"
)

func main() {
	cfg := config.NewDefaultConfig()

	configPath := flag.String("config", "mailkeep.toml", "Path to TOML configuration file")

	fLogOutput := flag.String("logoutput", cfg.Logging.Output, "Log output: 'stderr', 'stdout', 'syslog' or a file path (overrides config)")
	fLogLevel := flag.String("loglevel", cfg.Logging.Level, "Log level: debug, info, warn, error (overrides config)")

	fAddr := flag.String("addr", cfg.Proxy.Addr, "Proxy listen address (overrides config)")
	fDebug := flag.Bool("debug", cfg.Proxy.Debug, "Print all commands and responses with credential masking (overrides config)")

	fThreshold := flag.Float64("threshold", cfg.Filter.Threshold, "Quarantine amount threshold (overrides config)")
	fQuarantinePath := flag.String("quarantinepath", cfg.Quarantine.Path, "Quarantine database path (overrides config)")

	fAdmin := flag.Bool("admin", cfg.Admin.Start, "Start the admin API server (overrides config)")
	fAdminAddr := flag.String("adminaddr", cfg.Admin.Addr, "Admin API listen address (overrides config)")

	flag.Parse()

	// Values from the TOML file override the application defaults; flags
	// explicitly set on the command line override both.
	if err := config.Load(*configPath, &cfg); err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	if isFlagSet("logoutput") {
		cfg.Logging.Output = *fLogOutput
	}
	if isFlagSet("loglevel") {
		cfg.Logging.Level = *fLogLevel
	}
	if isFlagSet("addr") {
		cfg.Proxy.Addr = *fAddr
	}
	if isFlagSet("debug") {
		cfg.Proxy.Debug = *fDebug
	}
	if isFlagSet("threshold") {
		cfg.Filter.Threshold = *fThreshold
	}
	if isFlagSet("quarantinepath") {
		cfg.Quarantine.Path = *fQuarantinePath
	}
	if isFlagSet("admin") {
		cfg.Admin.Start = *fAdmin
	}
	if isFlagSet("adminaddr") {
		cfg.Admin.Addr = *fAdminAddr
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle SIGINT and SIGTERM for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	hostname, _ := os.Hostname()

	store, err := quarantine.Open(cfg.Quarantine.Path)
	if err != nil {
		logger.Fatal("Failed to open quarantine store", "path", cfg.Quarantine.Path, "error", err)
	}
	defer store.Close()
	logger.Info("Quarantine store opened", "path", cfg.Quarantine.Path)

	dir, err := buildDirectory(cfg.Directory)
	if err != nil {
		logger.Fatal("Failed to build account directory", "error", err)
	}

	errChan := make(chan error, 1)

	if cfg.Admin.Start {
		go adminapi.Start(ctx, store, adminapi.ServerOptions{
			Name:         "admin",
			Addr:         cfg.Admin.Addr,
			APIKey:       cfg.Admin.APIKey,
			AllowedHosts: cfg.Admin.AllowedHosts,
		}, errChan)
	}

	go startProxyServer(ctx, hostname, dir, store, errChan, cfg)

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errChan:
		logger.Fatal("Server error", "error", err)
	}
}

// buildDirectory constructs the account directory from configuration.
func buildDirectory(cfg config.DirectoryConfig) (directory.Directory, error) {
	switch cfg.Mode {
	case "http":
		timeout, err := cfg.GetTimeout()
		if err != nil {
			return nil, err
		}
		logger.Info("Using HTTP account directory", "url", cfg.URL)
		return directory.NewHTTPDirectory(cfg.URL, cfg.AuthToken, timeout), nil
	default:
		logger.Info("Using static account directory", "accounts", len(cfg.Accounts))
		return directory.NewStaticDirectory(cfg.Accounts), nil
	}
}

func startProxyServer(ctx context.Context, hostname string, dir directory.Directory, store *quarantine.Store, errChan chan error, cfg config.Config) {
	authIdleTimeout, err := cfg.Proxy.GetAuthIdleTimeout()
	if err != nil {
		errChan <- err
		return
	}
	connectTimeout, err := cfg.Proxy.GetConnectTimeout()
	if err != nil {
		errChan <- err
		return
	}
	closeGracePeriod, err := cfg.Proxy.GetCloseGracePeriod()
	if err != nil {
		errChan <- err
		return
	}
	storeOpTimeout, err := cfg.Quarantine.GetOpTimeout()
	if err != nil {
		errChan <- err
		return
	}

	var fallbackRoute *directory.Route
	if cfg.Directory.FallbackRoute != nil {
		fallbackRoute = &directory.Route{
			Host: cfg.Directory.FallbackRoute.Host,
			Port: cfg.Directory.FallbackRoute.Port,
			TLS:  cfg.Directory.FallbackRoute.TLS,
		}
	}

	s, err := imapproxy.New(ctx, hostname, dir, classifier.New(), store, imapproxy.ServerOptions{
		Name:                  cfg.Proxy.Name,
		Addr:                  cfg.Proxy.Addr,
		TLS:                   cfg.Proxy.TLS,
		TLSCertFile:           cfg.Proxy.TLSCertFile,
		TLSKeyFile:            cfg.Proxy.TLSKeyFile,
		AuthIdleTimeout:       authIdleTimeout,
		ConnectTimeout:        connectTimeout,
		CloseGracePeriod:      closeGracePeriod,
		UnknownIdentityPolicy: cfg.Directory.UnknownIdentityPolicy,
		FallbackRoute:         fallbackRoute,
		Threshold:             cfg.Filter.Threshold,
		MaxInterceptSize:      cfg.Filter.MaxInterceptSize,
		StoreOpTimeout:        storeOpTimeout,
		Debug:                 cfg.Proxy.Debug,
	})
	if err != nil {
		errChan <- err
		return
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down proxy server")
		s.Stop()
	}()

	if err := s.Start(); err != nil && ctx.Err() == nil {
		errChan <- err
	}
}

// isFlagSet reports whether a flag was explicitly set on the command line.
func isFlagSet(name string) bool {
	isSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			isSet = true
		}
	})
	return isSet
}
