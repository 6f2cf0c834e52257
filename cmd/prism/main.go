package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/prismhq/prism/internal/service"
	"github.com/prismhq/prism/pkg/config"
	"github.com/prismhq/prism/pkg/logger"
	"github.com/prismhq/prism/pkg/query"
	"github.com/prismhq/prism/pkg/source/core"
	"github.com/prismhq/prism/pkg/source/registry"

	// Import all backend sources to register them
	_ "github.com/prismhq/prism/pkg/source/clouddirectory"
	_ "github.com/prismhq/prism/pkg/source/cloudsuite"
	_ "github.com/prismhq/prism/pkg/source/directory"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "prism",
		Short: "Prism - Cross-source report query engine",
		Long: `Prism executes reporting queries against heterogeneous identity backends
(on-premise directory, cloud identity directory, cloud productivity suite)
through a single source-agnostic query model.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Prism v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var configFile string
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to YAML configuration file")

	sourcesCmd := &cobra.Command{
		Use:   "sources",
		Short: "List registered backend sources and their configured state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			fmt.Println("Registered source kinds:")
			for _, kind := range registry.Kinds() {
				state := "not configured"
				if src, ok := cfg.SourceByKind(string(kind)); ok {
					if src.Enabled {
						state = "enabled (" + src.Endpoint + ")"
					} else {
						state = "disabled"
					}
				}
				fmt.Printf("  - %-16s %s\n", kind, state)
			}
			return nil
		},
	}
	root.AddCommand(sourcesCmd)

	schemaCmd := &cobra.Command{
		Use:   "schema <source>",
		Short: "Discover and print the field catalog for a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), configFile, func(ctx context.Context, svc *service.Service) error {
				cat, err := svc.DiscoverSchema(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cat)
			})
		},
	}
	root.AddCommand(schemaCmd)

	var queryFile, owner string
	var wait time.Duration
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a query request and print the results",
		Long: `Execute a query request against a configured backend source.
The request file is JSON in the query request shape.

Example:
  prism run --config prism.yaml --query stale-accounts.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(queryFile)
			if err != nil {
				return fmt.Errorf("failed to read query file %s: %w", queryFile, err)
			}
			req, err := query.ParseRequest(data)
			if err != nil {
				return err
			}
			return withService(cmd.Context(), configFile, func(ctx context.Context, svc *service.Service) error {
				rec, err := svc.ExecuteQuery(ctx, owner, req)
				if err != nil {
					return err
				}
				waitCtx, cancel := context.WithTimeout(ctx, wait)
				defer cancel()
				final, err := svc.WaitForExecution(waitCtx, rec.ID, 0)
				if err != nil {
					return err
				}
				result, err := svc.GetResults(ctx, final.ID, owner)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
	runCmd.Flags().StringVarP(&queryFile, "query", "q", "", "Path to query request JSON file (required)")
	runCmd.Flags().StringVar(&owner, "owner", "cli", "Owner recorded on the execution")
	runCmd.Flags().DurationVar(&wait, "wait", 5*time.Minute, "How long to wait for the execution to finish")
	_ = runCmd.MarkFlagRequired("query")
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads the YAML configuration, falling back to defaults when no
// file is given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// withService builds the full service, runs fn, and tears everything down,
// including the metrics endpoint when enabled.
func withService(parent context.Context, configFile string, fn func(context.Context, *service.Service) error) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{Level: cfg.Observability.LogLevel, Encoding: "json"}); err != nil {
		return err
	}
	log := logger.Get().With(zap.String("component", "prism-cli"))

	creds, err := credentialsFromEnv(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, cfg, creds)
	if err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.Observability.EnableMetrics {
		metricsSrv = serveMetrics(cfg.Observability.MetricsAddr, log)
	}

	runErr := fn(ctx, svc)

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// serveMetrics exposes the prometheus endpoint in the background.
func serveMetrics(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics endpoint failed", zap.Error(err))
		}
	}()
	return srv
}

// credentialsFromEnv resolves the credential referenced by each enabled
// source from environment variables. Secrets for credential "ad-prod" are
// read from PRISM_CRED_AD_PROD_* (bind_dn -> PRISM_CRED_AD_PROD_BIND_DN);
// PRISM_CRED_AD_PROD_VERSION sets the rotation version.
func credentialsFromEnv(cfg *config.Config) (service.StaticCredentials, error) {
	creds := make(service.StaticCredentials)
	for _, src := range cfg.Sources {
		if !src.Enabled || src.CredentialID == "" {
			continue
		}
		kind, err := core.ParseKind(src.Kind)
		if err != nil {
			return nil, err
		}

		prefix := "PRISM_CRED_" + strings.ToUpper(strings.ReplaceAll(src.CredentialID, "-", "_")) + "_"
		secrets := make(map[string]string)
		var credVersion int64 = 1
		for _, kv := range os.Environ() {
			if !strings.HasPrefix(kv, prefix) {
				continue
			}
			key, value, _ := strings.Cut(strings.TrimPrefix(kv, prefix), "=")
			if key == "VERSION" {
				v, err := strconv.ParseInt(value, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("invalid %sVERSION: %w", prefix, err)
				}
				credVersion = v
				continue
			}
			secrets[strings.ToLower(key)] = value
		}
		if len(secrets) == 0 {
			return nil, fmt.Errorf("no secrets found for credential %q (expected %s* environment variables)", src.CredentialID, prefix)
		}

		creds[src.CredentialID] = core.Credential{
			ID:       src.CredentialID,
			Version:  credVersion,
			Kind:     kind,
			Endpoint: src.Endpoint,
			Secrets:  secrets,
		}
	}
	return creds, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
