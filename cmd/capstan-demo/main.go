// capstan-demo wires a small capability set into the registry, starts it in
// dependency order, serves prometheus metrics, and shuts down in reverse on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/anvil-platform/capstan/capability"
	"github.com/anvil-platform/capstan/lifecycle"
	"github.com/anvil-platform/capstan/registry"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "capstan-demo",
	Short: "Run a demo capability set under the capstan lifecycle orchestrator",
	RunE:  run,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./capstan.yaml)")
	rootCmd.Flags().String("metrics-addr", ":9090", "prometheus metrics listen address")
	rootCmd.Flags().Duration("shutdown-timeout", 10*time.Second, "how long StopAll may take")
	rootCmd.Flags().Bool("dev-log", false, "use the zap development logger")

	_ = viper.BindPFlag("metrics_addr", rootCmd.Flags().Lookup("metrics-addr"))
	_ = viper.BindPFlag("shutdown_timeout", rootCmd.Flags().Lookup("shutdown-timeout"))
	_ = viper.BindPFlag("dev_log", rootCmd.Flags().Lookup("dev-log"))
}

func initConfig() {
	viper.SetDefault("metrics_addr", ":9090")
	viper.SetDefault("shutdown_timeout", 10*time.Second)
	viper.SetDefault("dev_log", false)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("capstan")
		viper.SetConfigType("yaml")
	}
	// Missing config file is fine; flags and defaults cover everything.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && cfgFile == "" {
			fmt.Fprintln(os.Stderr, "config:", err)
		}
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := buildLogger(viper.GetBool("dev_log"))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg := registry.New(logger)
	if err := registerDemoCapabilities(reg, logger); err != nil {
		return err
	}

	order, err := reg.InitializationOrder()
	if err != nil {
		return err
	}
	logger.Info("computed initialization order", zap.Strings("order", order))
	for _, u := range reg.Unresolved() {
		logger.Warn("unresolved requirement",
			zap.String("consumer", u.Consumer),
			zap.String("contract", u.ContractID),
			zap.Bool("optional", u.Optional),
		)
	}

	metricsAddr := viper.GetString("metrics_addr")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("serving metrics", zap.String("addr", metricsAddr))
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := lifecycle.New(reg, logger)
	if err := mgr.StartAll(ctx); err != nil {
		return fmt.Errorf("startup aborted: %w", err)
	}

	<-ctx.Done()
	logger.Info("signal received, shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("shutdown_timeout"))
	defer cancel()
	if err := mgr.StopAll(stopCtx); err != nil {
		for _, serr := range multierr.Errors(err) {
			logger.Warn("shutdown failure", zap.Error(serr))
		}
	}
	return nil
}

func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// demoInstance is a capability instance that only logs its transitions; it
// stands in for real business logic.
type demoInstance struct {
	name string
	log  *zap.Logger
}

func (d *demoInstance) Initialize(context.Context) error {
	d.log.Info("initialize", zap.String("capability", d.name))
	return nil
}

func (d *demoInstance) Start(context.Context) error {
	d.log.Info("start", zap.String("capability", d.name))
	return nil
}

func (d *demoInstance) Stop(context.Context) error {
	d.log.Info("stop", zap.String("capability", d.name))
	return nil
}

func (d *demoInstance) Cleanup(context.Context) error {
	d.log.Info("cleanup", zap.String("capability", d.name))
	return nil
}

func registerDemoCapabilities(reg *registry.Registry, logger *zap.Logger) error {
	demo := func(name string) capability.Factory {
		return func(_ context.Context, deps capability.Deps) (capability.Instance, error) {
			return &demoInstance{name: name, log: logger}, nil
		}
	}

	descriptors := []capability.Descriptor{
		{
			Name:     "config-store",
			Provides: []capability.Provision{{ContractID: "cap.config", Version: "1.2.0"}},
			Factory:  demo("config-store"),
		},
		{
			Name:     "datastore",
			Provides: []capability.Provision{{ContractID: "cap.datastore", Version: "2.1.0"}},
			Requires: []capability.Requirement{{ContractID: "cap.config", VersionConstraint: "^1.0"}},
			Factory:  demo("datastore"),
		},
		{
			Name:     "cache",
			Provides: []capability.Provision{{ContractID: "cap.cache", Version: "0.9.0"}},
			Requires: []capability.Requirement{{ContractID: "cap.config", VersionConstraint: "^1.0"}},
			Factory:  demo("cache"),
		},
		{
			Name: "api-frontend",
			Requires: []capability.Requirement{
				{ContractID: "cap.datastore", VersionConstraint: "^2.0"},
				{ContractID: "cap.cache", VersionConstraint: "*", Optional: true},
			},
			Factory: demo("api-frontend"),
		},
	}
	for _, d := range descriptors {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
