package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/CZERTAINLY/Camelia/internal/log"
	"github.com/CZERTAINLY/Camelia/internal/model"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	userConfigPath string // /default/config/path/camelia on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag

	// flags and CAMELIA_* environment variables overriding the config file
	overrides = viper.New()
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "camelia")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is camelia.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	serveCmd.Flags().String("addr", "", "listen address, overrides service.addr")
	serveCmd.Flags().Int("workers", 0, "number of concurrent jobs, overrides service.workers")
	_ = overrides.BindPFlag("addr", serveCmd.Flags().Lookup("addr"))
	_ = overrides.BindPFlag("workers", serveCmd.Flags().Lookup("workers"))
	overrides.SetEnvPrefix("CAMELIA")
	for _, key := range []string{"addr", "workers", "verbose"} {
		_ = overrides.BindEnv(key)
	}

	pipelineCmd.Flags().StringVar(&flagVariant, "model_type", string(model.DefaultVariant), "detection variant: black_bars, white_bars or transparent_black")
	pipelineCmd.Flags().StringVar(&flagInput, "input", "", "directory with input images")
	_ = pipelineCmd.MarkFlagRequired("input")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initCamelia

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pipelineCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("camelia failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "camelia",
	Short:        "Service running image batches through the detection and synthesis pipeline",
	SilenceUsage: true,
}

func initCamelia(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("CAMELIACONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, "camelia.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(context.Background())
		configPath = filepath.Join(userConfigPath, "camelia.yaml")
		if err := storeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		cfg, err := model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error(d.String(), d.Attr("detail"))
			}
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
		config = *cfg
	}

	// --verbose and CAMELIA_* have a precedence over config file
	if flagVerbose || overrides.GetBool("verbose") {
		config.Service.Verbose = true
	}
	if overrides.IsSet("addr") && overrides.GetString("addr") != "" {
		config.Service.Addr = overrides.GetString("addr")
	}
	if overrides.IsSet("workers") && overrides.GetInt("workers") > 0 {
		config.Service.Workers = overrides.GetInt("workers")
	}

	// initialize logging
	var w io.Writer
	switch config.Service.Log {
	case model.LogStdout:
		w = os.Stdout
	case model.LogDiscard:
		w = io.Discard
	default:
		w = os.Stderr
	}
	slog.SetDefault(log.New(w, config.Service.Verbose))

	slog.Debug("camelia run", "configPath", configPath)
	slog.Debug("camelia run", "config", config)
	return nil
}

func storeConfig(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
