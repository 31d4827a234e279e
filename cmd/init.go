package main

import (
	"log/slog"
	"os"
	"strings"

	"memkv/pkg/config"
)

// initConfig загружает конфиг из файла YAML. Если файл не найден, возвращается config.Default().
func initConfig(path string) (config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			cfg := config.Default()
			applyEnv(&cfg)
			return cfg, cfg.Validate()
		}
		return config.Config{}, err
	}

	cfg, err := config.Parse(data)
	if err != nil {
		return cfg, err
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

// applyEnv переопределяет идентичность ноды из окружения (удобно в docker-compose).
func applyEnv(cfg *config.Config) {
	if v := os.Getenv("MEMKV_NODE_ID"); v != "" {
		cfg.Node.ID = v
	}
	if v := os.Getenv("MEMKV_NODE_ADDR"); v != "" {
		cfg.Node.Addr = v
	}
	if v := os.Getenv("MEMKV_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("ZK_SERVERS"); v != "" {
		cfg.Cluster.ZKServers = strings.Split(v, ",")
	}
}

// initLogger настраивает глобальный slog.Logger (JSON или текстовый).
func initLogger(cfg *config.Config) {
	opts := &slog.HandlerOptions{AddSource: true, Level: cfg.Logger.SlogLevel()}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
}
