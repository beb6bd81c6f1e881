package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/vladislavdragonenkov/cartsync/internal/app"
	"github.com/vladislavdragonenkov/cartsync/internal/version"
)

// setupLogger настраивает формат и уровень логирования для сервиса.
// Неизвестный уровень не фатален: остаёмся на info и пишем предупреждение.
func setupLogger(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)
	if level == "" {
		return
	}
	parsed, err := log.ParseLevel(level)
	if err != nil {
		log.WithError(err).WithField("level", level).Warn("unknown log level, using info")
		return
	}
	log.SetLevel(parsed)
}

// newViper возвращает viper с файлом конфигурации из флага или из cart.yaml в рабочем каталоге.
func newViper(configFile string) *viper.Viper {
	v := app.NewViper()
	if configFile != "" {
		v.SetConfigFile(configFile)
		return v
	}
	v.SetConfigName("cart")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	return v
}

func main() {
	configFile := flag.String("config", os.Getenv("CART_CONFIG"), "path to config file (yaml)")
	flag.Parse()

	setupLogger("")
	cfg, err := app.LoadConfig(newViper(*configFile))
	if err != nil {
		log.WithError(err).Fatal("невалидная конфигурация")
	}
	setupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"version":       version.String(),
		"instance_id":   cfg.InstanceID,
		"http_addr":     cfg.HTTPAddr,
		"grpc_addr":     cfg.GRPCAddr,
		"metrics_addr":  cfg.MetricsAddr,
		"local_driver":  cfg.LocalDriver,
		"remote_driver": cfg.RemoteDriver,
	}).Info("запускаем cart-service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("cart-service остановлен")
}
