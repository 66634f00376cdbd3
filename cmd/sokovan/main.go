package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sokovanproject/sokovan/internal/common"
	"github.com/sokovanproject/sokovan/internal/scheduler"
	"github.com/sokovanproject/sokovan/internal/scheduler/configuration"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.SokovanConfig
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/sokovan", userSpecifiedConfig)

	log.Info("Starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stopSignal
		cancel()
	}()

	registry := prometheus.NewRegistry()
	metrics := scheduler.NewMetrics(registry)
	shutdownMetricServer := common.ServeMetrics(config.MetricsPort, registry)
	defer shutdownMetricServer()

	if err := scheduler.Run(ctx, &config, metrics); err != nil && err != context.Canceled {
		log.WithError(err).Error("scheduler exited with error")
		os.Exit(1)
	}
}
