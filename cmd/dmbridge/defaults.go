package main

import (
	"time"

	"github.com/TPE1314/T/broker"
	"github.com/spf13/viper"
)

func initViperDefaults() {
	viper.SetDefault("data_dir", "data")

	viper.SetDefault("broker.default_capacity", broker.DefaultCapacity)
	viper.SetDefault("broker.pairing_enabled", true)
	viper.SetDefault("broker.request_max_age", broker.DefaultRequestMaxAge)
	viper.SetDefault("broker.sweep_interval", 10*time.Minute)

	viper.SetDefault("bootstrap.super_admin_id", "")
	viper.SetDefault("bootstrap.admin_ids", []string{})

	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.add_source", false)
}
