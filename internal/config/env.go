/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import "os"

// Env covers process level settings read from the environment rather
// than the control file, since they describe the deployment and not the
// correlation job.
type Env struct {
	Environment string
	MetricsBind string
	NATSURL     string
	RunlogDSN   string
	RunlogKind  string
	BindAddr    string
}

// LoadEnv reads the environment and applies defaults. An empty
// MetricsBind disables the scrape endpoint; an empty NATSURL disables
// the event mirror; an empty RunlogDSN disables the run log.
func LoadEnv() *Env {
	return &Env{
		Environment: getEnv("FXCORR_ENV", "development"),
		MetricsBind: getEnv("FXCORR_METRICS_BIND", ""),
		NATSURL:     getEnv("FXCORR_NATS_URL", ""),
		RunlogDSN:   getEnv("FXCORR_RUNLOG_DSN", ""),
		RunlogKind:  getEnv("FXCORR_RUNLOG_BACKEND", "sqlite"),
		BindAddr:    getEnv("FXCORR_BIND", "127.0.0.1:0"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
