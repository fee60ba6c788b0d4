package main

import "os"

type FeatureFlags struct {
	Telemetry   bool
	Stream      bool
	TapThrottle bool
}

var featureFlags = loadFeatureFlags()

func loadFeatureFlags() FeatureFlags {
	return FeatureFlags{
		Telemetry:   envFlag("ENABLE_TELEMETRY", true),
		Stream:      envFlag("ENABLE_STREAM", true),
		TapThrottle: envFlag("ENABLE_TAP_THROTTLE", true),
	}
}

func envFlag(name string, fallback bool) bool {
	val := os.Getenv(name)
	if val == "" {
		return fallback
	}
	return val == "true" || val == "1" || val == "yes"
}
