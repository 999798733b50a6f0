// Package config provides configuration management for plugflow.
//
// Configuration is loaded from environment variables using the env package.
// All configuration values have defaults suitable for a single-process
// deployment with the in-memory store.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("HTTP server will listen on %s\n", cfg.GetHTTPAddr())
package config
