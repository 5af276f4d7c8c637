// Package config handles loading and validating IoTFlow Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with IOTFLOW_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (passwords, tokens, the admin secret) should be
//     set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Performance Characteristics:
//   - Configuration is loaded once at startup into an immutable value
//   - No runtime overhead after initial load
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml", logger.Warn)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.API.Port)
package config
