// Package config handles loading and validating the VBus bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (VBUS_ prefix)
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - The session password and broker credentials should be set via
//     environment variables
//   - Use Redacted() before logging a Config
//
// Usage:
//
//	cfg, err := config.Load("configs/vbusbridge.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Bridge.Upstream)
package config
