// Package config handles loading and validating Jukebox Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (JUKEBOX_*)
//   - Validation of required fields for the control plane and the device agent
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (JWT secret, device tokens, broker passwords) should be
//     set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Site.Name)
package config
