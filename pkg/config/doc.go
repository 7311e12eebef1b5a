// Package config provides configuration management for rulecore.
//
// Configuration is read from a YAML file, decoded on top of the defaults and
// validated:
//
//	cfg, err := config.LoadConfig("rulecore.yaml")
//
// # Environment Variable Overrides
//
// LoadConfigWithEnvOverrides additionally applies variables named
// RULECORE_SECTION_FIELD, for example:
//
//   - RULECORE_ENGINE_WORKERS overrides engine.workers
//   - RULECORE_STORAGE_DRIVER overrides storage.driver
//   - RULECORE_LOGGING_LEVEL overrides logging.level
//
// Environment variables always take precedence over the file.
//
// # Validation
//
// Validate collects every problem into a ValidationError whose Errors field
// lists one FieldError per offending field. ValidationError unwraps to
// ErrInvalidConfig.
package config
