// Package config provides configuration loading for keybroker.
//
// # Configuration Sources
//
// Values are resolved in the following order, later sources winning:
//
//	1. Default()
//	2. YAML file (KEYBROKER_CONFIG_FILE, keybroker.yaml, configs/keybroker.yaml)
//	3. .env file in the working directory (never overrides the real environment)
//	4. Environment variables
//
// # Environment Variables
//
// All variables share the KEYBROKER_ prefix followed by the section name:
//
//	KEYBROKER_SERVER_PORT=8080
//	KEYBROKER_LICENSE_CERTIFICATE_URL=https://keys.example.com/fairplay.cer
//	KEYBROKER_LICENSE_TENANT_ID=...
//	KEYBROKER_LICENSE_USER_TOKEN=...
//	KEYBROKER_LICENSE_LICENSE_TIMEOUT=15s
//	KEYBROKER_LOGGING_LEVEL=debug
//
// # Validation
//
// Struct tags are checked with go-playground/validator. The license section
// requires a certificate URL, tenant identifier and user token; nothing in
// this package logs those values unmasked.
package config
