package config

// Application constants
const (
	AppName    = "keybroker"
	AppVersion = "1.0.0"
)
