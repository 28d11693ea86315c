package engine

type ApplicationConfig struct {
	// The application name used in logs and upload manifests.
	Name string
	// Path to the TOML config file. Empty runs on built-in defaults and
	// disables hot reload.
	ConfigPath string
}
