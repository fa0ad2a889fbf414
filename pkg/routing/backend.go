package routing

// BackendConfig is one configured backend, as given on the command line or in the config file.
type BackendConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}
