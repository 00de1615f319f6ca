package config

// LinkConfig describes one link adapter and its endpoint.
// Example YAML:
// links:
//   - kind: wifi
//     remote: "192.168.1.1:7788"
//   - kind: cellular
//     remote: "gw.example.net:7788"
//     cost_per_message: 0.01
//     mtu: 512
//   - kind: satellite
//     remote: "sat.example.net:7788"
//     cost_per_message: 0.95
//     mtu: 340
//   - kind: mem
type LinkConfig struct {
	Kind   string `mapstructure:"kind"`
	Remote string `mapstructure:"remote"`
	// MTU caps the frame size; zero means the adapter default
	MTU int `mapstructure:"mtu"`
	// CostPerMessage charges the daily ledger per frame, zero unmetered
	CostPerMessage float64 `mapstructure:"cost_per_message"`
	// RSSIDBm reported signal for adapters without radio telemetry
	RSSIDBm float64 `mapstructure:"rssi_dbm"`
	// Extra holds adapter-specific options (reserved for future use)
	Extra map[string]any `mapstructure:"extra"`
}
