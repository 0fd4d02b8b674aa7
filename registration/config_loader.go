package registration

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk service configuration.
type Config struct {
	Registration RegistrationConfig `yaml:"registration"`
	MQTT         MQTTConfig         `yaml:"mqtt,omitempty"`
	HTTP         HTTPConfig         `yaml:"http,omitempty"`
}

// RegistrationConfig holds the defaults for evaluation and ICP runs.
type RegistrationConfig struct {
	Method                    string                 `yaml:"method"`
	MaxCorrespondenceDistance float64                `yaml:"maxCorrespondenceDistance"`
	Dtype                     string                 `yaml:"dtype,omitempty"`
	Device                    string                 `yaml:"device,omitempty"`
	Criteria                  ICPConvergenceCriteria `yaml:"criteria"`
	Stages                    []ICPStage             `yaml:"stages,omitempty"`
	SearchWorkers             int                    `yaml:"searchWorkers,omitempty"`
	NormalNeighbors           int                    `yaml:"normalNeighbors,omitempty"`
}

// MQTTConfig configures result publishing. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty"`
	ClientID      string `yaml:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty"`
	Password      string `yaml:"password,omitempty"`
}

// HTTPConfig configures the HTTP service.
type HTTPConfig struct {
	Port       int `yaml:"port,omitempty"`
	MaxResults int `yaml:"maxResults,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{
		Registration: RegistrationConfig{
			MaxCorrespondenceDistance: 0.05,
			Criteria:                  DefaultICPConvergenceCriteria(),
		},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills settings whose zero value is not meaningful. Numeric
// registration settings where zero is valid are seeded by DefaultConfig
// before decoding instead.

func (c *Config) applyDefaults() {
	r := &c.Registration
	if r.Method == "" {
		r.Method = MethodPointToPoint
	}
	if r.Dtype == "" {
		r.Dtype = "float32"
	}
	if r.Device == "" {
		r.Device = CPU().String()
	}
	if r.NormalNeighbors == 0 {
		r.NormalNeighbors = defaultNormalNeighbors
	}
	if c.MQTT.PublishPrefix == "" {
		c.MQTT.PublishPrefix = "meshreg"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 4040
	}
	if c.HTTP.MaxResults == 0 {
		c.HTTP.MaxResults = 100
	}
}

// Validate checks the values LoadConfig cannot default.
func (c *Config) Validate() error {
	r := c.Registration
	if _, err := NewTransformationEstimation(r.Method); err != nil {
		return fmt.Errorf("registration.method: %w", err)
	}
	if _, err := ParseDtype(r.Dtype); err != nil {
		return fmt.Errorf("registration.dtype: %w", err)
	}
	if _, err := ParseDevice(r.Device); err != nil {
		return fmt.Errorf("registration.device: %w", err)
	}
	if r.Criteria.MaxIterations < 0 {
		return fmt.Errorf("registration.criteria.maxIterations must not be negative")
	}
	for i, s := range r.Stages {
		if s.VoxelSize < 0 {
			return fmt.Errorf("registration.stages[%d].voxelSize must not be negative", i)
		}
		if s.Criteria.MaxIterations < 0 {
			return fmt.Errorf("registration.stages[%d].criteria.maxIterations must not be negative", i)
		}
	}
	if r.SearchWorkers < 0 {
		return fmt.Errorf("registration.searchWorkers must not be negative")
	}
	return nil
}

// ParsedDtype returns the configured dtype. Validate has already checked it.
func (r RegistrationConfig) ParsedDtype() Dtype {
	d, _ := ParseDtype(r.Dtype)
	return d
}

// ParsedDevice returns the configured device. Validate has already checked it.
func (r RegistrationConfig) ParsedDevice() Device {
	d, _ := ParseDevice(r.Device)
	return d
}

// EffectiveStages returns the configured stages, or DefaultICPStages scaled
// by maxDistance when none are configured.
func (r RegistrationConfig) EffectiveStages(maxDistance float64) []ICPStage {
	if len(r.Stages) > 0 {
		return r.Stages
	}
	return DefaultICPStages(maxDistance)
}

// LoadConfig loads the configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s: %w", path, os.ErrNotExist)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Keys absent from the file keep their defaults; explicit zeros stick.
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
