package stabilize

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the unified service configuration
type Config struct {
	Stabilization StabilizationSettings `yaml:"stabilization" json:"stabilization"`
	Landscape     LandscapeSettings     `yaml:"landscape" json:"landscape"`
	MQTT          MQTTConfig            `yaml:"mqtt" json:"mqtt"`
	Storage       StorageConfig         `yaml:"storage" json:"storage"`
	HTTP          HTTPConfig            `yaml:"http" json:"http"`
	Jobs          JobsConfig            `yaml:"jobs" json:"jobs"`
	Output        OutputConfig          `yaml:"output" json:"output"`
}

// MQTTConfig holds broker settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
	JobTopic      string `yaml:"jobTopic" json:"jobTopic"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	Encoding      string `yaml:"encoding" json:"encoding"` // json or msgpack
}

type StorageConfig struct {
	Path string `yaml:"path" json:"path"`
}

type HTTPConfig struct {
	Port int `yaml:"port" json:"port"`
}

// JobsConfig controls job intake and the face detector cascades
type JobsConfig struct {
	Dir           string `yaml:"dir" json:"dir"`
	Workers       int    `yaml:"workers" json:"workers"`
	PigoCascade   string `yaml:"pigoCascade,omitempty" json:"pigoCascade,omitempty"`
	PuplocCascade string `yaml:"puplocCascade,omitempty" json:"puplocCascade,omitempty"`
}

// OutputConfig controls overlay rendering for processed frames
type OutputConfig struct {
	Dir      string `yaml:"dir" json:"dir"`
	Overlays bool   `yaml:"overlays" json:"overlays"`
	Format   string `yaml:"format" json:"format"` // svg or png
}

// Encodings
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// DefaultConfig returns the configuration used for missing sections
func DefaultConfig() *Config {
	return &Config{
		Stabilization: DefaultSettings(),
		Landscape:     DefaultLandscapeSettings(),
		MQTT: MQTTConfig{
			ClientID:      "tudolapse",
			JobTopic:      "tudolapse/jobs",
			PublishPrefix: "tudolapse",
			Encoding:      EncodingJSON,
		},
		Storage: StorageConfig{Path: "tudolapse.db"},
		HTTP:    HTTPConfig{Port: 8080},
		Jobs:    JobsConfig{Dir: "jobs", Workers: 4},
		Output:  OutputConfig{Dir: "out", Overlays: true, Format: "svg"},
	}
}

// LoadConfig loads the configuration from a YAML file. Missing fields keep
// their defaults and MQTT_* environment variables override the mqtt section.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overrides MQTT settings from the environment
func (c *Config) ApplyEnv() {
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		c.MQTT.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("MQTT_PUBLISH_PREFIX"); v != "" {
		c.MQTT.PublishPrefix = v
	}
}

// Validate checks every section
func (c *Config) Validate() error {
	if err := c.Stabilization.Validate(); err != nil {
		return err
	}
	if err := c.Landscape.Validate(); err != nil {
		return err
	}

	if c.MQTT.Broker != "" && c.MQTT.JobTopic == "" {
		return fmt.Errorf("mqtt.jobTopic is required when mqtt.broker is set")
	}
	if c.MQTT.Encoding != EncodingJSON && c.MQTT.Encoding != EncodingMsgpack {
		return fmt.Errorf("mqtt.encoding must be json or msgpack, got %q", c.MQTT.Encoding)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 0 and 65535, got %d", c.HTTP.Port)
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs.workers must be at least 1, got %d", c.Jobs.Workers)
	}
	if c.Jobs.PuplocCascade != "" && c.Jobs.PigoCascade == "" {
		return fmt.Errorf("jobs.puplocCascade requires jobs.pigoCascade")
	}
	if c.Output.Format != "svg" && c.Output.Format != "png" {
		return fmt.Errorf("output.format must be svg or png, got %q", c.Output.Format)
	}
	return nil
}

// MarshalConfig encodes the configuration as YAML
func MarshalConfig(config *Config) ([]byte, error) {
	data, err := yaml.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshaling config YAML: %w", err)
	}
	return data, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := MarshalConfig(config)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
