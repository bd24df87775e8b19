package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Deployment is the site-level configuration file: which cameras exist, which
// inference models are reachable, and the device metadata the correlator
// enriches events with. Loaded once at startup.
type Deployment struct {
	Tenant      string                 `yaml:"tenant"`
	Cameras     []CameraEntry          `yaml:"cameras"`
	Models      []ModelEntry           `yaml:"models"`
	AudioModels []ModelEntry           `yaml:"audio_models"`
	Devices     map[string]DeviceEntry `yaml:"devices"`
	SMTP        SMTPEntry              `yaml:"smtp"`
}

type CameraEntry struct {
	ID        string `yaml:"id"`
	Location  string `yaml:"location"` // rtsp:// URL or file path
	Kind      string `yaml:"kind"`     // rtsp, file, url; default rtsp
	Quality   string `yaml:"quality"`  // low, med, high
	TargetFPS int    `yaml:"target_fps"`
}

type ModelEntry struct {
	ID       string `yaml:"id"`
	Endpoint string `yaml:"endpoint"`
}

type DeviceEntry struct {
	Tenant      string   `yaml:"tenant"`
	Site        string   `yaml:"site"`
	Area        string   `yaml:"area"`
	Location    string   `yaml:"location"`
	HealthScore float64  `yaml:"health_score"`
	FPRate      float64  `yaml:"fp_rate"`
	Tags        []string `yaml:"tags"`
}

type SMTPEntry struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LoadDeployment parses the deployment file. A missing path returns an empty
// deployment so the runtime can start with nothing configured.
func LoadDeployment(path string) (*Deployment, error) {
	if path == "" {
		return &Deployment{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Deployment{}, nil
		}
		return nil, fmt.Errorf("deployment config: %w", err)
	}
	var d Deployment
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("deployment config %s: %w", path, err)
	}
	for i, c := range d.Cameras {
		if c.ID == "" {
			return nil, fmt.Errorf("deployment config %s: camera %d missing id", path, i)
		}
		if c.Location == "" {
			return nil, fmt.Errorf("deployment config %s: camera %s missing location", path, c.ID)
		}
	}
	for i, m := range append(append([]ModelEntry{}, d.Models...), d.AudioModels...) {
		if m.ID == "" || m.Endpoint == "" {
			return nil, fmt.Errorf("deployment config %s: model %d needs id and endpoint", path, i)
		}
	}
	return &d, nil
}
