package gatehouse

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	ratelimit "github.com/gatehouse-proxy/gatehouse/pkg/rate-limit"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Size is a byte count that unmarshals from YAML strings with human
// suffixes: "500m", "2g", "64k".
type Size int64

func (z *Size) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	n, err := parseSize(s)
	if err != nil {
		return err
	}
	*z = Size(n)
	return nil
}

func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, nil
	}
	mult := int64(1)
	last := s[len(s)-1]
	if last == 'b' {
		s = strings.TrimSpace(s[:len(s)-1])
		if s == "" {
			return 0, fmt.Errorf("invalid size %q", s)
		}
		last = s[len(s)-1]
	}
	switch last {
	case 'k':
		mult = 1024
		s = s[:len(s)-1]
	case 'm':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case 'g':
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size: %w", err)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return int64(v * float64(mult)), nil
}

// FileConfig is the YAML configuration surface.
type FileConfig struct {
	Server struct {
		Listen     string `yaml:"listen"`
		ListenHTTP string `yaml:"listen_http"`
		Admin      string `yaml:"admin"`
	} `yaml:"server"`

	TLS struct {
		CertFile string `yaml:"cert_file"`
		KeyFile  string `yaml:"key_file"`
		CertPEM  string `yaml:"cert_pem"`
		KeyPEM   string `yaml:"key_pem"`
	} `yaml:"tls"`

	Upstream struct {
		URL                string   `yaml:"url"`
		Host               string   `yaml:"host"`
		ConnectTimeout     Duration `yaml:"connect_timeout"`
		ResponseTimeout    Duration `yaml:"response_timeout"`
		IdleTimeout        Duration `yaml:"idle_timeout"`
		UpgradeIdleTimeout Duration `yaml:"upgrade_idle_timeout"`
	} `yaml:"upstream"`

	Cache struct {
		Provider             string   `yaml:"provider"`
		Dir                  string   `yaml:"dir"`
		MaxTotalSize         Size     `yaml:"max_total_size"`
		MinFreeThreshold     Size     `yaml:"min_free_threshold"`
		InactivityTimeout    Duration `yaml:"inactivity_timeout"`
		DefaultTTL           Duration `yaml:"default_ttl"`
		StaleWhileRevalidate Duration `yaml:"stale_while_revalidate"`
		CollapseTimeout      Duration `yaml:"collapse_timeout"`
		RevalidateWorkers    int      `yaml:"revalidate_workers"`
		SweepInterval        Duration `yaml:"sweep_interval"`
	} `yaml:"cache"`

	Admission ratelimit.Config `yaml:"admission"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads, parses and validates a config file.
func LoadConfig(filename string) (FileConfig, error) {
	var config FileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, err
	}
	config.applyDefaults()
	return config, config.Validate()
}

// ParseConfig parses config bytes, for tests and embedded defaults.
func ParseConfig(b []byte) (FileConfig, error) {
	var config FileConfig
	if err := yaml.Unmarshal(b, &config); err != nil {
		return config, err
	}
	config.applyDefaults()
	return config, config.Validate()
}

func (c *FileConfig) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8443"
	}
	if c.Server.ListenHTTP == "" {
		c.Server.ListenHTTP = ":8080"
	}
	if c.Cache.Provider == "" {
		c.Cache.Provider = "disk"
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = "./cache-data"
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = Duration(30 * time.Second)
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *FileConfig) Validate() error {
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	u, err := url.Parse(c.Upstream.URL)
	if err != nil {
		return fmt.Errorf("upstream.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.url must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.url must include a host")
	}
	switch c.Cache.Provider {
	case "disk", "memory":
	default:
		return fmt.Errorf("cache.provider must be disk or memory")
	}
	if c.Admission.Enabled && c.Admission.RefillRate <= 0 {
		return fmt.Errorf("admission.refill_rate_per_second must be positive when enabled")
	}
	if c.Cache.MinFreeThreshold > c.Cache.MaxTotalSize {
		return fmt.Errorf("cache.min_free_threshold exceeds cache.max_total_size")
	}
	return nil
}

// UpstreamURL returns the validated upstream address.
func (c *FileConfig) UpstreamURL() url.URL {
	u, _ := url.Parse(c.Upstream.URL)
	return *u
}

// ExternalPort is the port clients reach the TLS listener on.
func (c *FileConfig) ExternalPort() string {
	if i := strings.LastIndexByte(c.Server.Listen, ':'); i != -1 {
		return c.Server.Listen[i+1:]
	}
	return ""
}

// Redacted returns a copy safe to expose on /configz.
func (c FileConfig) Redacted() FileConfig {
	if c.TLS.KeyPEM != "" {
		c.TLS.KeyPEM = "[redacted]"
	}
	return c
}
