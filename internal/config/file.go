package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the controller's on-disk configuration. Command-line flags override
// any field set here.
type File struct {
	ProxyType   string        `yaml:"proxy_type"`
	ProxyV4     string        `yaml:"proxy_v4"`
	ProxyV6     string        `yaml:"proxy_v6"`
	EnableLog   bool          `yaml:"enable_log"`
	PIDs        []int         `yaml:"pids"`
	Names       []string      `yaml:"names"`
	WaitTimeout time.Duration `yaml:"wait_timeout"`
	RuntimeDir  string        `yaml:"runtime_dir"`
}

// Load reads and decodes a YAML configuration file. Unknown keys are
// rejected.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	return f, nil
}

// Configuration converts the proxy fields of f into a validated
// Configuration. An empty proxy type means socks4.
func (f File) Configuration() (Configuration, error) {
	var (
		c   Configuration
		err error
	)

	c.ProxyType = SOCKS4
	if f.ProxyType != "" {
		if c.ProxyType, err = ParseProxyType(f.ProxyType); err != nil {
			return Configuration{}, err
		}
	}
	if f.ProxyV4 != "" {
		if c.ProxyV4, err = ParseEndpointV4(f.ProxyV4); err != nil {
			return Configuration{}, fmt.Errorf("proxy_v4: %w", err)
		}
	}
	if f.ProxyV6 != "" {
		if c.ProxyV6, err = ParseEndpointV6(f.ProxyV6); err != nil {
			return Configuration{}, fmt.Errorf("proxy_v6: %w", err)
		}
	}
	c.Logging = f.EnableLog

	if !c.Valid() {
		return Configuration{}, fmt.Errorf("%w: %s needs a proxy address for its family", ErrInvalid, c.ProxyType)
	}
	return c, nil
}
