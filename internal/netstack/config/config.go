// Package config loads the YAML description of an interface: its addresses,
// debug and capture settings, and the sockets it starts with.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/netdispatch/internal/netstack/wire"
)

const CurrentVersion = 1

// Socket kinds accepted in the sockets list.
const (
	KindUDP = "udp"
	KindTCP = "tcp"
	KindRaw = "raw"
)

var ErrInvalid = errors.New("config: invalid")

// Config describes one interface.
type Config struct {
	Version   int      `yaml:"version"`
	Name      string   `yaml:"name"`
	Addresses []string `yaml:"addresses,omitempty"`
	DebugAddr string   `yaml:"debugAddr,omitempty"`
	Capture   string   `yaml:"capture,omitempty"`

	Sockets []Socket `yaml:"sockets,omitempty"`
}

// Socket declares a socket to create when the config is applied.
//
// udp uses Bind. tcp uses Listen for a listener, or Local and Remote for a
// connection. raw uses IPVersion and Protocol.
type Socket struct {
	Kind string `yaml:"kind"`
	Name string `yaml:"name,omitempty"`

	Bind   string `yaml:"bind,omitempty"`
	Listen string `yaml:"listen,omitempty"`
	Local  string `yaml:"local,omitempty"`
	Remote string `yaml:"remote,omitempty"`

	IPVersion int `yaml:"version,omitempty"`
	Protocol  int `yaml:"protocol,omitempty"`
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = CurrentVersion
	}
	if c.Name == "" {
		c.Name = "iface0"
	}
	for i := range c.Sockets {
		s := &c.Sockets[i]
		if s.Name == "" {
			s.Name = fmt.Sprintf("%s%d", s.Kind, i)
		}
	}
}

// Load reads and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a YAML config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field that is later parsed.
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalid, c.Version)
	}
	if _, err := c.ParsedAddresses(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Sockets))
	for _, s := range c.Sockets {
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate socket name %q", ErrInvalid, s.Name)
		}
		seen[s.Name] = true
		if err := s.Validate(); err != nil {
			return fmt.Errorf("socket %q: %w", s.Name, err)
		}
	}
	return nil
}

// ParsedAddresses returns Addresses as netip values.
func (c *Config) ParsedAddresses() ([]netip.Addr, error) {
	out := make([]netip.Addr, 0, len(c.Addresses))
	for _, a := range c.Addresses {
		addr, err := netip.ParseAddr(a)
		if err != nil {
			return nil, fmt.Errorf("%w: address %q: %v", ErrInvalid, a, err)
		}
		out = append(out, addr.Unmap())
	}
	return out, nil
}

func (s Socket) Validate() error {
	switch s.Kind {
	case KindUDP:
		if s.Bind == "" {
			return fmt.Errorf("%w: udp socket needs bind", ErrInvalid)
		}
		_, err := s.BindEndpoint()
		return err
	case KindTCP:
		switch {
		case s.Listen != "" && (s.Local != "" || s.Remote != ""):
			return fmt.Errorf("%w: tcp socket has both listen and local/remote", ErrInvalid)
		case s.Listen != "":
			_, err := s.ListenEndpoint()
			return err
		case s.Local != "" && s.Remote != "":
			_, _, err := s.ConnectEndpoints()
			return err
		}
		return fmt.Errorf("%w: tcp socket needs listen or local and remote", ErrInvalid)
	case KindRaw:
		_, _, err := s.RawBinding()
		return err
	}
	return fmt.Errorf("%w: unknown socket kind %q", ErrInvalid, s.Kind)
}

func (s Socket) BindEndpoint() (wire.ListenEndpoint, error) {
	ep, err := wire.ParseListenEndpoint(s.Bind)
	if err != nil {
		return wire.ListenEndpoint{}, fmt.Errorf("%w: bind: %v", ErrInvalid, err)
	}
	return ep, nil
}

func (s Socket) ListenEndpoint() (wire.ListenEndpoint, error) {
	ep, err := wire.ParseListenEndpoint(s.Listen)
	if err != nil {
		return wire.ListenEndpoint{}, fmt.Errorf("%w: listen: %v", ErrInvalid, err)
	}
	if ep.Port == 0 {
		return wire.ListenEndpoint{}, fmt.Errorf("%w: listen: port 0", ErrInvalid)
	}
	return ep, nil
}

func (s Socket) ConnectEndpoints() (local, remote wire.Endpoint, err error) {
	if local, err = wire.ParseEndpoint(s.Local); err != nil {
		return wire.Endpoint{}, wire.Endpoint{}, fmt.Errorf("%w: local: %v", ErrInvalid, err)
	}
	if remote, err = wire.ParseEndpoint(s.Remote); err != nil {
		return wire.Endpoint{}, wire.Endpoint{}, fmt.Errorf("%w: remote: %v", ErrInvalid, err)
	}
	return local, remote, nil
}

func (s Socket) RawBinding() (wire.Version, wire.Protocol, error) {
	v := wire.Version(s.IPVersion)
	if v != wire.IPv4 && v != wire.IPv6 {
		return 0, 0, fmt.Errorf("%w: raw: ip version %d", ErrInvalid, s.IPVersion)
	}
	if s.Protocol <= 0 || s.Protocol > 255 {
		return 0, 0, fmt.Errorf("%w: raw: protocol %d", ErrInvalid, s.Protocol)
	}
	return v, wire.Protocol(s.Protocol), nil
}
