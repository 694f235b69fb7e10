// Package config reads the simple key=value text configuration format
// every node accepts on its CLI surface: blank lines and "#"-prefixed
// lines are comments, each remaining line is "key=value", and missing
// files or missing keys fall back to documented defaults.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// properties holds the raw key=value pairs read from a config file.
type properties map[string]string

// Config is one node's resolved configuration: its own listen coordinates
// plus the next-hop coordinates it dials out to.
type Config struct {
	Host    string
	PortIn  int
	PortOut int

	HostBus  string
	PortBus  int
	HostServ string
	PortServ int

	LogDir             string
	Quiet              bool
	MaxConcurrentUsers int
	UserFile            string
	KeyFile             string
	PublicKeyFile       string
	ServerPublicKeyFile string
	BusPublicKeyFile    string

	raw properties
}

// Defaults mirror a minimal loopback deployment: everything local, no
// concurrent-user cap, logs under ./logs.
var defaults = map[string]string{
	"host":                  "127.0.0.1",
	"port.in":               "0",
	"port.out":              "0",
	"hostBus":               "127.0.0.1",
	"port.inBus":            "9000",
	"hostServer":            "127.0.0.1",
	"port.inServer":         "9100",
	"logDir":                "./logs",
	"quiet":                 "false",
	"maxConcurrentUsers":    "0",
	"userFile":              "./userdata",
	"keyFile":               "./node_private.pem",
	"publicKeyFile":         "./node_public.pem",
	"serverPublicKeyFile":   "./server_public.pem",
	"busPublicKeyFile":      "./bus_public.pem",
}

// Load reads filename as key=value text. A missing file is not an error —
// the zero properties map falls back to defaults for every key.
func Load(filename string) (*Config, error) {
	props := properties{}
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", filename, err)
			}
		} else {
			props, err = parseProperties(data)
			if err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", filename, err)
			}
		}
	}

	c := &Config{raw: props}
	c.Host = c.str("host")
	c.PortIn = c.int("port.in")
	c.PortOut = c.int("port.out")
	c.HostBus = c.str("hostBus")
	c.PortBus = c.int("port.inBus")
	c.HostServ = c.str("hostServer")
	c.PortServ = c.int("port.inServer")
	c.LogDir = c.str("logDir")
	c.Quiet = c.bool("quiet")
	c.MaxConcurrentUsers = c.int("maxConcurrentUsers")
	c.UserFile = c.str("userFile")
	c.KeyFile = c.str("keyFile")
	c.PublicKeyFile = c.str("publicKeyFile")
	c.ServerPublicKeyFile = c.str("serverPublicKeyFile")
	c.BusPublicKeyFile = c.str("busPublicKeyFile")

	if c.PortIn < 0 || c.PortOut < 0 || c.PortBus < 0 || c.PortServ < 0 {
		return nil, fmt.Errorf("config: ports cannot be negative")
	}
	if c.MaxConcurrentUsers < 0 {
		return nil, fmt.Errorf("config: maxConcurrentUsers cannot be negative")
	}

	return c, nil
}

// parseProperties strips blank lines and "#" comments, splitting each
// remaining line on the first "=".
func parseProperties(data []byte) (properties, error) {
	props := properties{}
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			return nil, fmt.Errorf("line %d: missing '=': %q", lineNo, line)
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if key == "" {
			return nil, fmt.Errorf("line %d: empty key", lineNo)
		}
		props[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return props, nil
}

func (c *Config) lookup(key string) (string, bool) {
	if v, ok := c.raw[key]; ok {
		return v, true
	}
	if v, ok := defaults[key]; ok {
		return v, true
	}
	return "", false
}

func (c *Config) str(key string) string {
	v, _ := c.lookup(key)
	return v
}

func (c *Config) int(key string) int {
	v, ok := c.lookup(key)
	if !ok || v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// bool recognizes true/yes/1/on and false/no/0/off, case-insensitively.
func (c *Config) bool(key string) bool {
	v, ok := c.lookup(key)
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "1", "on":
		return true
	default:
		return false
	}
}
