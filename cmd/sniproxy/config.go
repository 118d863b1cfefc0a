package main

import (
	"bytes"
	"io"
	"os"

	"github.com/BurntSushi/toml"
)

// config mirrors the configuration shape from §6: an optional global
// section, a map of listeners keyed by name (Go map order, so listeners
// are not kept in file order) and a named map of routing tables.
// Field layout follows the teacher CLI's config.go: a flat struct per
// section decoded directly by BurntSushi/toml, with toml tags only where
// the on-disk key differs from the Go field name.
type config struct {
	Global    global
	Listeners map[string]listenerConfig
	Tables    map[string][]backendConfig
}

type global struct {
	User         string
	Group        string
	PidFile      string `toml:"pidfile"`
	MaxNoFiles   int    `toml:"max-nofiles"`
	Nameservers  []string
	SearchDomain []string `toml:"search-domains"`
	ResolveMode  string   `toml:"resolver-mode"`
}

type listenerConfig struct {
	Address          string
	Protocol         string
	Table            string
	FallbackAddress  string `toml:"fallback-address"`
	SourceAddress    string `toml:"source-address"`
	TransparentProxy bool   `toml:"transparent-proxy"`
	AccessLogPath    string `toml:"access-log"`
	LogBadRequests   bool   `toml:"log-bad-requests"`
}

type backendConfig struct {
	Pattern        string
	Target         string
	UseProxyHeader bool `toml:"use-proxy-header"`
}

func loadConfig(name ...string) (config, error) {
	b := new(bytes.Buffer)
	var c config
	for _, fn := range name {
		if err := loadFile(b, fn); err != nil {
			return c, err
		}
		b.WriteString("\n")
	}
	_, err := toml.DecodeReader(b, &c)
	return c, err
}

func loadFile(w io.Writer, name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
