// Package config manages the global, persisted server configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default placeholder tokens used inside snippet templates.  Keeping them as
// plain tokens lets operators override a whole template from configuration
// without any programmatic substitution syntax.
const (
	DefaultForkAddr          = "__address__"
	DefaultCallbackURL       = "__url__"
	DefaultCallbackPayload   = "__payload__"
	DefaultSidechannelURL    = "__url__"
	DefaultSidechannelCellID = "__id__"
	DefaultFromfilePrefix    = "@"
)

// Data holds the serialisable global configuration.
//
// Any snippet option whose value starts with FromfilePrefix is resolved by
// reading the remainder as a filesystem path.
type Data struct {
	// Server bind surface
	Addr string `json:"addr"`
	Port int    `json:"port"`

	// How to spawn a root worker subprocess
	ReplCommand   string   `json:"repl_command"`
	ReplArguments []string `json:"repl_arguments"`

	// Optional preprocessor command; cell code is piped through it before
	// every run.  Empty disables preprocessing.
	Preproc []string `json:"preproc"`

	// Code prepended / appended to every run
	BeforeRun string `json:"before_run"`
	AfterRun  string `json:"after_run"`

	// Fork snippet template and its address placeholder
	Fork     string `json:"fork"`
	ForkAddr string `json:"fork_addr"`

	// Callback snippet template and its placeholders
	Callback        string `json:"callback"`
	CallbackURL     string `json:"callback_url"`
	CallbackPayload string `json:"callback_payload"`

	// Sidechannel snippet template and its placeholders
	Sidechannel       string `json:"sidechannel"`
	SidechannelURL    string `json:"sidechannel_url"`
	SidechannelCellID string `json:"sidechannel_cell_id"`

	// Prefix marking option values that should be read from a file
	FromfilePrefix string `json:"fromfile_prefix"`
}

// Global is a thread-safe, disk-backed wrapper around Data.
type Global struct {
	mu      sync.RWMutex
	data    Data
	confDir string
}

// Load reads the config from confDir/config.json, filling in defaults for
// any missing fields and resolving fromfile values.  Creates the directory
// if it does not exist.
func Load(confDir string) (*Global, error) {
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		return nil, err
	}

	g := &Global{confDir: confDir, data: defaults()}

	raw, err := os.ReadFile(filepath.Join(confDir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return g, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(raw, &g.data); err != nil {
		return nil, err
	}
	fill(&g.data)
	if err := g.data.resolveFromfile(); err != nil {
		return nil, err
	}
	return g, nil
}

func defaults() Data {
	d := Data{
		ReplCommand:   "python3",
		ReplArguments: []string{"-i"},
	}
	fill(&d)
	return d
}

// fill backfills zero-valued fields that have non-zero defaults, so partial
// config files and API updates keep working.
func fill(d *Data) {
	if d.Addr == "" {
		d.Addr = "0.0.0.0"
	}
	if d.Port == 0 {
		d.Port = 8000
	}
	if d.ForkAddr == "" {
		d.ForkAddr = DefaultForkAddr
	}
	if d.CallbackURL == "" {
		d.CallbackURL = DefaultCallbackURL
	}
	if d.CallbackPayload == "" {
		d.CallbackPayload = DefaultCallbackPayload
	}
	if d.SidechannelURL == "" {
		d.SidechannelURL = DefaultSidechannelURL
	}
	if d.SidechannelCellID == "" {
		d.SidechannelCellID = DefaultSidechannelCellID
	}
	if d.FromfilePrefix == "" {
		d.FromfilePrefix = DefaultFromfilePrefix
	}
	if d.Fork == "" {
		d.Fork = "__forknote_fork('" + d.ForkAddr + "')"
	}
	if d.Callback == "" {
		d.Callback = "__forknote_callback('" + d.CallbackURL + "', '" + d.CallbackPayload + "')"
	}
	if d.Sidechannel == "" {
		d.Sidechannel = "__sidechannel = __forknote_sidechannel('" + d.SidechannelURL + "', '" + d.SidechannelCellID + "')"
	}
}

// resolveFromfile replaces @path-style values with the contents of the
// named file, for the options that hold code snippets.
func (d *Data) resolveFromfile() error {
	for _, p := range []*string{&d.BeforeRun, &d.AfterRun, &d.Fork, &d.Callback, &d.Sidechannel} {
		v, err := textOrFile(*p, d.FromfilePrefix)
		if err != nil {
			return err
		}
		*p = v
	}
	return nil
}

func textOrFile(raw, prefix string) (string, error) {
	if prefix == "" || !strings.HasPrefix(raw, prefix) {
		return raw, nil
	}
	b, err := os.ReadFile(strings.TrimPrefix(raw, prefix))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Get returns a thread-safe copy of the current configuration.
func (g *Global) Get() Data {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}

// SetTransient replaces the current configuration in memory only, for
// command-line overrides that should not be written back to disk.
func (g *Global) SetTransient(d Data) {
	fill(&d)
	g.mu.Lock()
	g.data = d
	g.mu.Unlock()
}

// Set replaces the current configuration and persists it to disk.
func (g *Global) Set(d Data) error {
	fill(&d)
	if err := d.resolveFromfile(); err != nil {
		return err
	}
	g.mu.Lock()
	g.data = d
	g.mu.Unlock()
	return g.save()
}

func (g *Global) save() error {
	g.mu.RLock()
	raw, err := json.MarshalIndent(g.data, "", "  ")
	g.mu.RUnlock()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(g.confDir, "config.json"), raw, 0o644)
}
