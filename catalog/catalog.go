// Package catalog holds the static registry of known tool servers. The
// registry is built once at startup — from a YAML file or a literal slice of
// descriptors — and is read-only thereafter, so lookups take no locks.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrUnknownServer is returned when a lookup names a server the catalog does
// not carry.
var ErrUnknownServer = errors.New("catalog: unknown server")

// Transport identifies how a connection to the server is established.
type Transport string

const (
	TransportStdio      Transport = "stdio"
	TransportSSE        Transport = "sse"
	TransportStreamable Transport = "http"
)

// Descriptor describes one known tool server. Descriptors are immutable once
// the registry is constructed.
type Descriptor struct {
	// Name is the unique key for the server within the catalog.
	Name        string `yaml:"name"`
	DisplayName string `yaml:"displayName"`

	// RequiresOAuth marks servers that cannot be used before the user has
	// completed an authorization handshake.
	RequiresOAuth bool `yaml:"requiresOAuth"`

	// RequiredCredentialKeys lists the credential fields a caller must supply
	// (API keys, workspace ids, ...) for handshake-free servers.
	RequiredCredentialKeys []string `yaml:"requiredCredentialKeys"`

	// DefaultEnabled marks servers enabled for new agents out of the box.
	DefaultEnabled bool `yaml:"defaultEnabled"`

	// Transport and its per-transport settings.
	Transport Transport `yaml:"transport"`
	Endpoint  string    `yaml:"endpoint"` // sse / http
	Command   string    `yaml:"command"`  // stdio
	Args      []string  `yaml:"args"`     // stdio

	// OAuth client settings; meaningful only when RequiresOAuth is set.
	AuthorizeURL string   `yaml:"authorizeUrl"`
	TokenURL     string   `yaml:"tokenUrl"`
	ClientID     string   `yaml:"clientId"`
	Scopes       []string `yaml:"scopes"`
}

func (d *Descriptor) validate() error {
	if d.Name == "" {
		return errors.New("descriptor missing name")
	}
	switch d.Transport {
	case TransportStdio:
		if d.Command == "" {
			return fmt.Errorf("server %s: stdio transport requires command", d.Name)
		}
	case TransportSSE, TransportStreamable:
		if d.Endpoint == "" {
			return fmt.Errorf("server %s: %s transport requires endpoint", d.Name, d.Transport)
		}
	default:
		return fmt.Errorf("server %s: unsupported transport %q", d.Name, d.Transport)
	}
	if d.RequiresOAuth {
		if d.AuthorizeURL == "" || d.TokenURL == "" || d.ClientID == "" {
			return fmt.Errorf("server %s: requiresOAuth set without authorizeUrl/tokenUrl/clientId", d.Name)
		}
	}
	return nil
}

// RequiresCredential reports whether key is one of the descriptor's required
// credential fields.
func (d *Descriptor) RequiresCredential(key string) bool {
	for _, k := range d.RequiredCredentialKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Registry is the immutable catalog of known tool servers.
type Registry struct {
	byName map[string]*Descriptor
	names  []string
}

// New builds a registry from literal descriptors. Duplicate names and invalid
// descriptors are rejected.
func New(descs ...Descriptor) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Descriptor, len(descs))}
	for i := range descs {
		d := descs[i]
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate server name %q", d.Name)
		}
		r.byName[d.Name] = &d
		r.names = append(r.names, d.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

type catalogFile struct {
	Servers []Descriptor `yaml:"servers"`
}

// Load reads a YAML catalog file of the form:
//
//	servers:
//	  - name: github
//	    transport: http
//	    endpoint: https://mcp.github.example/mcp
//	    requiresOAuth: true
//	    ...
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}
	return New(f.Servers...)
}

// Get returns the descriptor for name, or ErrUnknownServer.
func (r *Registry) Get(name string) (*Descriptor, error) {
	d, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return d, nil
}

// Has reports whether the catalog carries name.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// All returns every descriptor in stable name order.
func (r *Registry) All() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.byName[n])
	}
	return out
}

// DefaultEnabled returns the names of servers enabled by default, in stable
// order.
func (r *Registry) DefaultEnabled() []string {
	var out []string
	for _, n := range r.names {
		if r.byName[n].DefaultEnabled {
			out = append(out, n)
		}
	}
	return out
}
