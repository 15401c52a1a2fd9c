package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Client is one tracked account. Locations maps a scope name ("A", "B")
// to the provider location code fetched for it.
type Client struct {
	Code         string         `yaml:"code"`
	Name         string         `yaml:"name"`
	Domain       string         `yaml:"domain"`
	LanguageCode string         `yaml:"language_code"`
	Locations    map[string]int `yaml:"locations"`
}

type Clients struct {
	byCode map[string]Client
}

type clientsFile struct {
	Clients []Client `yaml:"clients"`
}

// LoadClients reads the client registry from a YAML file.
func LoadClients(path string) (*Clients, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read clients file: %w", err)
	}
	return ParseClients(b)
}

func ParseClients(b []byte) (*Clients, error) {
	var f clientsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse clients file: %w", err)
	}
	reg := &Clients{byCode: make(map[string]Client, len(f.Clients))}
	for i, c := range f.Clients {
		c.Code = strings.TrimSpace(c.Code)
		if c.Code == "" {
			return nil, fmt.Errorf("client #%d: code is required", i+1)
		}
		if _, dup := reg.byCode[c.Code]; dup {
			return nil, fmt.Errorf("client %q: duplicate code", c.Code)
		}
		for _, scope := range []string{"A", "B"} {
			if c.Locations[scope] <= 0 {
				return nil, fmt.Errorf("client %q: location for scope %s is required", c.Code, scope)
			}
		}
		c.Domain = strings.ToLower(strings.TrimSpace(c.Domain))
		reg.byCode[c.Code] = c
	}
	return reg, nil
}

func (r *Clients) Lookup(code string) (Client, bool) {
	if r == nil {
		return Client{}, false
	}
	c, ok := r.byCode[strings.TrimSpace(code)]
	return c, ok
}

func (r *Clients) Len() int {
	if r == nil {
		return 0
	}
	return len(r.byCode)
}
