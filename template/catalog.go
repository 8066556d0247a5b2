package template

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/ruteri/fleet-provisioning-backend/interfaces"
)

// Catalog holds the provisioning templates served by this deployment.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

func NewCatalog() *Catalog {
	return &Catalog{templates: make(map[string]*Template)}
}

func (c *Catalog) Add(t *Template) error {
	if err := t.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, found := c.templates[t.Name]; found {
		return fmt.Errorf("template %s: %w", t.Name, interfaces.ErrAlreadyExists)
	}
	c.templates[t.Name] = t
	return nil
}

// Get returns the named template or ErrNotFound. Templates are shared
// between sessions and must not be modified.
func (c *Catalog) Get(name string) (*Template, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, found := c.templates[name]
	if !found {
		return nil, fmt.Errorf("template %s: %w", name, interfaces.ErrNotFound)
	}
	return t, nil
}

func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.templates))
	for name := range c.templates {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// LoadFile parses a template file named after the file without its extension.
func (c *Catalog) LoadFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read template file: %w", err)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	t, err := Parse(name, data)
	if err != nil {
		return nil, err
	}
	if err := c.Add(t); err != nil {
		return nil, err
	}
	return t, nil
}
