package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/ruteri/fleet-provisioning-backend/interfaces"
)

// Catalog holds the stored policy documents by name. Documents are
// immutable once added.
type Catalog struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewCatalog() *Catalog {
	return &Catalog{docs: make(map[string]Document)}
}

// Add stores a document. Adding a second document under the same name fails
// with ErrAlreadyExists.
func (c *Catalog) Add(doc Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, found := c.docs[doc.ID]; found {
		return fmt.Errorf("policy %s: %w", doc.ID, interfaces.ErrAlreadyExists)
	}
	c.docs[doc.ID] = doc.Clone()
	return nil
}

// Get returns a copy of the named document or ErrNotFound.
func (c *Catalog) Get(name string) (Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	doc, found := c.docs[name]
	if !found {
		return Document{}, fmt.Errorf("policy %s: %w", name, interfaces.ErrNotFound)
	}
	return doc.Clone(), nil
}

// Names returns the sorted document names.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.docs))
	for name := range c.docs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// LoadFile parses a policy file and adds it. The document is named after the
// file without its extension.
func (c *Catalog) LoadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("could not read policy file: %w", err)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	doc, err := ParseDocument(name, data)
	if err != nil {
		return Document{}, err
	}
	if err := c.Add(doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}
