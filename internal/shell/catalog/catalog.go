// Package catalog loads product definitions from YAML files.
//
// A product file names the stacks of a product, their deploy order, their
// compose manifests and variable defaults:
//
//	id: shop
//	name: Shop
//	version: 1.2.0
//	variables:
//	  DOMAIN: shop.example.com
//	stacks:
//	  - name: db
//	    order: 1
//	    version: "16"
//	    compose_file: db.compose.yaml
//	  - name: api
//	    order: 2
//	    manifest: |
//	      services:
//	        api:
//	          image: shop/api:${API_VERSION:-1.2.0}
//
// compose_file paths are relative to the product file.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// MaxFileSize is the largest product or manifest file the catalog reads.
const MaxFileSize = 1024 * 1024

var (
	ErrProductNotFound = errors.New("product not found")
	ErrInvalidProduct  = errors.New("invalid product definition")
)

// =============================================================================
// Types
// =============================================================================

// Product is a deployable multi-stack product.
type Product struct {
	ID        string            `yaml:"id" json:"id"`
	Name      string            `yaml:"name" json:"name"`
	Version   string            `yaml:"version" json:"version"`
	Group     string            `yaml:"group,omitempty" json:"group,omitempty"`
	Variables map[string]string `yaml:"variables,omitempty" json:"variables,omitempty"`
	Stacks    []Stack           `yaml:"stacks" json:"stacks"`
}

// Stack is one stack of a product.
type Stack struct {
	Name        string            `yaml:"name" json:"name"`
	ID          string            `yaml:"id,omitempty" json:"id,omitempty"`
	Order       int               `yaml:"order" json:"order"`
	Version     string            `yaml:"version,omitempty" json:"version,omitempty"`
	ComposeFile string            `yaml:"compose_file,omitempty" json:"compose_file,omitempty"`
	Manifest    string            `yaml:"manifest,omitempty" json:"manifest,omitempty"`
	Variables   map[string]string `yaml:"variables,omitempty" json:"variables,omitempty"`
}

// Defaults returns the default variables for a stack: product-wide values
// overlaid by the stack's own.
func (p *Product) Defaults(stackName string) map[string]string {
	out := make(map[string]string, len(p.Variables))
	for k, v := range p.Variables {
		out[k] = v
	}
	for _, s := range p.Stacks {
		if s.Name != stackName {
			continue
		}
		for k, v := range s.Variables {
			out[k] = v
		}
	}
	return out
}

// Stack returns the named stack.
func (p *Product) Stack(name string) (Stack, bool) {
	for _, s := range p.Stacks {
		if s.Name == name {
			return s, true
		}
	}
	return Stack{}, false
}

// =============================================================================
// Catalog
// =============================================================================

// Catalog is an in-memory set of products. It is safe for concurrent use.
type Catalog struct {
	mu       sync.RWMutex
	products map[string]*Product
}

// New creates a catalog from already-built products.
func New(products ...*Product) (*Catalog, error) {
	c := &Catalog{products: make(map[string]*Product)}
	for _, p := range products {
		if err := c.Add(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Load reads every *.yaml and *.yml product file in dir. A missing dir gives
// an empty catalog.
func Load(dir string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{products: make(map[string]*Product)}
	if dir == "" {
		return c, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("catalog directory not found", "dir", dir)
			return c, nil
		}
		return nil, fmt.Errorf("read catalog dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if strings.Contains(e.Name(), ".compose.") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		p, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if err := c.Add(p); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		logger.Info("loaded product", "product_id", p.ID, "version", p.Version, "stacks", len(p.Stacks))
	}
	return c, nil
}

// LoadFile parses one product file and inlines its compose files.
func LoadFile(path string) (*Product, error) {
	data, err := readLimited(path)
	if err != nil {
		return nil, err
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	base := filepath.Dir(path)
	for i := range p.Stacks {
		s := &p.Stacks[i]
		if s.Manifest != "" || s.ComposeFile == "" {
			continue
		}
		manifest, err := readLimited(filepath.Join(base, s.ComposeFile))
		if err != nil {
			return nil, fmt.Errorf("%s: stack %s: %w", path, s.Name, err)
		}
		s.Manifest = string(manifest)
	}
	if err := p.validate(true); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a product definition. Stacks are sorted by order.
func Parse(data []byte) (*Product, error) {
	var p Product
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProduct, err)
	}
	if err := p.validate(false); err != nil {
		return nil, err
	}
	for i := range p.Stacks {
		if p.Stacks[i].ID == "" {
			p.Stacks[i].ID = p.ID + "/" + p.Stacks[i].Name
		}
	}
	sort.SliceStable(p.Stacks, func(i, j int) bool { return p.Stacks[i].Order < p.Stacks[j].Order })
	return &p, nil
}

func (p *Product) validate(requireManifests bool) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidProduct)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProduct)
	}
	if len(p.Stacks) == 0 {
		return fmt.Errorf("%w: product %s has no stacks", ErrInvalidProduct, p.ID)
	}
	seen := make(map[string]bool, len(p.Stacks))
	for _, s := range p.Stacks {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("%w: stack name is required", ErrInvalidProduct)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate stack %s", ErrInvalidProduct, s.Name)
		}
		seen[s.Name] = true
		if s.Manifest == "" && s.ComposeFile == "" {
			return fmt.Errorf("%w: stack %s needs a manifest or compose_file", ErrInvalidProduct, s.Name)
		}
		if requireManifests && s.Manifest == "" {
			return fmt.Errorf("%w: stack %s has an empty manifest", ErrInvalidProduct, s.Name)
		}
	}
	return nil
}

func readLimited(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("%s exceeds %d bytes", path, MaxFileSize)
	}
	return os.ReadFile(path)
}

// Add registers or replaces a product.
func (c *Catalog) Add(p *Product) error {
	if p == nil {
		return fmt.Errorf("%w: nil product", ErrInvalidProduct)
	}
	if err := p.validate(true); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ID] = p
	return nil
}

// GetProduct returns the product with the given id.
func (c *Catalog) GetProduct(_ context.Context, productID string) (*Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	return p, nil
}

// List returns all products sorted by id.
func (c *Catalog) List() []*Product {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
