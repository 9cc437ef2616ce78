// Package catalog holds the product families sold by the store, the ordered
// tiers of each family, bundles, and the payment-provider identifiers that
// map onto them. The data ships as an embedded YAML document so adding a
// tier or bundle is a data change.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type Tier struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	ReportQuota int64    `yaml:"report_quota" json:"reportQuota"`
	Features    []string `yaml:"features" json:"features"`
}

type Family struct {
	ID             string `yaml:"id" json:"id"`
	Name           string `yaml:"name" json:"name"`
	TokenNamespace string `yaml:"token_namespace" json:"tokenNamespace,omitempty"`
	Tiers          []Tier `yaml:"tiers" json:"tiers"`
}

type BundleItem struct {
	Family string `yaml:"family" json:"family"`
	Tier   string `yaml:"tier" json:"tier"`
}

type Bundle struct {
	ID    string       `yaml:"id" json:"id"`
	Name  string       `yaml:"name" json:"name"`
	Items []BundleItem `yaml:"items" json:"items"`
}

// Product is what a single price or product identifier buys: either one
// family at one tier, or a bundle.
type Product struct {
	Family string `yaml:"family" json:"family,omitempty"`
	Tier   string `yaml:"tier" json:"tier,omitempty"`
	Bundle string `yaml:"bundle" json:"bundle,omitempty"`
}

func (p Product) IsBundle() bool {
	return p.Bundle != ""
}

type Catalog struct {
	Families []Family           `yaml:"families"`
	Bundles  []Bundle           `yaml:"bundles"`
	Prices   map[string]Product `yaml:"prices"`

	families map[string]*Family
	bundles  map[string]*Bundle
	ranks    map[string]map[string]int
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog is invalid: %v", err))
	}
	return c
}

// Load reads a catalog from path, or returns the embedded catalog when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) index() error {
	c.families = make(map[string]*Family, len(c.Families))
	c.bundles = make(map[string]*Bundle, len(c.Bundles))
	c.ranks = make(map[string]map[string]int, len(c.Families))

	for i := range c.Families {
		f := &c.Families[i]
		if f.ID == "" || len(f.Tiers) == 0 {
			return fmt.Errorf("%w: family %q needs an id and at least one tier", ErrInvalid, f.ID)
		}
		if _, dup := c.families[f.ID]; dup {
			return fmt.Errorf("%w: duplicate family %q", ErrInvalid, f.ID)
		}
		c.families[f.ID] = f

		ranks := make(map[string]int, len(f.Tiers))
		for rank, tier := range f.Tiers {
			if _, dup := ranks[tier.ID]; dup {
				return fmt.Errorf("%w: duplicate tier %q in family %q", ErrInvalid, tier.ID, f.ID)
			}
			ranks[tier.ID] = rank
		}
		c.ranks[f.ID] = ranks
	}

	for i := range c.Bundles {
		b := &c.Bundles[i]
		for _, item := range b.Items {
			if _, err := c.Rank(item.Family, item.Tier); err != nil {
				return fmt.Errorf("%w: bundle %q: %v", ErrInvalid, b.ID, err)
			}
		}
		c.bundles[b.ID] = b
	}

	for id, p := range c.Prices {
		if p.IsBundle() {
			if _, ok := c.bundles[p.Bundle]; !ok {
				return fmt.Errorf("%w: price %q references bundle %q", ErrInvalid, id, p.Bundle)
			}
			continue
		}
		if _, err := c.Rank(p.Family, p.Tier); err != nil {
			return fmt.Errorf("%w: price %q: %v", ErrInvalid, id, err)
		}
	}

	return nil
}

func (c *Catalog) Family(id string) (*Family, error) {
	f, ok := c.families[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFamily, id)
	}
	return f, nil
}

// Rank returns the position of tier within family; higher is better.
func (c *Catalog) Rank(family, tier string) (int, error) {
	ranks, ok := c.ranks[family]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}
	rank, ok := ranks[tier]
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", ErrUnknownTier, family, tier)
	}
	return rank, nil
}

func (c *Catalog) Tier(family, tier string) (*Tier, error) {
	f, err := c.Family(family)
	if err != nil {
		return nil, err
	}
	rank, err := c.Rank(family, tier)
	if err != nil {
		return nil, err
	}
	return &f.Tiers[rank], nil
}

func (c *Catalog) Bundle(id string) (*Bundle, error) {
	b, ok := c.bundles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBundle, id)
	}
	return b, nil
}

// Lookup maps the first known identifier (price ID, product ID, ...) to a product.
func (c *Catalog) Lookup(ids ...string) (Product, error) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if p, ok := c.Prices[id]; ok {
			return p, nil
		}
	}
	return Product{}, fmt.Errorf("%w: %v", ErrUnknownPrice, ids)
}

// FamilyIDs lists families in catalog order.
func (c *Catalog) FamilyIDs() []string {
	ids := make([]string, 0, len(c.Families))
	for _, f := range c.Families {
		ids = append(ids, f.ID)
	}
	return ids
}
