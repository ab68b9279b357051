package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"portablemsvc/internal/fault"
)

const (
	// CatalogItemID is the channel item whose first payload is the package catalog.
	CatalogItemID = "Microsoft.VisualStudio.Manifests.VisualStudio"
	// BuildToolsItemID carries the license resources.
	BuildToolsItemID = "Microsoft.VisualStudio.Product.BuildTools"
)

// Channel is the small bootstrap document published per release channel.
type Channel struct {
	Items []ChannelItem `json:"channelItems"`
}

type ChannelItem struct {
	ID                 string              `json:"id"`
	Payloads           []Payload           `json:"payloads,omitempty"`
	LocalizedResources []LocalizedResource `json:"localizedResources,omitempty"`
}

type LocalizedResource struct {
	Language string `json:"language"`
	License  string `json:"license,omitempty"`
}

// Catalog is the full package catalog referenced by a channel.
type Catalog struct {
	Packages []Package `json:"packages"`
}

// Package is one catalog record. Several records may share an id when the
// package ships per-language variants.
type Package struct {
	ID           string       `json:"id"`
	Version      string       `json:"version,omitempty"`
	Language     string       `json:"language,omitempty"`
	Dependencies Dependencies `json:"dependencies,omitempty"`
	Payloads     []Payload    `json:"payloads,omitempty"`
}

// Payload is one downloadable file.
type Payload struct {
	FileName string `json:"fileName"`
	URL      string `json:"url"`
	SHA256   string `json:"sha256"`
	Size     int64  `json:"size,omitempty"`
}

// Dependencies lists dependency ids in document order. The catalog writes them
// either as an array of ids or as an object keyed by id.
type Dependencies []string

func (d *Dependencies) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*d = nil
		return nil
	}

	switch data[0] {
	case '[':
		var ids []string
		if err := json.Unmarshal(data, &ids); err != nil {
			return fmt.Errorf("dependencies: %w", err)
		}
		*d = ids
		return nil
	case '{':
		dec := json.NewDecoder(bytes.NewReader(data))
		if _, err := dec.Token(); err != nil {
			return fmt.Errorf("dependencies: %w", err)
		}
		var ids []string
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return fmt.Errorf("dependencies: %w", err)
			}
			key, ok := tok.(string)
			if !ok {
				return fmt.Errorf("dependencies: unexpected key %v", tok)
			}
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return fmt.Errorf("dependencies %s: %w", key, err)
			}
			ids = append(ids, key)
		}
		*d = ids
		return nil
	default:
		return fmt.Errorf("dependencies: expected array or object, got %q", data[:1])
	}
}

// ParseChannel decodes a channel document, rejecting one without channelItems.
func ParseChannel(data []byte) (*Channel, error) {
	var raw struct {
		Items *[]ChannelItem `json:"channelItems"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fault.Schema("parse channel", err)
	}
	if raw.Items == nil {
		return nil, fault.Schemaf("parse channel", "missing channelItems")
	}
	return &Channel{Items: *raw.Items}, nil
}

// ParseCatalog decodes a package catalog. A missing packages list or a package
// without an id is a schema violation.
func ParseCatalog(data []byte) (*Catalog, error) {
	var raw struct {
		Packages *[]Package `json:"packages"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fault.Schema("parse catalog", err)
	}
	if raw.Packages == nil {
		return nil, fault.Schemaf("parse catalog", "missing packages")
	}
	for i, p := range *raw.Packages {
		if p.ID == "" {
			return nil, fault.Schemaf("parse catalog", "package %d has no id", i)
		}
	}
	return &Catalog{Packages: *raw.Packages}, nil
}

// Item returns the channel item with the given id.
func (c *Channel) Item(id string) (ChannelItem, bool) {
	for _, item := range c.Items {
		if item.ID == id {
			return item, true
		}
	}
	return ChannelItem{}, false
}

// CatalogURL returns the URL of the package catalog the channel points at.
func (c *Channel) CatalogURL() (string, error) {
	item, ok := c.Item(CatalogItemID)
	if !ok {
		return "", fault.Schemaf("channel catalog url", "no item %q", CatalogItemID)
	}
	if len(item.Payloads) == 0 || item.Payloads[0].URL == "" {
		return "", fault.Schemaf("channel catalog url", "item %q has no payload url", CatalogItemID)
	}
	return item.Payloads[0].URL, nil
}

// LicenseURL returns the English build tools license link.
func (c *Channel) LicenseURL() (string, error) {
	item, ok := c.Item(BuildToolsItemID)
	if ok {
		for _, res := range item.LocalizedResources {
			if strings.EqualFold(res.Language, "en-us") && res.License != "" {
				return res.License, nil
			}
		}
	}
	return "", fault.NotFound("license url", "build tools license", nil)
}

// Index groups catalog records by lower-cased id, keeping document order
// within a group.
type Index map[string][]Package

// Index builds the id lookup for c.
func (c *Catalog) Index() Index {
	ix := make(Index, len(c.Packages))
	for _, p := range c.Packages {
		id := strings.ToLower(p.ID)
		ix[id] = append(ix[id], p)
	}
	return ix
}

// Lookup returns every record for id, matching case-insensitively.
func (ix Index) Lookup(id string) ([]Package, bool) {
	pkgs, ok := ix[strings.ToLower(id)]
	return pkgs, ok && len(pkgs) > 0
}

// English returns the first record for id with no language or an English one.
func (ix Index) English(id string) (Package, bool) {
	pkgs, _ := ix.Lookup(id)
	for _, p := range pkgs {
		if p.Language == "" || strings.EqualFold(p.Language, "en-us") {
			return p, true
		}
	}
	return Package{}, false
}
