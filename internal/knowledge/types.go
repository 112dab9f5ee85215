// Package knowledge manages the durable documentation corpus: documents,
// their version history, and access control metadata. The vector index
// (internal/index) holds the derived, searchable representation; this
// package is the source of truth the ingestion pipeline reads from.
package knowledge

import (
	"encoding/json"
	"fmt"
	"time"
)

// Category identifies the product feature area a document covers.
// It is a closed set: ParseCategory rejects unknown names and Valid reports
// membership, so an unknown category is caught at the boundary rather than
// silently stored. String renders out-of-set values as Category(N).
type Category int

const (
	CategoryGettingStarted Category = iota
	CategoryDataImport
	CategoryModeling
	CategoryMonteCarlo
	CategoryVisualization
	CategoryScripting
	CategoryAdministration
)

// categoryNames maps categories to their wire/storage representation.
var categoryNames = map[Category]string{
	CategoryGettingStarted: "GETTING_STARTED",
	CategoryDataImport:     "DATA_IMPORT",
	CategoryModeling:       "MODELING",
	CategoryMonteCarlo:     "MONTE_CARLO",
	CategoryVisualization:  "VISUALIZATION",
	CategoryScripting:      "SCRIPTING",
	CategoryAdministration: "ADMINISTRATION",
}

// Categories returns all valid categories in declaration order.
func Categories() []Category {
	return []Category{
		CategoryGettingStarted,
		CategoryDataImport,
		CategoryModeling,
		CategoryMonteCarlo,
		CategoryVisualization,
		CategoryScripting,
		CategoryAdministration,
	}
}

// String returns the storage name of the category.
func (c Category) String() string {
	name, ok := categoryNames[c]
	if !ok {
		return fmt.Sprintf("Category(%d)", int(c))
	}
	return name
}

// Valid reports whether c is a member of the closed category set.
func (c Category) Valid() bool {
	_, ok := categoryNames[c]
	return ok
}

// ParseCategory converts a storage name back into a Category.
func ParseCategory(s string) (Category, error) {
	for c, name := range categoryNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown category %q", s)
}

// MarshalJSON encodes the category as its storage name.
func (c Category) MarshalJSON() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid category %d", int(c))
	}
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes a storage name into a Category.
func (c *Category) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshal category: %w", err)
	}
	parsed, err := ParseCategory(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Role identifies a caller role used for document access control.
type Role string

const (
	RoleViewer  Role = "viewer"
	RoleAnalyst Role = "analyst"
	RoleAdmin   Role = "admin"
	RoleSupport Role = "support"
)

// ParseRole validates a role against the closed role set.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleViewer, RoleAnalyst, RoleAdmin, RoleSupport:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// RolesIntersect reports whether any role appears in both sets.
func RolesIntersect(a, b []Role) bool {
	for _, ra := range a {
		for _, rb := range b {
			if ra == rb {
				return true
			}
		}
	}
	return false
}

// Document is one documentation unit.
//
// Version strictly increases on every update; the previous version is
// archived in the document_versions table and available via Store.History.
type Document struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Body         string    `json:"body"`
	Format       string    `json:"format"` // "markdown", "text", or "html"
	Category     Category  `json:"category"`
	Keywords     []string  `json:"keywords"`
	Version      int       `json:"version"`
	UpdatedAt    time.Time `json:"updated_at"`
	AllowedRoles []Role    `json:"allowed_roles"`
	Public       bool      `json:"public"`
}

// AccessibleBy reports whether a caller holding the given roles may see the
// document: public documents are visible to everyone, otherwise the role
// sets must intersect.
func (d Document) AccessibleBy(roles []Role) bool {
	if d.Public {
		return true
	}
	return RolesIntersect(d.AllowedRoles, roles)
}
