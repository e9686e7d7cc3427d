package domain

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// VariantSignature maps a variant name to the set of mutations that, taken
// together, are considered characteristic of it. Mutations may be shared
// across variants.
type VariantSignature struct {
	Name      string   `json:"name" yaml:"name"`
	Mutations []string `json:"mutations" yaml:"mutations"`
}

// Catalogue is a validated, ordered set of variant signatures. Variants are
// sorted by name and mutation lists are sorted and de-duplicated, so any two
// catalogues built from the same signatures are identical.
type Catalogue struct {
	Variants []VariantSignature
}

func NewCatalogue(sigs []VariantSignature) (Catalogue, error) {
	if len(sigs) == 0 {
		return Catalogue{}, fmt.Errorf("catalogue requires at least one signature")
	}

	seen := make(map[string]bool, len(sigs))
	variants := make([]VariantSignature, 0, len(sigs))
	for _, s := range sigs {
		if s.Name == "" {
			return Catalogue{}, fmt.Errorf("signature with empty variant name")
		}
		if seen[s.Name] {
			return Catalogue{}, fmt.Errorf("duplicate variant name %q", s.Name)
		}
		seen[s.Name] = true

		if len(s.Mutations) == 0 {
			return Catalogue{}, fmt.Errorf("variant %q has no defining mutations", s.Name)
		}

		muts := append([]string(nil), s.Mutations...)
		sort.Strings(muts)
		muts = dedupSorted(muts)
		variants = append(variants, VariantSignature{Name: s.Name, Mutations: muts})
	}

	sort.Slice(variants, func(i, j int) bool { return variants[i].Name < variants[j].Name })
	return Catalogue{Variants: variants}, nil
}

// LoadCatalogue reads a curated signature file (YAML), in the shape
//
//	signatures:
//	  - name: KP.3
//	    mutations: [C345T, A1234G]
func LoadCatalogue(path string) (Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalogue{}, fmt.Errorf("read catalogue: %w", err)
	}

	var doc struct {
		Signatures []VariantSignature `yaml:"signatures"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Catalogue{}, fmt.Errorf("parse catalogue %s: %w", path, err)
	}
	return NewCatalogue(doc.Signatures)
}

// MutationUnion returns the sorted union of all defining mutations.
func (c Catalogue) MutationUnion() []string {
	var all []string
	for _, v := range c.Variants {
		all = append(all, v.Mutations...)
	}
	sort.Strings(all)
	return dedupSorted(all)
}

// Names returns the variant names in catalogue order.
func (c Catalogue) Names() []string {
	names := make([]string, len(c.Variants))
	for i, v := range c.Variants {
		names[i] = v.Name
	}
	return names
}

// Defines reports whether the variant's signature contains the mutation.
func (v VariantSignature) Defines(mutation string) bool {
	i := sort.SearchStrings(v.Mutations, mutation)
	return i < len(v.Mutations) && v.Mutations[i] == mutation
}

func dedupSorted(s []string) []string {
	out := s[:0]
	for i, v := range s {
		if i == 0 || v != s[i-1] {
			out = append(out, v)
		}
	}
	return out
}
