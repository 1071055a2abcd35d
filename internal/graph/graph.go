// Package graph is a small entity-relation store used for one-hop chained
// inference: a mentioned company implies an industry and a likely city.
package graph

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed data/graph.yaml
var defaultYAML []byte

// Entity is a named node. Mentioning it asserts Kind=Name at Confidence.
type Entity struct {
	Name       string
	Kind       string
	Aliases    []string
	Confidence float64
}

// Hit is an entity mention in text.
type Hit struct {
	Entity Entity
	// Offset is the byte offset of Surface in the searched text.
	Offset  int
	Surface string
}

// Link is a chained assertion derived from a hit.
type Link struct {
	Field      string
	Value      string
	Confidence float64
}

// Graph holds entities and their facts. It is read-only once built.
type Graph struct {
	entities []Entity
	forms    [][]string                     // lowercased name + aliases, longest first
	facts    map[string]map[string][]string // subject → relation → objects
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{facts: make(map[string]map[string][]string)}
}

// AddEntity registers an entity.
func (g *Graph) AddEntity(e Entity) {
	var forms []string
	for _, f := range append([]string{e.Name}, e.Aliases...) {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			forms = append(forms, f)
		}
	}
	sort.SliceStable(forms, func(i, j int) bool { return len(forms[i]) > len(forms[j]) })
	g.entities = append(g.entities, e)
	g.forms = append(g.forms, forms)
}

// AddFact records relation(subject, object). Duplicates are ignored.
func (g *Graph) AddFact(subject, relation, object string) {
	if g.facts[subject] == nil {
		g.facts[subject] = make(map[string][]string)
	}
	for _, o := range g.facts[subject][relation] {
		if o == object {
			return
		}
	}
	g.facts[subject][relation] = append(g.facts[subject][relation], object)
}

// Related returns the objects of relation(subject, ·).
func (g *Graph) Related(subject, relation string) []string {
	return append([]string(nil), g.facts[subject][relation]...)
}

// Find returns every entity mentioned in text, ordered by position. text is
// expected to be lowercased already.
func (g *Graph) Find(text string) []Hit {
	var hits []Hit
	for i, forms := range g.forms {
		best := -1
		var surface string
		for _, f := range forms {
			if idx := strings.Index(text, f); idx >= 0 && (best < 0 || idx < best) {
				best, surface = idx, f
			}
		}
		if best >= 0 {
			hits = append(hits, Hit{Entity: g.entities[i], Offset: best, Surface: surface})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Offset < hits[j].Offset })
	return dropNested(hits)
}

// dropNested removes hits whose surface lies inside a longer hit, so that
// "hkust" is not also read as "hku".
func dropNested(hits []Hit) []Hit {
	out := make([]Hit, 0, len(hits))
	for i, h := range hits {
		nested := false
		for j, o := range hits {
			if i == j || len(o.Surface) <= len(h.Surface) {
				continue
			}
			if h.Offset >= o.Offset && h.Offset+len(h.Surface) <= o.Offset+len(o.Surface) {
				nested = true
				break
			}
		}
		if !nested {
			out = append(out, h)
		}
	}
	return out
}

// Chain follows one hop from the entity's facts. Each link's confidence is
// the entity's confidence times discount. Links are ordered by field name;
// only the first object of each relation is used.
func (g *Graph) Chain(e Entity, discount float64) []Link {
	rels := g.facts[e.Name]
	fields := make([]string, 0, len(rels))
	for f := range rels {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	links := make([]Link, 0, len(fields))
	for _, f := range fields {
		if len(rels[f]) == 0 {
			continue
		}
		links = append(links, Link{
			Field:      f,
			Value:      rels[f][0],
			Confidence: e.Confidence * discount,
		})
	}
	return links
}

// Load parses a graph from YAML.
func Load(data []byte) (*Graph, error) {
	var f struct {
		Entities []struct {
			Name       string            `yaml:"name"`
			Kind       string            `yaml:"kind"`
			Aliases    []string          `yaml:"aliases"`
			Confidence float64           `yaml:"confidence"`
			Facts      map[string]string `yaml:"facts"`
		} `yaml:"entities"`
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing graph: %w", err)
	}

	g := New()
	for i, e := range f.Entities {
		if e.Name == "" || e.Kind == "" {
			return nil, fmt.Errorf("entity %d: name and kind are required", i)
		}
		if e.Confidence <= 0 || e.Confidence > 1 {
			return nil, fmt.Errorf("entity %d (%s): confidence %v out of range (0,1]", i, e.Name, e.Confidence)
		}
		g.AddEntity(Entity{Name: e.Name, Kind: e.Kind, Aliases: e.Aliases, Confidence: e.Confidence})
		for rel, obj := range e.Facts {
			g.AddFact(e.Name, rel, obj)
		}
	}
	return g, nil
}

// LoadFile reads a graph from a YAML file.
func LoadFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(data)
}

var loadDefault = sync.OnceValues(func() (*Graph, error) {
	return Load(defaultYAML)
})

// Default returns the graph built from the embedded table.
func Default() *Graph {
	g, err := loadDefault()
	if err != nil {
		panic(fmt.Sprintf("graph: embedded table: %v", err))
	}
	return g
}
