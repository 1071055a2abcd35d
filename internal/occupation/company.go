package occupation

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed data/companies.yaml
var defaultCompaniesYAML []byte

// CompanyProfile describes a known employer.
type CompanyProfile struct {
	Name        string   `json:"name" yaml:"name"`
	Aliases     []string `json:"aliases" yaml:"aliases"`
	Industry    string   `json:"industry" yaml:"industry"`
	CommonRoles []string `json:"commonRoles" yaml:"common_roles"`
}

// Recognizer finds company names in text. Company names are low-ambiguity
// identifiers, so a plain case-insensitive containment check is enough.
type Recognizer struct {
	companies []CompanyProfile
	// forms[i] holds the lowercased name and aliases of companies[i].
	forms  [][]string
	byName map[string]int
}

// NewRecognizer builds a Recognizer. Table order decides ties.
func NewRecognizer(companies []CompanyProfile) *Recognizer {
	r := &Recognizer{
		companies: companies,
		forms:     make([][]string, len(companies)),
		byName:    make(map[string]int, len(companies)),
	}
	for i, c := range companies {
		for _, f := range append([]string{c.Name}, c.Aliases...) {
			if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
				r.forms[i] = append(r.forms[i], f)
				r.byName[f] = i
			}
		}
	}
	return r
}

// Recognize returns the first company whose name or alias occurs in text,
// or nil.
func (r *Recognizer) Recognize(text string) *CompanyProfile {
	lower := strings.ToLower(text)
	if strings.TrimSpace(lower) == "" {
		return nil
	}
	for i, forms := range r.forms {
		for _, f := range forms {
			if strings.Contains(lower, f) {
				c := r.companies[i]
				return &c
			}
		}
	}
	return nil
}

// PossibleRoles returns the common roles at the named company (canonical
// name or alias), or nil when the company is unknown.
func (r *Recognizer) PossibleRoles(companyName string) []string {
	i, ok := r.byName[strings.ToLower(strings.TrimSpace(companyName))]
	if !ok {
		return nil
	}
	return append([]string(nil), r.companies[i].CommonRoles...)
}

// LoadRecognizer parses company profiles from YAML.
func LoadRecognizer(data []byte) (*Recognizer, error) {
	var f struct {
		Companies []CompanyProfile `yaml:"companies"`
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing companies: %w", err)
	}
	for i, c := range f.Companies {
		if c.Name == "" {
			return nil, fmt.Errorf("company %d: name is required", i)
		}
	}
	return NewRecognizer(f.Companies), nil
}

// LoadRecognizerFile reads company profiles from a YAML file.
func LoadRecognizerFile(path string) (*Recognizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadRecognizer(data)
}

var loadDefaultRecognizer = sync.OnceValues(func() (*Recognizer, error) {
	return LoadRecognizer(defaultCompaniesYAML)
})

// DefaultRecognizer returns the recognizer built from the embedded table.
func DefaultRecognizer() *Recognizer {
	r, err := loadDefaultRecognizer()
	if err != nil {
		panic(fmt.Sprintf("occupation: embedded company table: %v", err))
	}
	return r
}
