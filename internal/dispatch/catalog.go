package dispatch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/xeipuuv/gojsonschema"

	"github.com/xiaot623/fleetd/internal/domain"
)

// Catalog holds the registered verbs. Verbs outside the catalog are accepted
// without parameter validation and use the default timeout.
type Catalog struct {
	verbs map[string]*catalogEntry
}

type catalogEntry struct {
	verb   domain.Verb
	schema *gojsonschema.Schema
}

type verbFile struct {
	Verbs []struct {
		Name      string                 `mapstructure:"name"`
		TimeoutMs int64                  `mapstructure:"timeout_ms"`
		Schema    map[string]interface{} `mapstructure:"schema"`
	} `mapstructure:"verbs"`
}

// NewCatalog compiles the schemas of verbs.
func NewCatalog(verbs []domain.Verb) (*Catalog, error) {
	c := &Catalog{verbs: make(map[string]*catalogEntry, len(verbs))}
	for _, v := range verbs {
		if v.Name == "" {
			return nil, fmt.Errorf("verb with empty name")
		}
		if _, dup := c.verbs[v.Name]; dup {
			return nil, fmt.Errorf("verb %s registered twice", v.Name)
		}
		if v.TimeoutMs < 0 {
			return nil, fmt.Errorf("verb %s: negative timeout", v.Name)
		}
		entry := &catalogEntry{verb: v}
		if len(v.Schema) > 0 {
			schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(v.Schema))
			if err != nil {
				return nil, fmt.Errorf("verb %s: failed to load schema: %w", v.Name, err)
			}
			entry.schema = schema
		}
		c.verbs[v.Name] = entry
	}
	return c, nil
}

// LoadCatalog reads a YAML or JSON verb file:
//
//	verbs:
//	  - name: restart_service
//	    timeout_ms: 60000
//	    schema: {type: object, required: [service]}
//
// An empty path yields an empty catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return NewCatalog(nil)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read verb catalog %s: %w", path, err)
	}
	var file verbFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("failed to parse verb catalog %s: %w", path, err)
	}

	verbs := make([]domain.Verb, 0, len(file.Verbs))
	for _, fv := range file.Verbs {
		verb := domain.Verb{Name: fv.Name, TimeoutMs: fv.TimeoutMs}
		if fv.Schema != nil {
			raw, err := json.Marshal(fv.Schema)
			if err != nil {
				return nil, fmt.Errorf("verb %s: failed to encode schema: %w", fv.Name, err)
			}
			verb.Schema = raw
		}
		verbs = append(verbs, verb)
	}
	return NewCatalog(verbs)
}

// Validate checks params against the verb's schema when one is registered.
func (c *Catalog) Validate(verb string, params json.RawMessage) error {
	entry, ok := c.verbs[verb]
	if !ok || entry.schema == nil {
		return nil
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	result, err := entry.schema.Validate(gojsonschema.NewBytesLoader(params))
	if err != nil {
		return domain.Validationf("parameters for %s are not valid JSON: %v", verb, err)
	}
	if !result.Valid() {
		var msgs []string
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return domain.Validationf("invalid parameters for %s: %s", verb, strings.Join(msgs, "; "))
	}
	return nil
}

// Timeout returns the verb's timeout, or def when it has none.
func (c *Catalog) Timeout(verb string, def time.Duration) time.Duration {
	if entry, ok := c.verbs[verb]; ok && entry.verb.TimeoutMs > 0 {
		return time.Duration(entry.verb.TimeoutMs) * time.Millisecond
	}
	return def
}

// Verbs lists the registered verbs by name.
func (c *Catalog) Verbs() []domain.Verb {
	out := make([]domain.Verb, 0, len(c.verbs))
	for _, entry := range c.verbs {
		out = append(out, entry.verb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
