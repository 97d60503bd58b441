// Package schemafile loads table declarations from YAML or JSON files and
// resolves them into schema.Table values. It exists for tooling that wants
// to describe a schema outside Go source, such as cmd/relmap-explain.
package schemafile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/dhmk083/relmap/internal/planner"
	"github.com/dhmk083/relmap/schema"
)

// File is the root of a schema declaration file.
type File struct {
	Tables map[string]TableDecl `mapstructure:"tables"`
}

// TableDecl declares one table.
type TableDecl struct {
	// Columns lists self-referencing column names in order.
	Columns []string `mapstructure:"columns"`
	// Renames maps exposed names to source columns.
	Renames map[string]string `mapstructure:"renames"`
	// Exprs maps exposed names to raw SQL expressions.
	Exprs map[string]string `mapstructure:"exprs"`
	// Relations maps exposed names to relation declarations.
	Relations map[string]RelationDecl `mapstructure:"relations"`
	Quote     string                  `mapstructure:"quote"`
	Separator string                  `mapstructure:"separator"`
}

// RelationDecl declares one relation of a table.
type RelationDecl struct {
	// Kind is "foreignKey" or "manyToMany".
	Kind   string `mapstructure:"kind"`
	Target string `mapstructure:"target"`
	// Link names the link table of a many-to-many relation.
	Link string `mapstructure:"link"`

	OwnColumn    string `mapstructure:"ownColumn"`
	TargetColumn string `mapstructure:"targetColumn"`

	OwnID        string `mapstructure:"ownId"`
	LinkOwnID    string `mapstructure:"linkOwnId"`
	TargetID     string `mapstructure:"targetId"`
	LinkTargetID string `mapstructure:"linkTargetId"`

	// Singularize derives defaulted key columns from singular table names.
	Singularize bool `mapstructure:"singularize"`
}

// Load reads a schema declaration file (YAML by default, JSON for .json)
// and resolves every table. Parsing goes through an untyped document and
// mapstructure rather than straight struct unmarshalling so exposed names
// keep their declared case.
func Load(path string) (map[string]schema.Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema file: %w", err)
	}

	var doc map[string]any
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(raw, &doc)
	} else {
		err = yaml.Unmarshal(raw, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing schema file: %w", err)
	}

	var file File
	if err := mapstructure.Decode(doc, &file); err != nil {
		return nil, fmt.Errorf("decoding schema file: %w", err)
	}
	return Resolve(file)
}

// Resolve builds schema.Table values from declarations. Tables are built in
// dependency order so a relation's target carries its own relations; a
// cyclic declaration graph fails with ErrRelationConfig.
func Resolve(file File) (map[string]schema.Table, error) {
	built := make(map[string]schema.Table, len(file.Tables))
	visiting := make(map[string]bool)

	names := make([]string, 0, len(file.Tables))
	for name := range file.Tables {
		names = append(names, name)
	}
	sort.Strings(names)

	var build func(name string) (schema.Table, error)
	build = func(name string) (schema.Table, error) {
		if table, ok := built[name]; ok {
			return table, nil
		}
		if visiting[name] {
			return schema.Table{}, fmt.Errorf("%w: declaration cycle through table %q",
				planner.ErrRelationConfig, name)
		}
		decl, ok := file.Tables[name]
		if !ok {
			return schema.Table{}, fmt.Errorf("%w: unknown table %q",
				planner.ErrRelationConfig, name)
		}
		visiting[name] = true
		defer delete(visiting, name)

		specs := make([]schema.Spec, 0, len(decl.Columns)+len(decl.Renames)+len(decl.Exprs)+len(decl.Relations))
		specs = append(specs, schema.Col(decl.Columns...))
		for _, exposed := range sortedKeys(decl.Renames) {
			specs = append(specs, schema.Col(exposed).Source(decl.Renames[exposed]))
		}
		for _, exposed := range sortedKeys(decl.Exprs) {
			specs = append(specs, schema.Expr(exposed, decl.Exprs[exposed]))
		}
		for _, exposed := range sortedKeys(decl.Relations) {
			spec, err := relationSpec(exposed, decl.Relations[exposed], build)
			if err != nil {
				return schema.Table{}, fmt.Errorf("table %q: %w", name, err)
			}
			specs = append(specs, spec)
		}

		table := schema.Declare(name, specs...)
		if decl.Quote != "" {
			table = table.Quotes(decl.Quote)
		}
		if decl.Separator != "" {
			table = table.Separator(decl.Separator)
		}
		built[name] = table
		return table, nil
	}

	for _, name := range names {
		if _, err := build(name); err != nil {
			return nil, err
		}
	}
	return built, nil
}

func relationSpec(exposed string, decl RelationDecl, build func(string) (schema.Table, error)) (schema.Spec, error) {
	target, err := build(decl.Target)
	if err != nil {
		return nil, err
	}

	switch decl.Kind {
	case "foreignKey":
		spec := schema.FK(exposed, target)
		if decl.OwnColumn != "" {
			spec = spec.Own(decl.OwnColumn)
		}
		if decl.TargetColumn != "" {
			spec = spec.Target(decl.TargetColumn)
		}
		if decl.Singularize {
			spec = spec.Singularize()
		}
		return spec, nil

	case "manyToMany":
		if decl.Link == "" {
			return nil, fmt.Errorf("%w: many-to-many %q needs a link table",
				planner.ErrRelationConfig, exposed)
		}
		spec := schema.M2M(exposed, target, decl.Link)
		if decl.OwnID != "" {
			spec = spec.OwnID(decl.OwnID)
		}
		if decl.LinkOwnID != "" {
			spec = spec.LinkOwnID(decl.LinkOwnID)
		}
		if decl.TargetID != "" {
			spec = spec.TargetID(decl.TargetID)
		}
		if decl.LinkTargetID != "" {
			spec = spec.LinkTargetID(decl.LinkTargetID)
		}
		if decl.Singularize {
			spec = spec.Singularize()
		}
		return spec, nil

	default:
		return nil, fmt.Errorf("%w: relation %q has unknown kind %q",
			planner.ErrRelationConfig, exposed, decl.Kind)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
