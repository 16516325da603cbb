package executor

import (
	"fmt"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
)

// LoadSchema parses and validates sdl. name is used in error positions.
func LoadSchema(name, sdl string) (*ast.Schema, error) {
	s, err := gqlparser.LoadSchema(&ast.Source{Name: name, Input: sdl})
	if err != nil {
		return nil, fmt.Errorf("executor: load schema %s: %w", name, err)
	}
	return s, nil
}

// MustLoadSchema is like LoadSchema but panics on error.
func MustLoadSchema(name, sdl string) *ast.Schema {
	s, err := LoadSchema(name, sdl)
	if err != nil {
		panic(err)
	}
	return s
}
