package nexus

import (
	"bytes"
	"embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

const schemaBaseURL = "https://schemas.nexussync.local/"

const (
	schemaPushResponse = "push_response.json"
	schemaPullResponse = "pull_response.json"
)

var compiledSchemas = struct {
	once    sync.Once
	err     error
	schemas map[string]*jsonschema.Schema
}{}

func loadSchemas() (map[string]*jsonschema.Schema, error) {
	compiledSchemas.once.Do(func() {
		compiler := jsonschema.NewCompiler()
		names := []string{schemaPushResponse, schemaPullResponse}
		for _, name := range names {
			raw, err := schemaFiles.ReadFile("schemas/" + name)
			if err != nil {
				compiledSchemas.err = err
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
			if err != nil {
				compiledSchemas.err = fmt.Errorf("parse schema %s: %w", name, err)
				return
			}
			if err := compiler.AddResource(schemaBaseURL+name, doc); err != nil {
				compiledSchemas.err = err
				return
			}
		}
		out := make(map[string]*jsonschema.Schema, len(names))
		for _, name := range names {
			sch, err := compiler.Compile(schemaBaseURL + name)
			if err != nil {
				compiledSchemas.err = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			out[name] = sch
		}
		compiledSchemas.schemas = out
	})
	return compiledSchemas.schemas, compiledSchemas.err
}

// validatePayload checks a response body against the named schema.
func validatePayload(name string, payload []byte) error {
	schemas, err := loadSchemas()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return schemas[name].Validate(inst)
}
