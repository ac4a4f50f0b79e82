package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// configSchema constrains the shape of quilt.yaml (or quilt.cue) before it
// is decoded. Definitions are closed, so unknown keys are rejected.
const configSchema = `
#Target: {
	name:               string & =~"^[A-Za-z0-9][A-Za-z0-9_.-]*$"
	transport?:         "ssh" | "local"
	host?:              string
	port?:              int & >0 & <65536
	user?:              string
	auth?:              "key" | "password" | "agent"
	key_file?:          string
	password_env?:      string
	known_hosts?:       string
	insecure?:          bool
	sudo_password_env?: string
}

#Config: {
	manifest?:         string
	defaults?:         [...string]
	templates?:        string
	policies?:         [...string]
	disable_policies?: [...string]
	dry_run?:          bool
	parallelism?:      int & >=1
	timeout?:          string
	targets?:          [...#Target]
	telemetry?: {
		logging?: {...}
		metrics?: {...}
		tracing?: {...}
	}
}
`

// Schema checks configuration documents against the CUE schema.
type Schema struct {
	ctx    *cue.Context
	config cue.Value
}

// NewSchema compiles the configuration schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(configSchema, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &Schema{ctx: ctx, config: val.LookupPath(cue.ParsePath("#Config"))}, nil
}

// Unify validates a compiled CUE document against the schema and returns
// the concrete result.
func (s *Schema) Unify(doc cue.Value) (cue.Value, error) {
	unified := s.config.Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, fmt.Errorf("validation failed: %s", errors.Details(err, nil))
	}
	return unified, nil
}

// Encode validates plain Go data (decoded YAML) against the schema.
func (s *Schema) Encode(data any) (cue.Value, error) {
	val := s.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to encode data: %w", err)
	}
	return s.Unify(val)
}

// Compile parses CUE source and validates it against the schema.
func (s *Schema) Compile(filename string, src []byte) (cue.Value, error) {
	val := s.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("invalid CUE: %s", errors.Details(err, nil))
	}
	return s.Unify(val)
}
