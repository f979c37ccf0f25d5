// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidFile is returned for a configuration file that does not match
// the schema.
var ErrInvalidFile = errors.New("configuration file does not match schema")

//go:embed schema.json
var schemaJSON []byte

var fileSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
})

// Schema returns the JSON schema configuration files are checked against.
func Schema() []byte {
	return schemaJSON
}

// validateFile checks the TOML document data against the schema. Every
// violation is reported.
func validateFile(data string) error {
	var raw map[string]any
	if _, err := toml.Decode(data, &raw); err != nil {
		return err
	}
	s, err := fileSchema()
	if err != nil {
		return fmt.Errorf("loading schema: %w", err)
	}
	res, err := s.Validate(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return err
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidFile, strings.Join(msgs, "; "))
}
