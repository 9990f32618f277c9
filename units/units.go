// Copyright 2021 The modbus-gateway Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package units loads the catalog of measurement unit symbols a source is
// allowed to carry. Symbols are stored hex-encoded so the file survives
// editors and transports that mangle non-ASCII text such as "°C".
package units

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	yaml "gopkg.in/yaml.v2"
)

// SI is the category consulted by source validation.
const SI = "SI"

// Catalog is a read-only lookup of permitted unit symbols per category.
type Catalog struct {
	categories map[string]map[string]string
}

type catalogFile struct {
	Units map[string]map[string]string `yaml:"units"`
}

// Load reads the catalog from path. A failure here is a fatal startup
// condition for the daemon.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read unit catalog %s: %v", path, err)
	}

	f := catalogFile{}
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse unit catalog %s: %v", path, err)
	}
	if len(f.Units) == 0 {
		return nil, fmt.Errorf("unit catalog %s defines no categories", path)
	}

	return &Catalog{categories: f.Units}, nil
}

// Has reports whether symbol is a permitted unit of the given category. The
// symbol is hex-encoded (upper case) before the lookup, matching the
// on-disk key format.
func (c *Catalog) Has(category, symbol string) bool {
	symbols, ok := c.categories[category]
	if !ok {
		return false
	}

	key := strings.ToUpper(hex.EncodeToString([]byte(symbol)))
	_, ok = symbols[key]
	return ok
}
