// Package catalog describes the runtime kinds an environment can be created with.
package catalog

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind is a runtime flavour: its image, listen port, start command and
// the starter files written into a new environment.
type Kind struct {
	Name         string            `yaml:"name"`
	Image        string            `yaml:"image"`
	InternalPort int               `yaml:"internal_port"`
	Command      []string          `yaml:"command"`
	Files        map[string]string `yaml:"files"`
}

// Catalog is an immutable set of kinds keyed by name.
type Catalog struct {
	kinds map[string]Kind
}

type fileFormat struct {
	Kinds []Kind `yaml:"kinds"`
}

var kindNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

const nodeIndex = `const express = require('express');
const app = express();
const PORT = process.env.PORT || 3000;

app.get('/', (req, res) => {
  res.json({
    message: 'Hello from MozHost!',
    timestamp: new Date().toISOString()
  });
});

app.listen(PORT, () => {
  console.log(` + "`Server running on port ${PORT}`" + `);
});
`

const nodePackage = `{
  "name": "mozhost-app",
  "version": "1.0.0",
  "main": "index.js",
  "scripts": {
    "start": "node index.js"
  },
  "dependencies": {
    "express": "^4.18.2"
  }
}
`

const pythonMain = `from flask import Flask, jsonify
from datetime import datetime
import os

app = Flask(__name__)
PORT = int(os.environ.get('PORT', 8000))

@app.route('/')
def hello():
    return jsonify({
        'message': 'Hello from MozHost!',
        'timestamp': datetime.now().isoformat()
    })

if __name__ == '__main__':
    app.run(host='0.0.0.0', port=PORT, debug=False)
`

// Builtin returns the kinds available without a catalog file.
func Builtin() []Kind {
	return []Kind{
		{
			Name:         "nodejs",
			Image:        "node:18-alpine",
			InternalPort: 3000,
			Command:      []string{"sh", "-c", "cd /app/code && npm install && npm start"},
			Files: map[string]string{
				"package.json": nodePackage,
				"index.js":     nodeIndex,
			},
		},
		{
			Name:         "python",
			Image:        "python:3.11-alpine",
			InternalPort: 8000,
			Command:      []string{"sh", "-c", "cd /app/code && pip install -r requirements.txt && python main.py"},
			Files: map[string]string{
				"requirements.txt": "flask==2.3.3\n",
				"main.py":          pythonMain,
			},
		},
	}
}

// New builds a catalog from kinds, rejecting invalid or duplicate entries.
func New(kinds ...Kind) (*Catalog, error) {
	c := &Catalog{kinds: make(map[string]Kind, len(kinds))}
	for _, k := range kinds {
		k.Name = strings.ToLower(strings.TrimSpace(k.Name))
		if err := validate(k); err != nil {
			return nil, err
		}
		if _, exists := c.kinds[k.Name]; exists {
			return nil, fmt.Errorf("duplicate kind %q", k.Name)
		}
		c.kinds[k.Name] = k
	}
	return c, nil
}

// Default returns the builtin catalog.
func Default() *Catalog {
	c, err := New(Builtin()...)
	if err != nil {
		panic(fmt.Sprintf("catalog: invalid builtin kinds: %v", err))
	}
	return c
}

// Load reads additional kinds from a YAML file. Entries in the file override
// builtin kinds with the same name. An empty path yields the builtin catalog.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read kinds file: %w", err)
	}
	return Parse(data)
}

// Parse merges the YAML document in data over the builtin kinds.
func Parse(data []byte) (*Catalog, error) {
	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse kinds file: %w", err)
	}
	merged := make(map[string]Kind)
	for _, k := range Builtin() {
		merged[k.Name] = k
	}
	seen := make(map[string]bool, len(doc.Kinds))
	for _, k := range doc.Kinds {
		name := strings.ToLower(strings.TrimSpace(k.Name))
		if seen[name] {
			return nil, fmt.Errorf("duplicate kind %q in kinds file", name)
		}
		seen[name] = true
		k.Name = name
		merged[name] = k
	}
	kinds := make([]Kind, 0, len(merged))
	for _, k := range merged {
		kinds = append(kinds, k)
	}
	return New(kinds...)
}

// Get returns the kind with the given name.
func (c *Catalog) Get(name string) (Kind, bool) {
	k, ok := c.kinds[strings.ToLower(strings.TrimSpace(name))]
	return k, ok
}

// Names lists the kinds in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.kinds))
	for name := range c.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validate(k Kind) error {
	if !kindNamePattern.MatchString(k.Name) {
		return fmt.Errorf("invalid kind name %q", k.Name)
	}
	if strings.TrimSpace(k.Image) == "" {
		return fmt.Errorf("kind %q: image is required", k.Name)
	}
	if k.InternalPort < 1 || k.InternalPort > 65535 {
		return fmt.Errorf("kind %q: internal_port must be between 1 and 65535", k.Name)
	}
	if len(k.Command) == 0 {
		return fmt.Errorf("kind %q: command is required", k.Name)
	}
	return nil
}
