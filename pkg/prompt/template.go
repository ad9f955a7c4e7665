// Package prompt renders LLM prompt templates and fingerprints their
// content so audit records can identify which prompt version produced a
// decision.
package prompt

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"text/template"
)

// Template wraps a text/template loaded from disk.
type Template struct {
	path  string
	funcs template.FuncMap

	mu     sync.RWMutex
	tmpl   *template.Template
	digest string
}

// New parses the template at path with the provided function map.
func New(path string, funcs template.FuncMap) (*Template, error) {
	if path == "" {
		return nil, fmt.Errorf("prompt: template path is empty")
	}
	t := &Template{path: path, funcs: funcs}
	if err := t.reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Parse builds a Template directly from source text; used by tests and
// callers that embed their templates.
func Parse(name, text string, funcs template.FuncMap) (*Template, error) {
	tmpl := template.New(name).Option("missingkey=error")
	if len(funcs) > 0 {
		tmpl = tmpl.Funcs(funcs)
	}
	parsed, err := tmpl.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("prompt: parse template %q: %w", name, err)
	}
	return &Template{tmpl: parsed, digest: digestOf([]byte(text))}, nil
}

// Render executes the template against data.
func (t *Template) Render(data any) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.tmpl == nil {
		return "", fmt.Errorf("prompt: template %q not parsed", t.path)
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("prompt: execute template %q: %w", t.path, err)
	}
	return buf.String(), nil
}

// Digest returns the sha256 of the template source.
func (t *Template) Digest() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.digest
}

// Reload reparses the template from disk.
func (t *Template) Reload() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reload()
}

func (t *Template) reload() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("prompt: read template %q: %w", t.path, err)
	}
	name := filepath.Base(t.path)
	tmpl := template.New(name).Option("missingkey=error")
	if len(t.funcs) > 0 {
		tmpl = tmpl.Funcs(t.funcs)
	}
	if _, err := tmpl.Parse(string(data)); err != nil {
		return fmt.Errorf("prompt: parse template %q: %w", t.path, err)
	}
	t.tmpl = tmpl
	t.digest = digestOf(data)
	return nil
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
