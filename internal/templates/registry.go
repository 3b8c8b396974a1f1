// Package templates holds the email templates flows may reference and
// renders them with Liquid.
package templates

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/osteele/liquid"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultTemplates []byte

type Template struct {
	Name     string   `yaml:"name"`
	Subject  string   `yaml:"subject"`
	HTML     string   `yaml:"html"`
	Text     string   `yaml:"text"`
	Required []string `yaml:"required"`
}

type file struct {
	Templates []Template `yaml:"templates"`
}

type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template

	engine *liquid.Engine
	cache  sync.Map // "<name>/<part>" -> *liquid.Template
}

// Load reads templates from path, or the built-in set when path is empty.
func Load(path string) (*Registry, error) {
	data := defaultTemplates
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read templates: %w", err)
		}
		data = b
	}
	return Parse(data)
}

func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	r := &Registry{
		templates: make(map[string]Template, len(f.Templates)),
		engine:    liquid.NewEngine(),
	}
	for _, t := range f.Templates {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces a template after checking that it compiles.
func (r *Registry) Register(t Template) error {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("template name cannot be empty")
	}
	for part, src := range map[string]string{"subject": t.Subject, "html": t.HTML, "text": t.Text} {
		if _, err := r.engine.ParseString(src); err != nil {
			return fmt.Errorf("template %s %s: %w", t.Name, part, err)
		}
	}

	r.mu.Lock()
	r.templates[t.Name] = t
	r.mu.Unlock()

	for _, part := range []string{"subject", "html", "text"} {
		r.cache.Delete(t.Name + "/" + part)
	}
	return nil
}

func (r *Registry) Get(name string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	return t, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that name is registered and every required variable is
// present and non-empty in vars.
func (r *Registry) Validate(name string, vars map[string]any) error {
	t, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("template %q is not registered", name)
	}
	for _, key := range t.Required {
		v, ok := vars[key]
		if !ok || v == nil || fmt.Sprint(v) == "" {
			return fmt.Errorf("template %q requires variable %q", name, key)
		}
	}
	return nil
}

func (r *Registry) Render(name string, vars map[string]any) (Rendered, error) {
	t, ok := r.Get(name)
	if !ok {
		return Rendered{}, fmt.Errorf("template %q is not registered", name)
	}

	var out Rendered
	var err error
	if out.Subject, err = r.render(name, "subject", t.Subject, vars); err != nil {
		return Rendered{}, err
	}
	if out.HTML, err = r.render(name, "html", t.HTML, vars); err != nil {
		return Rendered{}, err
	}
	if out.Text, err = r.render(name, "text", t.Text, vars); err != nil {
		return Rendered{}, err
	}
	out.Subject = strings.TrimSpace(out.Subject)
	return out, nil
}

func (r *Registry) render(name, part, src string, vars map[string]any) (string, error) {
	key := name + "/" + part

	var tpl *liquid.Template
	if cached, ok := r.cache.Load(key); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := r.engine.ParseString(src)
		if err != nil {
			return "", fmt.Errorf("template %s %s: %w", name, part, err)
		}
		r.cache.Store(key, parsed)
		tpl = parsed
	}

	s, err := tpl.RenderString(vars)
	if err != nil {
		return "", fmt.Errorf("render %s %s: %w", name, part, err)
	}
	return s, nil
}
