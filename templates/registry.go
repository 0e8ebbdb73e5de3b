package templates

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

var (
	// ErrUnknownTemplate is returned when neither a key nor an alias matches.
	ErrUnknownTemplate = errors.New("templates: unknown template")
	// ErrTemplateFileMissing is returned when the backing PDF cannot be found.
	ErrTemplateFileMissing = errors.New("templates: template file missing")
	// ErrInvalidDefinition flags configuration that cannot describe a template.
	ErrInvalidDefinition = errors.New("templates: invalid definition")
)

// FieldDef is the configuration shape of a single field.
type FieldDef struct {
	Kind   string  `koanf:"kind"`
	Page   int     `koanf:"page"`
	X      float64 `koanf:"x"`
	Y      float64 `koanf:"y"`
	Width  float64 `koanf:"width"`
	Height float64 `koanf:"height"`
}

// Definition is the configuration shape of a template.
type Definition struct {
	File    string     `koanf:"file"`
	Aliases []string   `koanf:"aliases"`
	Fields  []FieldDef `koanf:"fields"`
}

type fileConfig struct {
	Dir       string                `koanf:"dir"`
	Templates map[string]Definition `koanf:"templates"`
}

// Registry maps template keys to descriptors. It is built once and never
// mutated afterwards, so it is safe for concurrent use.
type Registry struct {
	entries map[string]Descriptor
	aliases map[string]string
}

// Load reads a YAML registry file. A relative `dir` is resolved against the
// directory holding the file.
func Load(path string) (*Registry, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("templates: load %s: %w", path, err)
	}

	var cfg fileConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("templates: decode %s: %w", path, err)
	}

	dir := cfg.Dir
	if dir == "" || !filepath.IsAbs(dir) {
		dir = filepath.Join(filepath.Dir(path), dir)
	}
	return New(dir, cfg.Templates)
}

// New builds a registry from in-memory definitions. Template files are
// resolved relative to dir unless absolute.
func New(dir string, defs map[string]Definition) (*Registry, error) {
	r := &Registry{
		entries: make(map[string]Descriptor, len(defs)),
		aliases: make(map[string]string),
	}

	var errs []error
	for key, def := range defs {
		key = strings.TrimSpace(key)
		if key == "" || def.File == "" {
			errs = append(errs, fmt.Errorf("%w: template %q needs a key and a file", ErrInvalidDefinition, key))
			continue
		}

		fields := make([]Field, 0, len(def.Fields))
		for i, fd := range def.Fields {
			f, err := buildField(fd)
			if err != nil {
				errs = append(errs, fmt.Errorf("template %q field %d: %w", key, i, err))
				continue
			}
			fields = append(fields, f)
		}

		path := def.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		r.entries[key] = Descriptor{Key: key, Path: path, Fields: fields}

		for _, alias := range def.Aliases {
			alias = strings.TrimSpace(alias)
			if alias == "" {
				continue
			}
			if prev, ok := r.aliases[alias]; ok && prev != key {
				errs = append(errs, fmt.Errorf("%w: alias %q points at %q and %q", ErrInvalidDefinition, alias, prev, key))
				continue
			}
			r.aliases[alias] = key
		}
	}

	for alias := range r.aliases {
		if _, ok := r.entries[alias]; ok {
			errs = append(errs, fmt.Errorf("%w: alias %q shadows a template key", ErrInvalidDefinition, alias))
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}

func buildField(fd FieldDef) (Field, error) {
	if fd.Page < 1 {
		return nil, fmt.Errorf("%w: page must be >= 1, got %d", ErrInvalidDefinition, fd.Page)
	}
	box := Box{Page: fd.Page, X: fd.X, Y: fd.Y, Width: fd.Width, Height: fd.Height}

	switch Kind(fd.Kind) {
	case KindSignatureImage:
		if fd.Width <= 0 || fd.Height <= 0 {
			return nil, fmt.Errorf("%w: image fields need a positive width and height", ErrInvalidDefinition)
		}
		return SignatureImage{box}, nil
	case KindClientNameText:
		return ClientNameText{box}, nil
	case KindDateText:
		return DateText{box}, nil
	default:
		return nil, fmt.Errorf("%w: unknown field kind %q", ErrInvalidDefinition, fd.Kind)
	}
}

// Resolve returns the descriptor for a template key or alias.
func (r *Registry) Resolve(templateType string) (Descriptor, error) {
	key := strings.TrimSpace(templateType)
	if canonical, ok := r.aliases[key]; ok {
		key = canonical
	}

	d, ok := r.entries[key]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, templateType)
	}

	info, err := os.Stat(d.Path)
	if err != nil || !info.Mode().IsRegular() {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrTemplateFileMissing, d.Path)
	}

	fields := make([]Field, len(d.Fields))
	copy(fields, d.Fields)
	d.Fields = fields
	return d, nil
}

// Keys lists the canonical template keys, sorted.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Check resolves every template and reports the ones that fail.
func (r *Registry) Check(logger *slog.Logger) error {
	var errs []error
	for _, key := range r.Keys() {
		d, err := r.Resolve(key)
		if err != nil {
			errs = append(errs, err)
			if logger != nil {
				logger.Error("template check failed", "template", key, "error", err)
			}
			continue
		}
		if logger != nil {
			logger.Info("template resolved", "template", key, "path", d.Path, "fields", len(d.Fields))
		}
	}
	return errors.Join(errs...)
}
