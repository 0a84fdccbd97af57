// Package prompts loads the button × role template catalog the process
// endpoint resolves numeric selectors against.
package prompts

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed default_prompts.yaml
var DefaultCatalog []byte

//go:embed schema.json
var schemaJSON []byte

// ErrNotFound is returned when a button, role or template does not exist.
var ErrNotFound = errors.New("prompt not found")

type Role struct {
	Number      int    `json:"number"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type Button struct {
	Number  int               `json:"number"`
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Prompts map[string]string `json:"-"`
}

type snapshot struct {
	roles   []Role
	buttons []Button
	version string
}

// Catalog is safe for concurrent use. Reload swaps the whole snapshot, so a
// reader never sees buttons from one file and roles from another.
type Catalog struct {
	path string
	cur  atomic.Pointer[snapshot]
}

// New builds a catalog from document bytes. It has no backing file, so
// Reload is a no-op.
func New(data []byte) (*Catalog, error) {
	snap, err := parse(data)
	if err != nil {
		return nil, err
	}
	c := &Catalog{}
	c.cur.Store(snap)
	return c, nil
}

// Load reads and validates the catalog at path.
func Load(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Open is Load, but first writes the built-in catalog to path when no file
// exists yet.
func Open(path string) (*Catalog, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create prompts dir: %w", err)
		}
		if err := os.WriteFile(path, DefaultCatalog, 0o644); err != nil {
			return nil, fmt.Errorf("write default prompts: %w", err)
		}
	}
	return Load(path)
}

// Reload re-reads the backing file. On error the previous snapshot stays.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read prompts: %w", err)
	}
	snap, err := parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", c.path, err)
	}
	c.cur.Store(snap)
	return nil
}

func (c *Catalog) Path() string { return c.path }

// Version is a content hash of the loaded document.
func (c *Catalog) Version() string { return c.cur.Load().version }

func (c *Catalog) ListRoles() []Role {
	return append([]Role(nil), c.cur.Load().roles...)
}

func (c *Catalog) ListButtons() []Button {
	return append([]Button(nil), c.cur.Load().buttons...)
}

// Get returns the raw template for a button/role id pair.
func (c *Catalog) Get(buttonID, roleID string) (string, error) {
	snap := c.cur.Load()
	for _, b := range snap.buttons {
		if b.ID != buttonID {
			continue
		}
		tmpl, ok := b.Prompts[roleID]
		if !ok {
			return "", fmt.Errorf("button %q has no prompt for role %q: %w", buttonID, roleID, ErrNotFound)
		}
		return tmpl, nil
	}
	return "", fmt.Errorf("unknown button %q: %w", buttonID, ErrNotFound)
}

// Selection is a resolved template with the ids it came from.
type Selection struct {
	ButtonID string
	RoleID   string
	Template string
}

// ByNumbers resolves 1-based button and role numbers in catalog order.
func (c *Catalog) ByNumbers(button, role int) (Selection, error) {
	snap := c.cur.Load()
	if button < 1 || button > len(snap.buttons) {
		return Selection{}, fmt.Errorf("button number %d out of range (1-%d): %w", button, len(snap.buttons), ErrNotFound)
	}
	if role < 1 || role > len(snap.roles) {
		return Selection{}, fmt.Errorf("role number %d out of range (1-%d): %w", role, len(snap.roles), ErrNotFound)
	}
	b := snap.buttons[button-1]
	r := snap.roles[role-1]
	tmpl, ok := b.Prompts[r.ID]
	if !ok {
		return Selection{}, fmt.Errorf("button %q has no prompt for role %q: %w", b.ID, r.ID, ErrNotFound)
	}
	return Selection{ButtonID: b.ID, RoleID: r.ID, Template: tmpl}, nil
}

// Render substitutes text for {text}. Doubled braces collapse to literal
// braces; other placeholders are left as written.
func Render(template, text string) string {
	if template == "" {
		return text
	}
	return strings.NewReplacer("{{", "{", "}}", "}", "{text}", text).Replace(template)
}

type roleDoc struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type buttonDoc struct {
	Name    string            `yaml:"name"`
	Prompts map[string]string `yaml:"prompts"`
}

func parse(data []byte) (*snapshot, error) {
	if err := validate(data); err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse prompts yaml: %w", err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, errors.New("prompts document must be a mapping")
	}
	root := doc.Content[0]

	snap := &snapshot{version: versionOf(data)}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i].Value, root.Content[i+1]
		switch key {
		case "roles":
			err := eachPair(val, func(id string, n *yaml.Node) error {
				var rd roleDoc
				if err := n.Decode(&rd); err != nil {
					return fmt.Errorf("role %q: %w", id, err)
				}
				snap.roles = append(snap.roles, Role{
					Number:      len(snap.roles) + 1,
					ID:          id,
					Name:        nonEmpty(rd.Name, id),
					Description: rd.Description,
				})
				return nil
			})
			if err != nil {
				return nil, err
			}
		case "buttons":
			err := eachPair(val, func(id string, n *yaml.Node) error {
				var bd buttonDoc
				if err := n.Decode(&bd); err != nil {
					return fmt.Errorf("button %q: %w", id, err)
				}
				snap.buttons = append(snap.buttons, Button{
					Number:  len(snap.buttons) + 1,
					ID:      id,
					Name:    nonEmpty(bd.Name, id),
					Prompts: bd.Prompts,
				})
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}
	return snap, nil
}

func eachPair(n *yaml.Node, fn func(key string, val *yaml.Node) error) error {
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping", n.Line)
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if err := fn(n.Content[i].Value, n.Content[i+1]); err != nil {
			return err
		}
	}
	return nil
}

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal prompts schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("prompts.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("prompts.schema.json")
})

// validate checks the document shape before ordered decoding. YAML is
// round-tripped through JSON so the validator sees JSON-native types.
func validate(data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse prompts yaml: %w", err)
	}
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("prompts document is not JSON-compatible: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(asJSON))
	if err != nil {
		return fmt.Errorf("unmarshal prompts instance: %w", err)
	}
	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("invalid prompts document: %w", err)
	}
	return nil
}

func versionOf(data []byte) string {
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("prompts-%x", h.Sum64())
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
