package plan

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/lucasnoah/agentflow/internal/fileutil"
	"gopkg.in/yaml.v3"
)

// Document is a plan file held as a node tree so that saving it keeps key
// order, comments and fields the contract does not know about.
type Document struct {
	root yaml.Node
}

// Load reads and parses a plan file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fail(CodeFileNotFound, "/", "Plan file not found: "+path, "")
		}
		return nil, fail(CodeFileReadError, "/", fmt.Sprintf("Failed to read plan file: %v", err), "")
	}
	return Parse(data)
}

// Parse parses plan content. JSON is accepted as a subset of YAML.
func Parse(data []byte) (*Document, error) {
	d := &Document{}
	if err := yaml.Unmarshal(data, &d.root); err != nil {
		return nil, fail(CodeParseError, "/", fmt.Sprintf("Failed to parse YAML: %v", err), "Fix YAML syntax and try again")
	}
	return d, nil
}

// Validate runs v over the document.
func (d *Document) Validate(v *Validator) (*Plan, error) {
	return v.ValidateNode(&d.root)
}

// LoadAndValidate is Load followed by Validate.
func LoadAndValidate(path string, v *Validator) (*Document, *Plan, error) {
	d, err := Load(path)
	if err != nil {
		return nil, nil, err
	}
	p, err := d.Validate(v)
	if err != nil {
		return d, nil, err
	}
	return d, p, nil
}

// SetTaskField changes the id or status of the task identified by id. A
// missing status field is appended to the task.
func (d *Document) SetTaskField(id, field, value string) error {
	if field != "id" && field != "status" {
		return fmt.Errorf("set %s on %s: %w", field, id, ErrFieldNotMutable)
	}
	if field == "id" && !taskIDPattern.MatchString(value) {
		return fail(CodeTaskIDInvalid, "/", "Invalid task id: "+value, "Task id must match ^task-[a-z0-9][a-z0-9-]{0,62}$")
	}

	root := d.mapping()
	if root == nil {
		return ErrDocumentNotPlain
	}
	tasks := lookup(root, "tasks")
	if tasks == nil || tasks.Kind != yaml.SequenceNode {
		return fmt.Errorf("set %s on %s: %w", field, id, ErrTaskNotFound)
	}

	for _, tn := range tasks.Content {
		tn = resolve(tn)
		if got, ok := stringValue(lookup(tn, "id")); !ok || got != id {
			continue
		}
		if existing := lookup(tn, field); existing != nil {
			existing.Kind = yaml.ScalarNode
			existing.Tag = "!!str"
			existing.Value = value
			existing.Content = nil
			return nil
		}
		tn.Content = append(tn.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: field},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
		)
		return nil
	}
	return fmt.Errorf("set %s on %s: %w", field, id, ErrTaskNotFound)
}

// Bytes encodes the document.
func (d *Document) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&d.root); err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	return buf.Bytes(), nil
}

// Save writes the document to path atomically.
func (d *Document) Save(path string) error {
	data, err := d.Bytes()
	if err != nil {
		return err
	}
	return fileutil.WriteAtomic(path, data)
}

func (d *Document) mapping() *yaml.Node {
	n := resolve(&d.root)
	if n.Kind == yaml.DocumentNode {
		if len(n.Content) == 0 {
			return nil
		}
		n = resolve(n.Content[0])
	}
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	return n
}
