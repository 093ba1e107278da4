// Package plan validates task-graph documents against the plan contract and
// loads and saves them without disturbing their layout.
package plan

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModeStrict is the only supported validation mode.
const ModeStrict = "strict"

var (
	taskIDPattern = regexp.MustCompile(`^task-[a-z0-9][a-z0-9-]{0,62}$`)
	keyPattern    = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

	requiredTaskFields = []string{"id", "title", "level", "deps", "acceptance"}
)

// DefaultForbiddenKeys are legacy or ambiguous aliases of canonical fields.
var DefaultForbiddenKeys = []string{
	"dependencies",
	"depends_on",
	"dependson",
	"acceptance_criteria",
	"acceptancecriteria",
	"risk",
	"risk_level",
	"task_id",
	"taskid",
	"name",
}

// Level is a task's risk tier.
type Level string

const (
	L1 Level = "l1"
	L2 Level = "l2"
	L3 Level = "l3"
)

// Rank orders levels; unknown levels rank 0.
func (l Level) Rank() int {
	switch l {
	case L1:
		return 1
	case L2:
		return 2
	case L3:
		return 3
	}
	return 0
}

// Valid reports whether l is one of l1, l2, l3.
func (l Level) Valid() bool { return l.Rank() > 0 }

// MaxLevel returns the higher of a and b.
func MaxLevel(a, b Level) Level {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ValidTaskID reports whether id has the task identifier shape.
func ValidTaskID(id string) bool { return taskIDPattern.MatchString(id) }

// Task is one validated task definition.
type Task struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Level      Level    `json:"level"`
	Deps       []string `json:"deps"`
	Acceptance string   `json:"acceptance"`
	Notes      string   `json:"notes,omitempty"`
	Status     string   `json:"status,omitempty"`
}

// Plan is a validated task graph in document order.
type Plan struct {
	Tasks []Task `json:"tasks"`
}

// Task looks up a task by id.
func (p *Plan) Task(id string) (Task, bool) {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// Options configures a Validator.
type Options struct {
	Mode          string
	ForbiddenKeys []string
}

// Validator checks documents against the plan contract.
type Validator struct {
	mode      string
	forbidden map[string]bool
}

// NewValidator builds a validator. An empty mode means strict; a nil
// ForbiddenKeys list means DefaultForbiddenKeys.
func NewValidator(opts Options) *Validator {
	mode := opts.Mode
	if mode == "" {
		mode = ModeStrict
	}
	keys := opts.ForbiddenKeys
	if keys == nil {
		keys = DefaultForbiddenKeys
	}
	forbidden := make(map[string]bool, len(keys))
	for _, k := range keys {
		forbidden[strings.ToLower(k)] = true
	}
	return &Validator{mode: mode, forbidden: forbidden}
}

// Validate checks an already decoded document. doc may be a *yaml.Node or
// any value yaml can encode, such as the result of json.Unmarshal.
func (v *Validator) Validate(doc any) (*Plan, error) {
	if n, ok := doc.(*yaml.Node); ok {
		return v.ValidateNode(n)
	}
	var n yaml.Node
	if err := n.Encode(doc); err != nil {
		return nil, fail(CodeSchemaInvalid, "/", fmt.Sprintf("plan is not encodable: %v", err), "")
	}
	return v.ValidateNode(&n)
}

// ValidateNode runs the contract pipeline over a node tree and stops at the
// first violation.
func (v *Validator) ValidateNode(n *yaml.Node) (*Plan, error) {
	if v.mode != ModeStrict {
		return nil, fail(CodeModeUnsupported, "/", "Unsupported mode: "+v.mode, "Use mode: strict")
	}

	root := resolve(n)
	if root != nil && root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			root = nil
		} else {
			root = resolve(root.Content[0])
		}
	}
	if root == nil || root.Kind != yaml.MappingNode {
		return nil, fail(CodeSchemaInvalid, "/", "Plan root must be an object", "")
	}

	if err := v.checkRootKeys(root); err != nil {
		return nil, err
	}

	tasksNode := lookup(root, "tasks")
	if tasksNode == nil {
		return nil, fail(CodeRequiredFieldMissing, "/", "Missing required root field: tasks", "")
	}
	if tasksNode.Kind != yaml.SequenceNode || len(tasksNode.Content) == 0 {
		return nil, fail(CodeSchemaInvalid, "/tasks", "tasks must be a non-empty array", "")
	}

	p := &Plan{Tasks: make([]Task, 0, len(tasksNode.Content))}
	for i, tn := range tasksNode.Content {
		tn = resolve(tn)
		if tn != nil && tn.Kind == yaml.MappingNode {
			if err := v.checkKeys(tn, fmt.Sprintf("/tasks/%d", i)); err != nil {
				return nil, err
			}
		}
		t, err := validateTask(tn, i)
		if err != nil {
			return nil, err
		}
		p.Tasks = append(p.Tasks, t)
	}

	if err := checkDuplicates(p.Tasks); err != nil {
		return nil, err
	}
	if err := checkReferences(p.Tasks); err != nil {
		return nil, err
	}
	if err := checkCycles(p.Tasks); err != nil {
		return nil, err
	}
	return p, nil
}

// checkRootKeys checks the root key names, then every mapping below them
// except the task list, whose entries are checked one task at a time.
func (v *Validator) checkRootKeys(root *yaml.Node) error {
	for i := 0; i+1 < len(root.Content); i += 2 {
		if err := v.checkKey(root.Content[i], withPath("", root.Content[i].Value)); err != nil {
			return err
		}
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		k, val := root.Content[i], root.Content[i+1]
		if k.Value == "tasks" {
			continue
		}
		if err := v.checkKeys(val, withPath("", k.Value)); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) checkKey(k *yaml.Node, keyPath string) error {
	if k.Kind != yaml.ScalarNode {
		return fail(CodeNonMachineKey, keyPath, "Invalid key format: non-scalar key",
			"Use machine keys matching ^[a-z][a-z0-9_]*$")
	}
	if v.forbidden[strings.ToLower(k.Value)] {
		return fail(CodeForbiddenAliasKey, keyPath, "Forbidden key: "+k.Value,
			"Use canonical keys defined in plan contract v1")
	}
	if !keyPattern.MatchString(k.Value) {
		return fail(CodeNonMachineKey, keyPath, "Invalid key format: "+k.Value,
			"Use machine keys matching ^[a-z][a-z0-9_]*$")
	}
	return nil
}

// checkKeys walks every mapping below n in document order. Alias nodes are
// not followed; their anchors are checked where they are defined.
func (v *Validator) checkKeys(n *yaml.Node, path string) error {
	switch n.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, val := n.Content[i], n.Content[i+1]
			keyPath := withPath(path, k.Value)
			if err := v.checkKey(k, keyPath); err != nil {
				return err
			}
			if err := v.checkKeys(val, keyPath); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for i, c := range n.Content {
			if err := v.checkKeys(c, fmt.Sprintf("%s/%d", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateTask(n *yaml.Node, index int) (Task, error) {
	taskPath := fmt.Sprintf("/tasks/%d", index)
	if n == nil || n.Kind != yaml.MappingNode {
		return Task{}, fail(CodeTaskObjectInvalid, taskPath, "Task item must be an object", "")
	}

	for _, field := range requiredTaskFields {
		if lookup(n, field) == nil {
			return Task{}, fail(CodeRequiredFieldMissing, taskPath,
				"Missing required task field: "+field,
				"Ensure all required fields are present: "+strings.Join(requiredTaskFields, ","))
		}
	}

	var t Task

	id, ok := stringValue(lookup(n, "id"))
	if !ok || !taskIDPattern.MatchString(id) {
		return Task{}, fail(CodeTaskIDInvalid, withPath(taskPath, "id"),
			"Invalid task id: "+scalarText(lookup(n, "id")),
			"Task id must match ^task-[a-z0-9][a-z0-9-]{0,62}$")
	}
	t.ID = id

	title, ok := stringValue(lookup(n, "title"))
	if !ok || strings.TrimSpace(title) == "" {
		return Task{}, fail(CodeFieldTypeInvalid, withPath(taskPath, "title"), "title must be a non-empty string", "")
	}
	t.Title = title

	level, ok := stringValue(lookup(n, "level"))
	if !ok || !Level(level).Valid() {
		return Task{}, fail(CodeLevelInvalid, withPath(taskPath, "level"),
			"Invalid task level: "+scalarText(lookup(n, "level")), "Allowed values: l1, l2, l3")
	}
	t.Level = Level(level)

	depsNode := lookup(n, "deps")
	depsPath := withPath(taskPath, "deps")
	if depsNode.Kind != yaml.SequenceNode {
		return Task{}, fail(CodeDepsInvalid, depsPath, "deps must be an array of task ids", "Use [] when no dependency exists")
	}
	t.Deps = make([]string, 0, len(depsNode.Content))
	for i, dn := range depsNode.Content {
		dep, ok := stringValue(dn)
		if !ok || !taskIDPattern.MatchString(dep) {
			return Task{}, fail(CodeDepsInvalid, fmt.Sprintf("%s/%d", depsPath, i),
				"Invalid dependency id: "+scalarText(dn),
				"Dependency ids must match task id format (task-<slug>)")
		}
		t.Deps = append(t.Deps, dep)
	}

	acceptance, ok := stringValue(lookup(n, "acceptance"))
	if !ok || strings.TrimSpace(acceptance) == "" {
		return Task{}, fail(CodeFieldTypeInvalid, withPath(taskPath, "acceptance"), "acceptance must be a non-empty string", "")
	}
	t.Acceptance = acceptance

	for _, opt := range []struct {
		key string
		dst *string
	}{{"notes", &t.Notes}, {"status", &t.Status}} {
		on := lookup(n, opt.key)
		if on == nil {
			continue
		}
		s, ok := stringValue(on)
		if !ok {
			return Task{}, fail(CodeFieldTypeInvalid, withPath(taskPath, opt.key), opt.key+" must be a string when provided", "")
		}
		*opt.dst = s
	}

	return t, nil
}

func checkDuplicates(tasks []Task) error {
	seen := make(map[string]bool, len(tasks))
	for i, t := range tasks {
		if seen[t.ID] {
			return fail(CodeTaskIDDuplicate, fmt.Sprintf("/tasks/%d/id", i), "Duplicate task id: "+t.ID, "Each task id must be unique")
		}
		seen[t.ID] = true
	}
	return nil
}

func checkReferences(tasks []Task) error {
	ids := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		ids[t.ID] = true
	}
	for i, t := range tasks {
		for j, dep := range t.Deps {
			path := fmt.Sprintf("/tasks/%d/deps/%d", i, j)
			if dep == t.ID {
				return fail(CodeDepsSelfReference, path, fmt.Sprintf("Task %s cannot depend on itself", t.ID), "")
			}
			if !ids[dep] {
				return fail(CodeDepsRefNotFound, path, "Dependency not found: "+dep, "Every dependency must reference an existing task id")
			}
		}
	}
	return nil
}

// checkCycles is a depth-first search over deps using an explicit stack, so
// deep graphs cannot exhaust the goroutine stack. Tasks and deps are visited
// in document order, which makes the reported cycle deterministic.
func checkCycles(tasks []Task) error {
	graph := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		graph[t.ID] = t.Deps
	}

	type frame struct {
		id   string
		next int
	}
	visiting := make(map[string]bool)
	visited := make(map[string]bool)

	for _, t := range tasks {
		if visited[t.ID] {
			continue
		}
		stack := []frame{{id: t.ID}}
		visiting[t.ID] = true

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := graph[top.id]
			if top.next >= len(deps) {
				visiting[top.id] = false
				visited[top.id] = true
				stack = stack[:len(stack)-1]
				continue
			}
			dep := deps[top.next]
			top.next++

			if visiting[dep] {
				var cycle []string
				for i := range stack {
					if stack[i].id == dep {
						for _, f := range stack[i:] {
							cycle = append(cycle, f.id)
						}
						break
					}
				}
				cycle = append(cycle, dep)
				err := fail(CodeDepsCycle, "/tasks",
					"Dependency cycle detected: "+strings.Join(cycle, " -> "),
					"Remove circular dependencies from deps")
				err.Cycle = cycle
				return err
			}
			if visited[dep] {
				continue
			}
			visiting[dep] = true
			stack = append(stack, frame{id: dep})
		}
	}
	return nil
}

func resolve(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}

// lookup returns the value node for key in mapping m, or nil.
func lookup(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return resolve(m.Content[i+1])
		}
	}
	return nil
}

func stringValue(n *yaml.Node) (string, bool) {
	n = resolve(n)
	if n == nil || n.Kind != yaml.ScalarNode || n.ShortTag() != "!!str" {
		return "", false
	}
	return n.Value, true
}

func scalarText(n *yaml.Node) string {
	n = resolve(n)
	if n == nil {
		return "<missing>"
	}
	if n.Kind != yaml.ScalarNode {
		return "<non-scalar>"
	}
	return n.Value
}

func escapePointer(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "~", "~0"), "/", "~1")
}

func withPath(base, key string) string {
	return base + "/" + escapePointer(key)
}
