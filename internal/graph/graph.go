package graph

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/cadenzahq/cadenza/pkg/schema"
)

// Graph is the validated, indexed form of a WorkflowDefinition. It is built
// per execution read and never mutated afterwards; all lookup structures are
// plain maps safe for concurrent reads.
type Graph struct {
	Definition       *schema.WorkflowDefinition
	NodesByID        map[string]*schema.Node
	OutgoingBySource map[string][]*schema.Edge
	Triggers         []*schema.Node

	// VariableSchema is the compiled context-variable schema, nil when the
	// definition declares no variables block.
	VariableSchema *jsonschema.Schema
	// DeclaredVariables is the set of variable names the schema declares.
	DeclaredVariables map[string]struct{}
}

// validNodeTypes is the closed set of recognized node types.
var validNodeTypes = map[schema.NodeType]bool{
	schema.NodeTypeTrigger:        true,
	schema.NodeTypeAction:         true,
	schema.NodeTypeCondition:      true,
	schema.NodeTypeDelay:          true,
	schema.NodeTypeSplit:          true,
	schema.NodeTypeTransform:      true,
	schema.NodeTypeWebhook:        true,
	schema.NodeTypeAPICall:        true,
	schema.NodeTypeCRMAction:      true,
	schema.NodeTypePaymentWebhook: true,
}

// validChannels is the closed set of action channels.
var validChannels = map[schema.Channel]bool{
	schema.ChannelEmail: true,
	schema.ChannelSMS:   true,
	schema.ChannelTag:   true,
}

// validDelayUnits maps delay units to their millisecond multiplier.
var validDelayUnits = map[string]int64{
	"minutes": 60 * 1000,
	"hours":   60 * 60 * 1000,
	"days":    24 * 60 * 60 * 1000,
}

// DelayUnitMillis returns the millisecond multiplier for a delay unit and
// whether the unit is recognized.
func DelayUnitMillis(unit string) (int64, bool) {
	ms, ok := validDelayUnits[unit]
	return ms, ok
}

// Compile validates a WorkflowDefinition and builds its index. Cycles are
// permitted: loop-back edges are legal and bounded by execution semantics,
// not structurally.
func Compile(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	result := &schema.ValidationResult{}
	g := &Graph{
		Definition:       def,
		NodesByID:        make(map[string]*schema.Node, len(def.Nodes)),
		OutgoingBySource: make(map[string][]*schema.Edge, len(def.Nodes)),
	}

	if len(def.Nodes) == 0 {
		result.AddError("/nodes", schema.ErrCodeValidation, "workflow has no nodes")
		return nil, result.ToError()
	}

	// First pass: register nodes, check duplicates and unknown types.
	for i := range def.Nodes {
		node := &def.Nodes[i]
		path := fmt.Sprintf("/nodes/%d", i)

		if node.ID == "" {
			result.AddError(path, schema.ErrCodeValidation, "node has empty id")
			continue
		}
		if _, exists := g.NodesByID[node.ID]; exists {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("duplicate node id %q", node.ID))
			continue
		}
		if !validNodeTypes[node.Type] {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("node %s has unknown type %q", node.ID, node.Type))
			continue
		}
		g.NodesByID[node.ID] = node
		if node.Type == schema.NodeTypeTrigger {
			g.Triggers = append(g.Triggers, node)
		}
	}

	if len(g.Triggers) == 0 {
		result.AddError("/nodes", schema.ErrCodeValidation, "workflow has no trigger node")
	}

	// Second pass: edges must reference existing nodes; edge ids unique.
	seenEdges := make(map[string]struct{}, len(def.Edges))
	for i := range def.Edges {
		edge := &def.Edges[i]
		path := fmt.Sprintf("/edges/%d", i)

		if edge.ID == "" {
			result.AddError(path, schema.ErrCodeValidation, "edge has empty id")
			continue
		}
		if _, dup := seenEdges[edge.ID]; dup {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("duplicate edge id %q", edge.ID))
			continue
		}
		seenEdges[edge.ID] = struct{}{}

		if _, ok := g.NodesByID[edge.SourceNodeID]; !ok {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("edge %s references unknown source node %q", edge.ID, edge.SourceNodeID))
			continue
		}
		if _, ok := g.NodesByID[edge.TargetNodeID]; !ok {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("edge %s references unknown target node %q", edge.ID, edge.TargetNodeID))
			continue
		}
		g.OutgoingBySource[edge.SourceNodeID] = append(g.OutgoingBySource[edge.SourceNodeID], edge)
	}

	// Context-variable schema: compiled up front so unknown keys surface here
	// rather than at runtime.
	if len(def.Variables) > 0 {
		compiled, declared, err := compileVariableSchema(def)
		if err != nil {
			result.AddError("/variables", schema.ErrCodeValidation, err.Error())
		} else {
			g.VariableSchema = compiled
			g.DeclaredVariables = declared
		}
	}

	// Third pass: node-type property checks.
	for _, node := range g.NodesByID {
		validateNodeProperties(g, node, result)
	}

	if err := result.ToError(); err != nil {
		return nil, err
	}
	return g, nil
}

// Outgoing returns the outgoing edges of a node. The returned slice must not
// be mutated.
func (g *Graph) Outgoing(nodeID string) []*schema.Edge {
	return g.OutgoingBySource[nodeID]
}

// FirstTrigger returns the first trigger node of the definition.
func (g *Graph) FirstTrigger() *schema.Node {
	if len(g.Triggers) == 0 {
		return nil
	}
	return g.Triggers[0]
}

// ValidateVariables checks a variables map against the compiled schema.
// Definitions without a variables block accept anything.
func (g *Graph) ValidateVariables(vars map[string]any) error {
	if g.VariableSchema == nil {
		return nil
	}
	doc, err := toJSONValue(vars)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "serialize variables").WithCause(err)
	}
	if err := g.VariableSchema.Validate(doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "context variables: %s", err.Error()).WithCause(err)
	}
	return nil
}

// compileVariableSchema compiles the definition's variables block as a JSON
// schema over an object, forcing additionalProperties:false so undeclared
// variable names are rejected.
func compileVariableSchema(def *schema.WorkflowDefinition) (*jsonschema.Schema, map[string]struct{}, error) {
	var raw map[string]any
	if err := json.Unmarshal(def.Variables, &raw); err != nil {
		return nil, nil, fmt.Errorf("variables block is not a JSON object: %s", err.Error())
	}

	if _, ok := raw["type"]; !ok {
		raw["type"] = "object"
	}
	raw["additionalProperties"] = false

	declared := make(map[string]struct{})
	if props, ok := raw["properties"].(map[string]any); ok {
		for name := range props {
			declared[name] = struct{}{}
		}
	}

	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, nil, err
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(buf)))
	if err != nil {
		return nil, nil, fmt.Errorf("parse variables schema: %s", err.Error())
	}

	url := fmt.Sprintf("cadenza://definitions/%s/v%d/variables", def.ID, def.Version)
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, nil, fmt.Errorf("add variables schema: %s", err.Error())
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, nil, fmt.Errorf("compile variables schema: %s", err.Error())
	}
	return compiled, declared, nil
}

// validateNodeProperties checks type-specific constraints on a node.
func validateNodeProperties(g *Graph, node *schema.Node, result *schema.ValidationResult) {
	path := "/nodes/" + node.ID

	switch node.Type {
	case schema.NodeTypeAction:
		var props schema.ActionProperties
		if err := json.Unmarshal(node.Properties, &props); err != nil {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("action node %s has invalid properties: %v", node.ID, err))
			return
		}
		if !validChannels[props.Channel] {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("action node %s has unknown channel %q", node.ID, props.Channel))
		}
		if props.Channel == schema.ChannelTag && props.TagName == "" {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("action node %s tags a contact but has no tag_name", node.ID))
		}

	case schema.NodeTypeCondition:
		var props schema.ConditionProperties
		if err := json.Unmarshal(node.Properties, &props); err != nil {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("condition node %s has invalid properties: %v", node.ID, err))
			return
		}
		if props.Expression == "" {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("condition node %s has no expression", node.ID))
		}
		if props.Engine != "" && props.Engine != "expr" && props.Engine != "cel" {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("condition node %s has unknown engine %q", node.ID, props.Engine))
		}

	case schema.NodeTypeDelay:
		var props schema.DelayProperties
		if err := json.Unmarshal(node.Properties, &props); err != nil {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("delay node %s has invalid properties: %v", node.ID, err))
			return
		}
		if props.Amount <= 0 {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("delay node %s must have amount > 0", node.ID))
		}
		if _, ok := validDelayUnits[props.Unit]; !ok {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("delay node %s has unknown unit %q", node.ID, props.Unit))
		}

	case schema.NodeTypeSplit:
		var props schema.SplitProperties
		if err := json.Unmarshal(node.Properties, &props); err != nil {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("split node %s has invalid properties: %v", node.ID, err))
			return
		}
		if len(props.Branches) == 0 {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("split node %s has no branches", node.ID))
			return
		}
		handles := make(map[string]struct{}, len(props.Branches))
		for _, b := range props.Branches {
			if b.Handle == "" {
				result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("split node %s has a branch with empty handle", node.ID))
				continue
			}
			if _, dup := handles[b.Handle]; dup {
				result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("split node %s has duplicate branch handle %q", node.ID, b.Handle))
			}
			handles[b.Handle] = struct{}{}
		}
		// Every branch handle should have at least one outgoing edge.
		for handle := range handles {
			found := false
			for _, e := range g.OutgoingBySource[node.ID] {
				if e.SourceHandle == handle {
					found = true
					break
				}
			}
			if !found {
				result.AddWarning(path, schema.ErrCodeValidation,
					fmt.Sprintf("split node %s branch %q has no outgoing edge", node.ID, handle))
			}
		}

	case schema.NodeTypeTransform:
		var props schema.TransformProperties
		if err := json.Unmarshal(node.Properties, &props); err != nil {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("transform node %s has invalid properties: %v", node.ID, err))
			return
		}
		if len(props.Operations) == 0 {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("transform node %s has no operations", node.ID))
			return
		}
		for _, op := range props.Operations {
			if op.Target == "" {
				result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("transform node %s has an operation with no target", node.ID))
				continue
			}
			// Declared-variables check: undeclared targets fail here, not at runtime.
			if g.DeclaredVariables != nil {
				if _, ok := g.DeclaredVariables[op.Target]; !ok {
					result.AddError(path, schema.ErrCodeValidation,
						fmt.Sprintf("transform node %s writes undeclared variable %q", node.ID, op.Target))
				}
			}
			switch op.Op {
			case "copy":
				if op.Source == "" {
					result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("transform node %s copy op has no source", node.ID))
				}
			case "concat":
				if len(op.Sources) == 0 {
					result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("transform node %s concat op has no sources", node.ID))
				}
			case "format":
				if op.Template == "" {
					result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("transform node %s format op has no template", node.ID))
				}
			case "score":
				if op.Expr == "" {
					result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("transform node %s score op has no expr", node.ID))
				}
			case "extract":
				if op.Query == "" {
					result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("transform node %s extract op has no query", node.ID))
				}
			default:
				result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("transform node %s has unknown op %q", node.ID, op.Op))
			}
		}

	case schema.NodeTypeWebhook, schema.NodeTypeAPICall, schema.NodeTypeCRMAction, schema.NodeTypePaymentWebhook:
		var props schema.OutboundProperties
		if err := json.Unmarshal(node.Properties, &props); err != nil {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("%s node %s has invalid properties: %v", node.Type, node.ID, err))
			return
		}
		if props.URL == "" {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("%s node %s has no url", node.Type, node.ID))
		}
	}
}

// toJSONValue round-trips a Go value through JSON encoding so numbers become
// json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}
