package graph

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzahq/cadenza/pkg/schema"
)

func validDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:      "wf-1",
		Version: 1,
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeTypeTrigger},
			{ID: "check", Type: schema.NodeTypeCondition,
				Properties: json.RawMessage(`{"expression":"contact.plan == \"pro\""}`)},
			{ID: "welcome", Type: schema.NodeTypeAction,
				Properties: json.RawMessage(`{"channel":"email","subject":"Hi","body":"Welcome"}`)},
		},
		Edges: []schema.Edge{
			{ID: "e1", SourceNodeID: "start", TargetNodeID: "check"},
			{ID: "e2", SourceNodeID: "check", TargetNodeID: "welcome", SourceHandle: "yes"},
		},
	}
}

func requireValidationError(t *testing.T, def *schema.WorkflowDefinition, contains string) {
	t.Helper()
	_, err := Compile(def)
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
	if contains != "" && len(engErr.Details) > 0 {
		issues, _ := engErr.Details["errors"].([]schema.ValidationIssue)
		found := false
		for _, issue := range issues {
			if strings.Contains(issue.Message, contains) {
				found = true
				break
			}
		}
		assert.True(t, found, "no validation issue mentions %q: %+v", contains, issues)
	}
}

func TestCompile_ValidDefinition(t *testing.T) {
	g, err := Compile(validDefinition())
	require.NoError(t, err)

	assert.Len(t, g.NodesByID, 3)
	require.NotNil(t, g.FirstTrigger())
	assert.Equal(t, "start", g.FirstTrigger().ID)

	out := g.Outgoing("check")
	require.Len(t, out, 1)
	assert.Equal(t, "welcome", out[0].TargetNodeID)
	assert.Empty(t, g.Outgoing("welcome"))
}

func TestCompile_NilAndEmpty(t *testing.T) {
	_, err := Compile(nil)
	require.Error(t, err)

	requireValidationError(t, &schema.WorkflowDefinition{}, "no nodes")
}

func TestCompile_NoTrigger(t *testing.T) {
	def := validDefinition()
	def.Nodes = def.Nodes[1:]
	def.Edges = def.Edges[1:]
	requireValidationError(t, def, "no trigger")
}

func TestCompile_DuplicateNodeID(t *testing.T) {
	def := validDefinition()
	def.Nodes = append(def.Nodes, schema.Node{ID: "start", Type: schema.NodeTypeTrigger})
	requireValidationError(t, def, "duplicate node id")
}

func TestCompile_UnknownNodeType(t *testing.T) {
	def := validDefinition()
	def.Nodes = append(def.Nodes, schema.Node{ID: "odd", Type: schema.NodeType("teleport")})
	requireValidationError(t, def, "unknown type")
}

func TestCompile_EdgeReferencesUnknownNode(t *testing.T) {
	def := validDefinition()
	def.Edges = append(def.Edges, schema.Edge{ID: "e3", SourceNodeID: "check", TargetNodeID: "ghost"})
	requireValidationError(t, def, "unknown target")
}

func TestCompile_DuplicateEdgeID(t *testing.T) {
	def := validDefinition()
	def.Edges = append(def.Edges, schema.Edge{ID: "e1", SourceNodeID: "start", TargetNodeID: "welcome"})
	requireValidationError(t, def, "duplicate edge id")
}

func TestCompile_ActionProperties(t *testing.T) {
	def := validDefinition()
	def.Nodes[2].Properties = json.RawMessage(`{"channel":"carrier-pigeon","body":"hi"}`)
	requireValidationError(t, def, "unknown channel")

	def = validDefinition()
	def.Nodes[2].Properties = json.RawMessage(`{"channel":"tag"}`)
	requireValidationError(t, def, "no tag_name")
}

func TestCompile_ConditionProperties(t *testing.T) {
	def := validDefinition()
	def.Nodes[1].Properties = json.RawMessage(`{"expression":""}`)
	requireValidationError(t, def, "no expression")

	def = validDefinition()
	def.Nodes[1].Properties = json.RawMessage(`{"expression":"true","engine":"prolog"}`)
	requireValidationError(t, def, "unknown engine")
}

func TestCompile_DelayProperties(t *testing.T) {
	def := validDefinition()
	def.Nodes = append(def.Nodes, schema.Node{ID: "wait", Type: schema.NodeTypeDelay,
		Properties: json.RawMessage(`{"amount":0,"unit":"fortnights"}`)})

	_, err := Compile(def)
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.EqualValues(t, 2, engErr.Details["error_count"])
}

func TestCompile_SplitProperties(t *testing.T) {
	def := validDefinition()
	def.Nodes = append(def.Nodes, schema.Node{ID: "ab", Type: schema.NodeTypeSplit,
		Properties: json.RawMessage(`{"branches":[]}`)})
	requireValidationError(t, def, "no branches")

	def = validDefinition()
	def.Nodes = append(def.Nodes, schema.Node{ID: "ab", Type: schema.NodeTypeSplit,
		Properties: json.RawMessage(`{"branches":[{"handle":"a","weight":50},{"handle":"a","weight":50}]}`)})
	requireValidationError(t, def, "duplicate branch handle")
}

func TestCompile_SplitBranchWithoutEdgeIsWarningOnly(t *testing.T) {
	def := validDefinition()
	def.Nodes = append(def.Nodes, schema.Node{ID: "ab", Type: schema.NodeTypeSplit,
		Properties: json.RawMessage(`{"branches":[{"handle":"a","weight":100}]}`)})

	_, err := Compile(def)
	assert.NoError(t, err)
}

func TestCompile_TransformOps(t *testing.T) {
	def := validDefinition()
	def.Nodes = append(def.Nodes, schema.Node{ID: "derive", Type: schema.NodeTypeTransform,
		Properties: json.RawMessage(`{"operations":[{"op":"divine","target":"x"}]}`)})
	requireValidationError(t, def, "unknown op")

	def = validDefinition()
	def.Nodes = append(def.Nodes, schema.Node{ID: "derive", Type: schema.NodeTypeTransform,
		Properties: json.RawMessage(`{"operations":[{"op":"copy","target":"x"}]}`)})
	requireValidationError(t, def, "no source")
}

func TestCompile_TransformUndeclaredVariable(t *testing.T) {
	def := validDefinition()
	def.Variables = json.RawMessage(`{"properties":{"greeting":{"type":"string"}}}`)
	def.Nodes = append(def.Nodes, schema.Node{ID: "derive", Type: schema.NodeTypeTransform,
		Properties: json.RawMessage(`{"operations":[{"op":"copy","target":"score","source":"contact.score"}]}`)})
	requireValidationError(t, def, "undeclared variable")
}

func TestCompile_OutboundRequiresURL(t *testing.T) {
	def := validDefinition()
	def.Nodes = append(def.Nodes, schema.Node{ID: "notify", Type: schema.NodeTypeWebhook,
		Properties: json.RawMessage(`{"method":"POST"}`)})
	requireValidationError(t, def, "no url")
}

func TestValidateVariables(t *testing.T) {
	def := validDefinition()
	def.Variables = json.RawMessage(`{"properties":{"greeting":{"type":"string"},"score":{"type":"number"}}}`)

	g, err := Compile(def)
	require.NoError(t, err)
	require.NotNil(t, g.VariableSchema)
	assert.Len(t, g.DeclaredVariables, 2)

	assert.NoError(t, g.ValidateVariables(map[string]any{"greeting": "hi", "score": 42}))
	assert.Error(t, g.ValidateVariables(map[string]any{"greeting": 7}), "wrong type")
	assert.Error(t, g.ValidateVariables(map[string]any{"surprise": true}), "undeclared key")
}

func TestValidateVariables_NoSchemaAcceptsAnything(t *testing.T) {
	g, err := Compile(validDefinition())
	require.NoError(t, err)
	assert.NoError(t, g.ValidateVariables(map[string]any{"anything": "goes"}))
}

func TestCompile_BadVariablesBlock(t *testing.T) {
	def := validDefinition()
	def.Variables = json.RawMessage(`"not an object"`)
	requireValidationError(t, def, "not a JSON object")
}

func TestDelayUnitMillis(t *testing.T) {
	ms, ok := DelayUnitMillis("minutes")
	require.True(t, ok)
	assert.EqualValues(t, 60_000, ms)

	ms, ok = DelayUnitMillis("days")
	require.True(t, ok)
	assert.EqualValues(t, 86_400_000, ms)

	_, ok = DelayUnitMillis("weeks")
	assert.False(t, ok)
}
