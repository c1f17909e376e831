package knowledge

import (
	"encoding/json"
	"fmt"

	"github.com/eirproject/eir/pkg/graph"
	"github.com/eirproject/eir/pkg/provider/llm"
)

// createNodeArgs is the JSON argument shape for knowledge_create_node.
type createNodeArgs struct {
	NodeType    string            `json:"nodeType"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Summary     string            `json:"summary,omitempty"`
	BelongsTo   []parentRef       `json:"belongsTo,omitempty"`
	Extras      map[string]any    `json:"extras,omitempty"`
}

// parentRef accepts either a bare string naming a parent (kind inferred from
// the child's hierarchy) or an explicit {"kind": ..., "name": ...} object.
type parentRef struct {
	Kind string
	Name string
}

func (p *parentRef) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		p.Name = name
		return nil
	}
	var obj struct {
		Kind string `json:"kind"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	p.Kind, p.Name = obj.Kind, obj.Name
	return nil
}

type createEdgeArgs struct {
	SourceType   string   `json:"sourceType"`
	SourceName   string   `json:"sourceName,omitempty"`
	SourceNames  []string `json:"sourceNames,omitempty"`
	TargetType   string   `json:"targetType"`
	TargetName   string   `json:"targetName,omitempty"`
	TargetNames  []string `json:"targetNames,omitempty"`
	Relationship string   `json:"relationship"`
	Description  string   `json:"description,omitempty"`
}

type alterArgs struct {
	NodeType string         `json:"nodeType"`
	ID       int64          `json:"id"`
	Delete   bool           `json:"delete,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

type structuralSearchArgs struct {
	Match  string         `json:"match"`
	Where  string         `json:"where,omitempty"`
	Return string         `json:"return,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

type vectorSearchArgs struct {
	NodeType string   `json:"nodeType"`
	Text     string   `json:"text"`
	K        int      `json:"k,omitempty"`
	MinScore *float64 `json:"minScore,omitempty"`
}

type hybridSearchArgs struct {
	NodeType         string   `json:"nodeType"`
	Text             string   `json:"text"`
	RelationshipType string   `json:"relationshipType"`
	TargetType       string   `json:"targetType"`
	K                int      `json:"k,omitempty"`
	MinScore         *float64 `json:"minScore,omitempty"`
}

type rawQueryArgs struct {
	Query  string         `json:"query"`
	Params map[string]any `json:"params,omitempty"`
}

// ParseCall decodes a tool invocation by name into its typed Call. It is the
// single entry point for calls arriving as JSON — from LLM tool calls, MCP,
// or the debug endpoint.
func ParseCall(name string, args []byte) (Call, error) {
	if len(args) == 0 {
		args = []byte("{}")
	}
	switch name {
	case ToolCreateNode:
		var a createNodeArgs
		if err := decode(args, &a); err != nil {
			return nil, err
		}
		kind, err := graph.ParseKind(a.NodeType)
		if err != nil {
			return nil, err
		}
		parents := make([]graph.Ref, 0, len(a.BelongsTo))
		for _, p := range a.BelongsTo {
			pk := p.Kind
			if pk == "" {
				pk = string(defaultParentKind(kind))
			}
			parentKind, err := graph.ParseKind(pk)
			if err != nil {
				return nil, err
			}
			parents = append(parents, graph.Ref{Kind: parentKind, Name: p.Name})
		}
		return CreateNodeCall{
			Kind:        kind,
			Name:        a.Name,
			Description: a.Description,
			Summary:     a.Summary,
			BelongsTo:   parents,
			Extra:       a.Extras,
		}, nil

	case ToolCreateEdge:
		var a createEdgeArgs
		if err := decode(args, &a); err != nil {
			return nil, err
		}
		srcKind, err := graph.ParseKind(a.SourceType)
		if err != nil {
			return nil, err
		}
		dstKind, err := graph.ParseKind(a.TargetType)
		if err != nil {
			return nil, err
		}
		src := a.SourceNames
		if len(src) == 0 && a.SourceName != "" {
			src = []string{a.SourceName}
		}
		dst := a.TargetNames
		if len(dst) == 0 && a.TargetName != "" {
			dst = []string{a.TargetName}
		}
		return CreateEdgeCall{
			SourceKind:   srcKind,
			SourceNames:  src,
			TargetKind:   dstKind,
			TargetNames:  dst,
			Relationship: a.Relationship,
			Description:  a.Description,
		}, nil

	case ToolAlter:
		var a alterArgs
		if err := decode(args, &a); err != nil {
			return nil, err
		}
		kind, err := graph.ParseKind(a.NodeType)
		if err != nil {
			return nil, err
		}
		return AlterCall{Kind: kind, ID: a.ID, Delete: a.Delete, Fields: a.Fields}, nil

	case ToolStructuralSearch:
		var a structuralSearchArgs
		if err := decode(args, &a); err != nil {
			return nil, err
		}
		return StructuralSearchCall{Match: a.Match, Where: a.Where, Return: a.Return, Params: a.Params}, nil

	case ToolVectorSearch:
		var a vectorSearchArgs
		if err := decode(args, &a); err != nil {
			return nil, err
		}
		kind, err := graph.ParseKind(a.NodeType)
		if err != nil {
			return nil, err
		}
		return VectorSearchCall{Kind: kind, Text: a.Text, K: a.K, MinScore: a.MinScore}, nil

	case ToolHybridSearch:
		var a hybridSearchArgs
		if err := decode(args, &a); err != nil {
			return nil, err
		}
		srcKind, err := graph.ParseKind(a.NodeType)
		if err != nil {
			return nil, err
		}
		dstKind, err := graph.ParseKind(a.TargetType)
		if err != nil {
			return nil, err
		}
		return HybridSearchCall{
			SourceKind:   srcKind,
			Text:         a.Text,
			Relationship: a.RelationshipType,
			TargetKind:   dstKind,
			K:            a.K,
			MinScore:     a.MinScore,
		}, nil

	case ToolRawQuery:
		var a rawQueryArgs
		if err := decode(args, &a); err != nil {
			return nil, err
		}
		return RawQueryCall{Query: a.Query, Params: a.Params}, nil

	default:
		return nil, fmt.Errorf("knowledge: unknown tool %q: %w", name, graph.ErrInvalidArguments)
	}
}

func decode(args []byte, into any) error {
	if err := json.Unmarshal(args, into); err != nil {
		return fmt.Errorf("knowledge: decode tool arguments: %v: %w", err, graph.ErrInvalidArguments)
	}
	return nil
}

// defaultParentKind maps a child kind to the parent kind its BELONGS_TO edges
// point at when the caller names parents without a kind.
func defaultParentKind(kind graph.Kind) graph.Kind {
	switch kind {
	case graph.KindKnowledge:
		return graph.KindTopic
	case graph.KindTopic:
		return graph.KindTag
	case graph.KindTag:
		return graph.KindTagCategory
	default:
		return graph.KindTagCategory
	}
}

// Definitions returns the tool definitions offered to LLMs.
func Definitions() []llm.ToolDefinition {
	kindEnum := []string{}
	for _, k := range graph.Kinds() {
		kindEnum = append(kindEnum, string(k))
	}
	kindProp := map[string]any{"type": "string", "enum": kindEnum}

	return []llm.ToolDefinition{
		{
			Name:        ToolCreateNode,
			Description: "Create a node in the knowledge graph. Knowledge nodes require a summary. belongsTo lists parent node names to attach via BELONGS_TO.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"nodeType":    kindProp,
					"name":        map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
					"summary":     map[string]any{"type": "string"},
					"belongsTo":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"extras":      map[string]any{"type": "object"},
				},
				"required": []string{"nodeType", "name"},
			},
		},
		{
			Name:        ToolCreateEdge,
			Description: "Create relationship edges between existing nodes. All combinations of source and target names are connected.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"sourceType":   kindProp,
					"sourceNames":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"targetType":   kindProp,
					"targetNames":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"relationship": map[string]any{"type": "string"},
					"description":  map[string]any{"type": "string"},
				},
				"required": []string{"sourceType", "sourceNames", "targetType", "targetNames", "relationship"},
			},
		},
		{
			Name:        ToolAlter,
			Description: "Update fields of a node by id, or delete it (with its edges) when delete is true.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"nodeType": kindProp,
					"id":       map[string]any{"type": "integer"},
					"delete":   map[string]any{"type": "boolean"},
					"fields":   map[string]any{"type": "object"},
				},
				"required": []string{"nodeType", "id"},
			},
		},
		{
			Name:        ToolStructuralSearch,
			Description: "Query the graph by structure. Provide a match pattern, optional where clause and return clause. Returns at most 20 rows.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"match":  map[string]any{"type": "string"},
					"where":  map[string]any{"type": "string"},
					"return": map[string]any{"type": "string"},
					"params": map[string]any{"type": "object"},
				},
				"required": []string{"match"},
			},
		},
		{
			Name:        ToolVectorSearch,
			Description: "Find nodes of a kind semantically similar to the given text.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"nodeType": kindProp,
					"text":     map[string]any{"type": "string"},
					"k":        map[string]any{"type": "integer"},
					"minScore": map[string]any{"type": "number"},
				},
				"required": []string{"nodeType", "text"},
			},
		},
		{
			Name:        ToolHybridSearch,
			Description: "Find source nodes semantically similar to the text, then follow the given relationship to their target nodes.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"nodeType":         kindProp,
					"text":             map[string]any{"type": "string"},
					"relationshipType": map[string]any{"type": "string"},
					"targetType":       kindProp,
					"k":                map[string]any{"type": "integer"},
					"minScore":         map[string]any{"type": "number"},
				},
				"required": []string{"nodeType", "text", "relationshipType", "targetType"},
			},
		},
		{
			Name:        ToolRawQuery,
			Description: "Run a raw graph query. Results are capped at 20 rows.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":  map[string]any{"type": "string"},
					"params": map[string]any{"type": "object"},
				},
				"required": []string{"query"},
			},
		},
	}
}
