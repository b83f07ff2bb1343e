package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parlorhq/parlor/internal/llm"
	"github.com/parlorhq/parlor/internal/mcp"
)

// Code mode replaces the full tool catalog with two meta-tools: one that runs
// model-written JavaScript against the tool bridge, and one that searches the
// catalog so the model can discover what the script may call.

const executeCodeDescription = `Run a JavaScript (ES module) script in a sandbox with access to the connected tool servers. Import tools from "./servers/<server>/<tool>.js" and call them with an arguments object; results come back as text. Use console.log for output. The sandbox has no network access beyond the tools.`

const searchToolsDescription = `Search the available tools by keyword. Returns matching tool names and documentation. Use detail_level "name" for a compact list, "description" to include summaries, or "full" to include argument schemas.`

func codeModeSpecs() []llm.ToolSpec {
	return []llm.ToolSpec{
		{
			Name:        "execute_code",
			Description: executeCodeDescription,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"code": {"type": "string", "description": "The ES module source to run."}
				},
				"required": ["code"],
				"additionalProperties": false
			}`),
		},
		{
			Name:        "search_tools",
			Description: searchToolsDescription,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "Keywords to match against tool names and descriptions."},
					"detail_level": {"type": "string", "enum": ["name", "description", "full"], "description": "How much detail to return."}
				},
				"required": ["query"],
				"additionalProperties": false
			}`),
		},
	}
}

func (o *Orchestrator) executeCodeModeCall(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case "execute_code":
		code, _ := args["code"].(string)
		if strings.TrimSpace(code) == "" {
			return "", fmt.Errorf("execute_code requires a code argument")
		}
		if o.runner == nil {
			return "", fmt.Errorf("code execution is not available")
		}
		return o.runner.Execute(ctx, code)
	case "search_tools":
		query, _ := args["query"].(string)
		detail, _ := args["detail_level"].(string)
		return o.searchTools(ctx, query, detail), nil
	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
}

func (o *Orchestrator) searchTools(ctx context.Context, query, detail string) string {
	return SearchTools(o.tools.GetAllTools(ctx), query, detail)
}

// SearchTools matches query words against tool names and descriptions across
// every connected server. An empty query lists everything.
func SearchTools(catalog []mcp.ServerTools, query, detail string) string {
	words := strings.Fields(strings.ToLower(query))

	var b strings.Builder
	matched := 0
	for _, server := range catalog {
		for _, tool := range server.Tools {
			haystack := strings.ToLower(tool.Name + " " + tool.Description)
			if !matchesAll(haystack, words) {
				continue
			}
			matched++
			switch detail {
			case "full":
				fmt.Fprintf(&b, "## %s/%s\n%s\n", server.ServerName, tool.Name, tool.Description)
				if len(tool.InputSchema) > 0 {
					fmt.Fprintf(&b, "Arguments schema:\n%s\n", string(tool.InputSchema))
				}
				b.WriteString("\n")
			case "name":
				fmt.Fprintf(&b, "- %s/%s\n", server.ServerName, tool.Name)
			default:
				fmt.Fprintf(&b, "- %s/%s", server.ServerName, tool.Name)
				if line := firstLine(tool.Description); line != "" {
					fmt.Fprintf(&b, ": %s", line)
				}
				b.WriteString("\n")
			}
		}
	}
	if matched == 0 {
		return "No tools matched."
	}
	return strings.TrimRight(b.String(), "\n")
}

func matchesAll(haystack string, words []string) bool {
	for _, w := range words {
		if !strings.Contains(haystack, w) {
			return false
		}
	}
	return true
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
