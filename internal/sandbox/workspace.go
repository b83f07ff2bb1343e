package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/parlorhq/parlor/internal/mcp"
)

// The sandbox workspace is synthesized fresh for every execution: a bridge
// module that speaks to the tool bridge over loopback HTTP, plus one wrapper
// module per tool so scripts import tools like ordinary code.

const bridgeEnvVar = "PARLOR_BRIDGE_PORT"

const bridgeModule = `const port = process.env.` + bridgeEnvVar + `;
if (!port) {
  throw new Error("tool bridge port not set");
}

export async function callTool(server, tool, args) {
  const resp = await fetch("http://127.0.0.1:" + port + "/call-tool", {
    method: "POST",
    headers: { "Content-Type": "application/json" },
    body: JSON.stringify({ server, tool, args: args ?? {} }),
  });
  const body = await resp.json();
  if (body.error) {
    throw new Error(body.error);
  }
  return body.result;
}
`

const packageJSON = `{
  "name": "parlor-sandbox",
  "private": true,
  "type": "module"
}
`

// PrepareWorkspace writes the bridge module and per-server tool wrappers
// under dir. The returned layout is:
//
//	bridge.js
//	package.json
//	servers/<server>/<tool>.js
//	servers/<server>/index.js
func PrepareWorkspace(dir string, catalog []mcp.ServerTools) error {
	if err := os.WriteFile(filepath.Join(dir, "bridge.js"), []byte(bridgeModule), 0o644); err != nil {
		return fmt.Errorf("write bridge module: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(packageJSON), 0o644); err != nil {
		return fmt.Errorf("write package.json: %w", err)
	}

	for _, server := range catalog {
		serverIdent := Identifier(server.ServerName)
		serverDir := filepath.Join(dir, "servers", serverIdent)
		if err := os.MkdirAll(serverDir, 0o755); err != nil {
			return fmt.Errorf("create server dir: %w", err)
		}

		var index strings.Builder
		for _, tool := range server.Tools {
			toolIdent := Identifier(tool.Name)
			module := toolModule(server.ServerName, tool)
			if err := os.WriteFile(filepath.Join(serverDir, toolIdent+".js"), []byte(module), 0o644); err != nil {
				return fmt.Errorf("write tool module: %w", err)
			}
			fmt.Fprintf(&index, "export { default as %s } from %q;\n", toolIdent, "./"+toolIdent+".js")
		}
		if err := os.WriteFile(filepath.Join(serverDir, "index.js"), []byte(index.String()), 0o644); err != nil {
			return fmt.Errorf("write server index: %w", err)
		}
	}
	return nil
}

// toolModule renders one wrapper. The doc comment carries the tool's
// description and argument schema so the model can read both out of the
// import instead of guessing argument names.
func toolModule(serverName string, tool mcp.ToolDescriptor) string {
	var b strings.Builder
	desc := asciiClean(tool.Description)
	schema := schemaLines(tool.InputSchema)
	if desc != "" || schema != "" {
		b.WriteString("/**\n")
		if desc != "" {
			for _, line := range strings.Split(desc, "\n") {
				b.WriteString(" * " + line + "\n")
			}
		}
		if schema != "" {
			if desc != "" {
				b.WriteString(" *\n")
			}
			b.WriteString(" * Arguments schema:\n")
			for _, line := range strings.Split(schema, "\n") {
				b.WriteString(" * " + line + "\n")
			}
		}
		b.WriteString(" */\n")
	}
	fmt.Fprintf(&b, "import { callTool } from \"../../bridge.js\";\n\n")
	fmt.Fprintf(&b, "export default async function %s(args) {\n", Identifier(tool.Name))
	fmt.Fprintf(&b, "  return callTool(%q, %q, args);\n", serverName, tool.Name)
	b.WriteString("}\n")
	return b.String()
}

// schemaLines pretty-prints a tool's argument schema for the wrapper's doc
// comment. Missing and malformed schemas yield nothing.
func schemaLines(schema json.RawMessage) string {
	if len(schema) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, schema, "", "  "); err != nil {
		return ""
	}
	return asciiClean(buf.String())
}

// Identifier converts an arbitrary tool or server name into a JavaScript
// identifier. Letters, digits, and underscores pass through unchanged so the
// wrapper name stays recognizably the tool name; everything else is dropped.
// A leading digit gets an underscore prefix.
func Identifier(name string) string {
	var b strings.Builder
	for _, r := range name {
		if isIdentRune(r) {
			b.WriteRune(r)
		}
	}
	ident := b.String()
	if ident == "" {
		return "_tool"
	}
	if ident[0] >= '0' && ident[0] <= '9' {
		ident = "_" + ident
	}
	return ident
}

func isIdentRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_'
}

// asciiClean strips non-ASCII and comment-breaking sequences from tool
// descriptions before embedding them in generated source.
func asciiClean(s string) string {
	s = strings.ReplaceAll(s, "*/", "* /")
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || (r >= 0x20 && r < 0x7f) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
