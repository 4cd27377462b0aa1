// Package mcpconfig implements the pure parsing half of MCP
// configuration discovery: given a config file's bytes and the key
// holding server definitions, extract stdio server launch specs and
// expand environment-variable placeholders in their env blocks. Walking
// IDE-specific well-known paths is left to cmd/eryx; the core library
// has no filesystem-path opinions. JSON configs parse with
// encoding/json and Codex's config.toml with go-toml — not through a
// viper layer, which folds every nested key to lower case and would
// corrupt case-sensitive server names and env-variable keys.
package mcpconfig

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/pelletier/go-toml/v2"
)

// ServerSpec is one discovered stdio MCP server, pre-env-expansion.
type ServerSpec struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// Source names one config file location to search, in the override order
// the original implementation specifies: later sources win.
type Source struct {
	Path   string
	Key    string // e.g. "mcpServers", "context_servers", "servers", "mcp_servers"
	Format string // "json" or "toml"; empty defaults to "json"
}

// DefaultSources returns the standard IDE config search list, given an
// already-resolved home directory and working directory. cmd/eryx is
// responsible for resolving those and checking file existence; this
// package only knows the relative layout.
func DefaultSources(home, cwd string) []Source {
	join := func(base string, parts ...string) string {
		p := base
		for _, part := range parts {
			p = p + "/" + part
		}
		return p
	}
	return []Source{
		{Path: join(home, ".claude.json"), Key: "mcpServers"},
		{Path: join(home, ".cursor", "mcp.json"), Key: "mcpServers"},
		{Path: join(home, ".codeium", "windsurf", "mcp_config.json"), Key: "mcpServers"},
		{Path: join(home, ".config", "zed", "settings.json"), Key: "context_servers"},
		{Path: join(home, ".gemini", "settings.json"), Key: "mcpServers"},
		{Path: join(home, ".codex", "config.toml"), Key: "mcp_servers", Format: "toml"},
		{Path: join(cwd, ".mcp.json"), Key: "mcpServers"},
		{Path: join(cwd, ".cursor", "mcp.json"), Key: "mcpServers"},
		{Path: join(cwd, ".vscode", "mcp.json"), Key: "servers"},
		{Path: join(cwd, ".zed", "settings.json"), Key: "context_servers"},
		{Path: join(cwd, ".gemini", "settings.json"), Key: "mcpServers"},
		{Path: join(cwd, ".codex", "config.toml"), Key: "mcp_servers", Format: "toml"},
	}
}

// ParseFile reads one config source's raw bytes and extracts its stdio
// server definitions. A parse error is reported, not silently swallowed;
// callers that probe sources optimistically can ignore it.
func ParseFile(raw []byte, src Source) ([]ServerSpec, error) {
	var root map[string]any
	switch src.Format {
	case "toml":
		if err := toml.Unmarshal(raw, &root); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(raw, &root); err != nil {
			return nil, err
		}
	}

	servers, ok := root[src.Key].(map[string]any)
	if !ok {
		return nil, nil
	}

	out := make([]ServerSpec, 0, len(servers))
	for name, entryAny := range servers {
		entry, ok := entryAny.(map[string]any)
		if !ok {
			continue
		}
		if truthy(entry["disabled"]) {
			continue
		}
		if v, present := entry["enabled"]; present && !truthy(v) {
			continue
		}
		serverType, _ := entry["type"].(string)
		if serverType == "" {
			serverType = "stdio"
		}
		if serverType != "stdio" {
			continue
		}

		command, _ := entry["command"].(string)
		if command == "" {
			if entry["url"] != nil || entry["serverUrl"] != nil || entry["httpUrl"] != nil {
				continue
			}
			continue
		}

		args := toStringSlice(entry["args"])
		if len(args) == 0 && strings.ContainsAny(command, " \t") {
			// Some IDE configs (older Claude Desktop entries, a server
			// dropped in by hand) give the whole invocation as one shell
			// string instead of a separate command/args pair; split it
			// the way a shell would, quoting and all.
			if split, err := shellquote.Split(command); err == nil && len(split) > 0 {
				command, args = split[0], split[1:]
			}
		}

		out = append(out, ServerSpec{
			Name:    name,
			Command: command,
			Args:    args,
			Env:     toStringMap(entry["env"]),
		})
	}
	return out, nil
}

// Merge combines discovered servers across sources in search order; a
// later source's entry for the same name replaces an earlier one.
func Merge(sourcesInOrder ...[]ServerSpec) map[string]ServerSpec {
	out := make(map[string]ServerSpec)
	for _, specs := range sourcesInOrder {
		for _, s := range specs {
			out[s.Name] = s
		}
	}
	return out
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func toStringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toStringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = toString(val)
	}
	return out
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return ""
	}
}

var envVarPattern = regexp.MustCompile(`\$(?:([A-Za-z_][A-Za-z0-9_]*)|\{([A-Za-z_][A-Za-z0-9_]*)\}|\{([A-Za-z_][A-Za-z0-9_]*):-([^}]*)\})`)

// ExpandEnv expands $VAR, ${VAR}, and ${VAR:-default} references in value
// against lookup.
func ExpandEnv(value string, lookup func(string) (string, bool)) string {
	return envVarPattern.ReplaceAllStringFunc(value, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		switch {
		case groups[1] != "":
			if v, ok := lookup(groups[1]); ok {
				return v
			}
			return ""
		case groups[2] != "":
			if v, ok := lookup(groups[2]); ok {
				return v
			}
			return ""
		case groups[3] != "":
			if v, ok := lookup(groups[3]); ok && v != "" {
				return v
			}
			return groups[4]
		default:
			return match
		}
	})
}

// ExpandEnvMap applies ExpandEnv to every value in env.
func ExpandEnvMap(env map[string]string, lookup func(string) (string, bool)) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = ExpandEnv(v, lookup)
	}
	return out
}
