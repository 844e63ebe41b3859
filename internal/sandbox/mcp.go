package sandbox

import (
	"fmt"

	"go.starlark.net/starlark"
)

// mcpRoot is the synthetic `mcp` object glue code sees:
// mcp.<namespace>.<action>(args) is virtual attribute access, never a
// real object graph.
type mcpRoot struct {
	sandbox *Sandbox
}

func (m *mcpRoot) String() string        { return "<mcp>" }
func (m *mcpRoot) Type() string           { return "mcp" }
func (m *mcpRoot) Freeze()                {}
func (m *mcpRoot) Truth() starlark.Bool   { return starlark.True }
func (m *mcpRoot) Hash() (uint32, error)  { return 0, fmt.Errorf("unhashable type: mcp") }
func (m *mcpRoot) AttrNames() []string    { return nil }
func (m *mcpRoot) Attr(name string) (starlark.Value, error) {
	return &mcpNamespace{namespace: name, sandbox: m.sandbox}, nil
}

// mcpNamespace is mcp.<namespace>; attribute access on it yields a
// callable that turns mcp.<namespace>.<action>(args) into an RPC frame.
type mcpNamespace struct {
	namespace string
	sandbox   *Sandbox
}

func (n *mcpNamespace) String() string       { return fmt.Sprintf("<mcp.%s>", n.namespace) }
func (n *mcpNamespace) Type() string          { return "mcp_namespace" }
func (n *mcpNamespace) Freeze()                {}
func (n *mcpNamespace) Truth() starlark.Bool  { return starlark.True }
func (n *mcpNamespace) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: mcp_namespace") }
func (n *mcpNamespace) AttrNames() []string   { return nil }

func (n *mcpNamespace) Attr(action string) (starlark.Value, error) {
	namespace, sandbox := n.namespace, n.sandbox
	return starlark.NewBuiltin(namespace+"."+action, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var argVal starlark.Value = starlark.None
		if len(args) > 0 {
			argVal = args[0]
		} else if len(kwargs) > 0 {
			d := starlark.NewDict(len(kwargs))
			for _, kv := range kwargs {
				d.SetKey(kv[0], kv[1])
			}
			argVal = d
		}

		argsJSON, err := starlarkToGoJSON(thread, argVal)
		if err != nil {
			return nil, err
		}
		resultJSON, err := sandbox.callRPC(namespace+":"+action, argsJSON)
		if err != nil {
			return nil, err
		}
		return goJSONToStarlark(thread, resultJSON)
	}), nil
}
