package resolve

import (
	"encoding/json"
	"net/url"

	"github.com/starford/nextserve/internal/pathmatch"
)

// HeaderRouterStateTree carries the client router state as URI-encoded
// JSON: [segment, {parallelKey: state}, url?, refresh?, isRootLayout?].
// A dynamic segment is encoded as [name, value, type].
const HeaderRouterStateTree = "Next-Router-State-Tree"

// maxTreeDepth bounds recursion on hostile input.
const maxTreeDepth = 64

// SelectedParams extracts the dynamic params selected in an encoded router
// state tree. Malformed input yields no params.
func SelectedParams(header string) pathmatch.Params {
	decoded, err := url.PathUnescape(header)
	if err != nil {
		decoded = header
	}
	var tree []any
	if err := json.Unmarshal([]byte(decoded), &tree); err != nil {
		return nil
	}
	params := pathmatch.Params{}
	collectParams(tree, params, 0)
	return params
}

func collectParams(tree []any, params pathmatch.Params, depth int) {
	if depth > maxTreeDepth || len(tree) < 2 {
		return
	}
	if seg, ok := tree[0].([]any); ok && len(seg) >= 2 {
		name, nameOK := seg[0].(string)
		value, valueOK := seg[1].(string)
		if nameOK && valueOK && name != "" {
			params[name] = value
		}
	}
	children, ok := tree[1].(map[string]any)
	if !ok {
		return
	}
	for _, child := range children {
		if sub, ok := child.([]any); ok {
			collectParams(sub, params, depth+1)
		}
	}
}
