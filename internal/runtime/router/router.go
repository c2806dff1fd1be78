package router

import (
	"sort"
	"strings"

	errspkg "github.com/drblury/actorflow/internal/runtime/errors"
)

// Node is either a Router or a *Handler.
type Node interface {
	node()
}

// Router is a tree of named sub-routers whose leaves are handlers. Routers
// are composed from literals at startup and never mutated afterwards:
//
//	router.Router{
//		"user": router.Router{
//			"get": getUser,
//		},
//	}
type Router map[string]Node

func (Router) node() {}

// SplitPath splits a dotted or slashed path into segments, dropping empty
// ones.
func SplitPath(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool {
		return r == '.' || r == '/'
	})
}

// JoinPath is the dotted spelling of path.
func JoinPath(path []string) string {
	return strings.Join(path, ".")
}

// Resolve walks r segment by segment and returns the handler stored at path.
// Any missing segment, or a path that ends on a sub-router, is NOT_FOUND.
func Resolve(r Router, path []string) (*Handler, error) {
	if len(path) == 0 || r == nil {
		return nil, errspkg.NewNotFound(JoinPath(path))
	}
	var current Node = r
	for _, segment := range path {
		sub, ok := current.(Router)
		if !ok {
			return nil, errspkg.NewNotFound(JoinPath(path))
		}
		next, ok := sub[segment]
		if !ok || next == nil {
			return nil, errspkg.NewNotFound(JoinPath(path))
		}
		current = next
	}
	h, ok := current.(*Handler)
	if !ok || h == nil {
		return nil, errspkg.NewNotFound(JoinPath(path))
	}
	return h, nil
}

// Paths lists the dotted path of every handler in r, sorted.
func Paths(r Router) []string {
	var out []string
	var walk func(prefix []string, node Node)
	walk = func(prefix []string, node Node) {
		switch n := node.(type) {
		case Router:
			for key, child := range n {
				walk(append(append([]string(nil), prefix...), key), child)
			}
		case *Handler:
			if n != nil {
				out = append(out, JoinPath(prefix))
			}
		}
	}
	walk(nil, r)
	sort.Strings(out)
	return out
}
