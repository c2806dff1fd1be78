package httpapi

import (
	"net/http"
	"strings"

	"github.com/drblury/actorflow/internal/runtime/actor"
	errspkg "github.com/drblury/actorflow/internal/runtime/errors"
	"github.com/drblury/actorflow/internal/runtime/router"
	"github.com/drblury/actorflow/internal/runtime/session"
)

type target struct {
	ns   *actor.Namespace
	info session.ObjectInfo
}

// address finds the actor instance a request is meant for and splits the
// rest of relPath into router segments. The object is named by headers
// first, then by the object and id query parameters, then by a leading
// "(name:id)" path segment. A request without any of them targets the
// stateless router.
func (h *Handler) address(r *http.Request, relPath string) (*target, []string, error) {
	name, id := r.Header.Get(HeaderObjectName), r.Header.Get(HeaderObjectID)
	if name == "" {
		q := r.URL.Query()
		name, id = q.Get("object"), q.Get("id")
	}
	if name == "" {
		if n, i, rest, ok := splitObjectSegment(relPath); ok {
			name, id, relPath = n, i, rest
		}
	}
	segments := router.SplitPath(relPath)
	if name == "" {
		return nil, segments, nil
	}

	ns, ok := h.opts.Namespaces[name]
	if !ok {
		return nil, nil, errspkg.Newf(errspkg.NotFound, "no actor named %q", name)
	}
	return &target{ns: ns, info: ns.Address(r.Context(), id, r)}, segments, nil
}

// splitObjectSegment cuts a leading "(name:id)" off path before it is split
// on dots, so ids such as "team.notes" survive.
func splitObjectSegment(path string) (name, id, rest string, ok bool) {
	path = strings.TrimLeft(path, "/")
	end := strings.IndexByte(path, ')')
	if !strings.HasPrefix(path, "(") || end < 0 {
		return "", "", "", false
	}
	rest = path[end+1:]
	if rest != "" && rest[0] != '/' && rest[0] != '.' {
		return "", "", "", false
	}
	name, id, ok = parseObjectSegment(path[:end+1])
	if !ok {
		return "", "", "", false
	}
	return name, id, rest, true
}

// parseObjectSegment reads "(name:id)" or "(name)".
func parseObjectSegment(seg string) (name, id string, ok bool) {
	if len(seg) < 3 || seg[0] != '(' || seg[len(seg)-1] != ')' {
		return "", "", false
	}
	inner := seg[1 : len(seg)-1]
	name, id, _ = strings.Cut(inner, ":")
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", false
	}
	return name, strings.TrimSpace(id), true
}
