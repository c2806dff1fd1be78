package actor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/actorflow/internal/runtime/session"
)

func peer(id string, tags ...string) session.Peer {
	return session.Peer{Session: session.Session{
		Participant: session.Participant{ID: id},
		Connected:   true,
		Tags:        tags,
	}}
}

func TestSelectors(t *testing.T) {
	t.Parallel()

	p1 := peer("p1", "red")
	p2 := peer("p2", "blue")
	p3 := peer("p3", "red", "admin")

	matches := func(sel Selector) []string {
		var out []string
		for _, p := range []session.Peer{p1, p2, p3} {
			if sel.Match(p) {
				out = append(out, p.Session.Participant.ID)
			}
		}
		return out
	}

	assert.Equal(t, []string{"p1", "p2", "p3"}, matches(All()))
	assert.Equal(t, []string{"p1", "p3"}, matches(IDs("p1", "p3", "ghost")))
	assert.Equal(t, []string{"p2", "p3"}, matches(Omit("p1")))
	assert.Equal(t, []string{"p3"}, matches(Where(func(p session.Peer) bool {
		return hasTag(p.Session.Tags, "admin")
	})))

	assert.Equal(t, "red", Tag("red").Tag())
	combined := And(Tag("red"), Omit("p1"))
	assert.Equal(t, "red", combined.Tag())
	assert.Equal(t, []string{"p2", "p3"}, matches(combined), "the enumeration tag is applied by the registry")

	twoTags := And(Tag("red"), Tag("admin"))
	assert.Equal(t, []string{"p3"}, matches(twoTags))
}
