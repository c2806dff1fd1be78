package actor

import "github.com/drblury/actorflow/internal/runtime/session"

// Selector picks the broadcast targets among connected peers. Disconnected
// sessions are excluded before a selector is consulted.
type Selector interface {
	// Tag restricts enumeration to one host tag. Empty means every
	// connection.
	Tag() string
	Match(peer session.Peer) bool
}

type selector struct {
	tag   string
	match func(peer session.Peer) bool
}

func (s selector) Tag() string { return s.tag }

func (s selector) Match(peer session.Peer) bool {
	return s.match == nil || s.match(peer)
}

// All selects every connected peer.
func All() Selector {
	return selector{}
}

// IDs selects the peers whose participant id is listed.
func IDs(ids ...string) Selector {
	set := toSet(ids)
	return selector{match: func(p session.Peer) bool {
		_, ok := set[p.Session.Participant.ID]
		return ok
	}}
}

// Omit selects every peer except the listed participant ids.
func Omit(ids ...string) Selector {
	set := toSet(ids)
	return selector{match: func(p session.Peer) bool {
		_, ok := set[p.Session.Participant.ID]
		return !ok
	}}
}

// Tag selects the connections accepted under tag.
func Tag(tag string) Selector {
	return selector{tag: tag}
}

// Where selects peers matching pred.
func Where(pred func(peer session.Peer) bool) Selector {
	return selector{match: pred}
}

// And selects peers matched by every selector. When several selectors name
// a tag, the first one is used for enumeration and the others are checked
// against the session's tags.
func And(sels ...Selector) Selector {
	tag := ""
	for _, s := range sels {
		if s != nil && s.Tag() != "" {
			tag = s.Tag()
			break
		}
	}
	return selector{tag: tag, match: func(p session.Peer) bool {
		for _, s := range sels {
			if s == nil {
				continue
			}
			if t := s.Tag(); t != "" && t != tag && !hasTag(p.Session.Tags, t) {
				return false
			}
			if !s.Match(p) {
				return false
			}
		}
		return true
	}}
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
