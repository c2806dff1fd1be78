package actor_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/actorflow/internal/runtime/actor"
	errspkg "github.com/drblury/actorflow/internal/runtime/errors"
	"github.com/drblury/actorflow/internal/runtime/jsoncodec"
	"github.com/drblury/actorflow/internal/runtime/logging"
	"github.com/drblury/actorflow/internal/runtime/ratelimit"
	"github.com/drblury/actorflow/internal/runtime/router"
	"github.com/drblury/actorflow/internal/runtime/session"
	"github.com/drblury/actorflow/internal/runtime/session/sessiontest"
	"github.com/drblury/actorflow/internal/runtime/validate"
)

type chatMessage struct {
	Text string `json:"text" validate:"required"`
}

type frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
	Ctx  any    `json:"ctx"`
}

func decodeFrames(t *testing.T, conn *sessiontest.FakeConn) []frame {
	t.Helper()
	var out []frame
	for _, text := range conn.Texts() {
		if text == "pong" {
			out = append(out, frame{Type: "pong"})
			continue
		}
		var f frame
		require.NoError(t, jsoncodec.Unmarshal([]byte(text), &f))
		out = append(out, f)
	}
	return out
}

func framesOfType(t *testing.T, conn *sessiontest.FakeConn, typ string) []frame {
	t.Helper()
	var out []frame
	for _, f := range decodeFrames(t, conn) {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func newChat(t *testing.T, opts actor.Options) *actor.Actor {
	t.Helper()
	if opts.Out == nil {
		opts.Out = router.Router{
			"chat": router.Procedure(router.Value("sentAt", "now")).
				Input(validate.Struct[chatMessage]()).
				Handle(func(_ context.Context, c router.Call) (any, error) {
					return c.Ctx, nil
				}),
		}
	}
	return actor.New(session.ObjectInfo{Name: "room", ID: "lobby"}, opts, actor.Deps{Logger: logging.Nop()})
}

func connect(t *testing.T, a *actor.Actor, participant string, tags ...string) *sessiontest.FakeConn {
	t.Helper()
	conn := sessiontest.NewFakeConn("conn-" + participant)
	_, err := a.Connect(context.Background(), conn, actor.Admission{
		Participant: session.Participant{ID: participant},
		Tags:        tags,
	})
	require.NoError(t, err)
	return conn
}

func TestBroadcastOmit(t *testing.T) {
	t.Parallel()

	a := newChat(t, actor.Options{PresenceScope: actor.PresenceNone})
	p1 := connect(t, a, "p1")
	p2 := connect(t, a, "p2")
	p3 := connect(t, a, "p3")

	n, err := a.Broadcast(context.Background(), "chat", map[string]any{"text": "hi"}, actor.Omit("p1"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Empty(t, p1.Texts())
	for _, conn := range []*sessiontest.FakeConn{p2, p3} {
		frames := decodeFrames(t, conn)
		require.Len(t, frames, 1)
		assert.Equal(t, "chat", frames[0].Type)
		assert.Equal(t, map[string]any{"text": "hi"}, frames[0].Data)
		assert.Equal(t, map[string]any{"sentAt": "now"}, frames[0].Ctx)
	}
}

func TestBroadcastRunsOutHandlerOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	var targets []string
	a := newChat(t, actor.Options{
		PresenceScope: actor.PresenceNone,
		Out: router.Router{"tick": router.Procedure().Handle(func(_ context.Context, c router.Call) (any, error) {
			calls++
			for _, p := range c.Event.To {
				targets = append(targets, p.Session.Participant.ID)
			}
			return calls, nil
		})},
	})
	connect(t, a, "p1")
	connect(t, a, "p2")

	n, err := a.Broadcast(context.Background(), "tick", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"p1", "p2"}, targets)
}

func TestBroadcastSendsPayloadWithHandlerContext(t *testing.T) {
	t.Parallel()

	calls := 0
	a := newChat(t, actor.Options{
		PresenceScope: actor.PresenceNone,
		Out: router.Router{"chat": router.Procedure().
			Input(validate.Struct[chatMessage]()).
			Handle(func(context.Context, router.Call) (any, error) {
				calls++
				return map[string]any{"serverTs": 123}, nil
			})},
	})

	n, err := a.Broadcast(context.Background(), "chat", map[string]any{"text": "hi"}, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, calls, "no targets, no handler run")

	p1 := connect(t, a, "p1")
	n, err = a.Broadcast(context.Background(), "chat", map[string]any{"text": "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, calls)

	frames := decodeFrames(t, p1)
	require.Len(t, frames, 1)
	assert.Equal(t, map[string]any{"text": "hi"}, frames[0].Data)
	assert.Equal(t, map[string]any{"serverTs": float64(123)}, frames[0].Ctx)
}

func TestBroadcastFailures(t *testing.T) {
	t.Parallel()

	t.Run("no out router", func(t *testing.T) {
		a := actor.New(session.ObjectInfo{Name: "room", ID: "x"}, actor.Options{}, actor.Deps{Logger: logging.Nop()})
		_, err := a.Broadcast(context.Background(), "chat", nil, nil)
		assert.True(t, errspkg.IsKind(err, errspkg.ServiceUnavailable))
	})

	t.Run("unknown topic", func(t *testing.T) {
		a := newChat(t, actor.Options{})
		_, err := a.Broadcast(context.Background(), "nope", nil, nil)
		assert.True(t, errspkg.IsKind(err, errspkg.NotFound))
	})

	t.Run("invalid payload", func(t *testing.T) {
		a := newChat(t, actor.Options{PresenceScope: actor.PresenceNone})
		connect(t, a, "p1")
		_, err := a.Broadcast(context.Background(), "chat", map[string]any{}, nil)
		assert.True(t, errspkg.IsKind(err, errspkg.BadRequest))
	})

	t.Run("one failed send does not abort", func(t *testing.T) {
		a := newChat(t, actor.Options{PresenceScope: actor.PresenceNone})
		p1 := connect(t, a, "p1")
		p2 := connect(t, a, "p2")
		p3 := connect(t, a, "p3")
		p2.FailSends(errors.New("broken pipe"))

		n, err := a.Broadcast(context.Background(), "chat", map[string]any{"text": "hi"}, actor.All())
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Len(t, p1.Texts(), 1)
		assert.Len(t, p3.Texts(), 1)
	})
}

func TestDisconnectedSessionsAreNeverTargets(t *testing.T) {
	t.Parallel()

	a := newChat(t, actor.Options{PresenceScope: actor.PresenceNone})
	connect(t, a, "p1")
	p2 := connect(t, a, "p2")
	a.Disconnect(context.Background(), p2)

	stored, ok := session.Load(p2)
	require.True(t, ok)
	assert.False(t, stored.Connected)

	n, err := a.Broadcast(context.Background(), "chat", map[string]any{"text": "hi"}, actor.IDs("p1", "p2"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, p2.Texts())
}

func TestPresence(t *testing.T) {
	t.Parallel()

	t.Run("pushed on connect and disconnect", func(t *testing.T) {
		a := newChat(t, actor.Options{})
		p1 := connect(t, a, "p1")
		p2 := connect(t, a, "p2")
		a.Disconnect(context.Background(), p2)

		frames := framesOfType(t, p1, "presence")
		require.Len(t, frames, 3)
		assert.Len(t, frames[0].Data, 1)
		assert.Len(t, frames[1].Data, 2)
		assert.Equal(t, []any{map[string]any{"id": "p1"}}, frames[2].Data)
		assert.Len(t, framesOfType(t, p2, "presence"), 1)
	})

	t.Run("disabled", func(t *testing.T) {
		a := newChat(t, actor.Options{PresenceScope: actor.PresenceNone})
		p1 := connect(t, a, "p1")
		connect(t, a, "p2")
		assert.Empty(t, p1.Texts())
	})

	t.Run("scoped to a tag", func(t *testing.T) {
		a := newChat(t, actor.Options{PresenceScope: "players"})
		player := connect(t, a, "p1", "players")
		spectator := connect(t, a, "s1", "spectators")
		connect(t, a, "p2", "players")

		assert.Empty(t, spectator.Texts())
		frames := framesOfType(t, player, "presence")
		require.NotEmpty(t, frames)
		assert.Len(t, frames[len(frames)-1].Data, 2)
	})

	t.Run("set presence updates the roster", func(t *testing.T) {
		a := newChat(t, actor.Options{})
		p1 := connect(t, a, "p1")
		p1.Reset()

		err := a.SetPresence(p1, &session.Participant{ID: "p1", Attributes: map[string]any{"name": "Ada"}}, map[string]any{"typing": true})
		require.NoError(t, err)

		stored, ok := session.Load(p1)
		require.True(t, ok)
		assert.Equal(t, map[string]any{"typing": true}, stored.Data)
		frames := framesOfType(t, p1, "presence")
		require.Len(t, frames, 1)
		assert.Equal(t, []any{map[string]any{"id": "p1", "attributes": map[string]any{"name": "Ada"}}}, frames[0].Data)
	})
}

func TestHandleText(t *testing.T) {
	t.Parallel()

	var received []string
	in := router.Router{
		"chat": router.Router{
			"send": router.Procedure().Input(validate.Struct[chatMessage]()).Handle(
				router.Typed(func(ctx context.Context, c router.Call, msg chatMessage) (any, error) {
					received = append(received, c.Event.From.Session.Participant.ID+":"+msg.Text)
					self := c.Actor.(*actor.Actor)
					_, err := self.Broadcast(ctx, "chat", map[string]any{"text": msg.Text}, actor.Omit(c.Event.From.Session.Participant.ID))
					return nil, err
				})),
		},
	}

	t.Run("ping is answered without dispatch", func(t *testing.T) {
		a := newChat(t, actor.Options{In: in, PresenceScope: actor.PresenceNone})
		p1 := connect(t, a, "p1")
		a.HandleText(context.Background(), p1, "ping")
		assert.Equal(t, []string{"pong"}, p1.Texts())
	})

	t.Run("frame dispatches to the in router", func(t *testing.T) {
		received = nil
		a := newChat(t, actor.Options{In: in, PresenceScope: actor.PresenceNone})
		p1 := connect(t, a, "p1")
		p2 := connect(t, a, "p2")

		a.HandleText(context.Background(), p1, `{"type":"chat.send","data":{"text":"hello"}}`)
		assert.Equal(t, []string{"p1:hello"}, received)
		assert.Empty(t, p1.Texts())
		require.Len(t, decodeFrames(t, p2), 1)
	})

	t.Run("errors go to the originator only", func(t *testing.T) {
		var hooked []error
		a := newChat(t, actor.Options{
			In:            in,
			PresenceScope: actor.PresenceNone,
			OnError: func(_ context.Context, _ *actor.Actor, _ *session.Peer, err error) {
				hooked = append(hooked, err)
			},
		})
		p1 := connect(t, a, "p1")
		p2 := connect(t, a, "p2")

		a.HandleText(context.Background(), p1, `{"type":"chat.send","data":{}}`)
		a.HandleText(context.Background(), p1, `{"type":"chat.nope","data":{}}`)
		a.HandleText(context.Background(), p1, `not json`)

		frames := decodeFrames(t, p1)
		require.Len(t, frames, 3)
		for _, f := range frames {
			assert.Equal(t, "error", f.Type)
		}
		assert.Equal(t, "Bad Request", frames[0].Data.(map[string]any)["statusText"])
		assert.Equal(t, 400.0, frames[0].Data.(map[string]any)["status"])
		assert.Equal(t, "Not Found", frames[1].Data.(map[string]any)["statusText"])
		assert.Equal(t, "Bad Request", frames[2].Data.(map[string]any)["statusText"])
		assert.Empty(t, p2.Texts())
		assert.Len(t, hooked, 3)
	})

	t.Run("no in router", func(t *testing.T) {
		a := newChat(t, actor.Options{PresenceScope: actor.PresenceNone})
		p1 := connect(t, a, "p1")

		a.HandleText(context.Background(), p1, `{"type":"chat.send","data":{"text":"hello"}}`)

		frames := decodeFrames(t, p1)
		require.Len(t, frames, 1)
		data := frames[0].Data.(map[string]any)
		assert.Equal(t, 503.0, data["status"])
		assert.Equal(t, "Service Unavailable", data["statusText"])
	})

	t.Run("rate limited frames are rejected", func(t *testing.T) {
		limiter := ratelimit.NewMapLimiter(0.001, 1, 0)
		a := actor.New(session.ObjectInfo{Name: "room", ID: "rl"}, actor.Options{
			In:            in,
			Out:           router.Router{"chat": router.Procedure().Handle(func(context.Context, router.Call) (any, error) { return nil, nil })},
			PresenceScope: actor.PresenceNone,
			RateLimit:     ratelimit.Composer{Checks: map[string]ratelimit.KeyFunc{"frames": ratelimit.ByParticipant}},
		}, actor.Deps{
			Logger: logging.Nop(),
			Env:    &router.Env{Limiters: map[string]router.RateLimiter{"frames": limiter}},
		})
		p1 := connect(t, a, "p1")

		a.HandleText(context.Background(), p1, `{"type":"chat.send","data":{"text":"1"}}`)
		a.HandleText(context.Background(), p1, `{"type":"chat.send","data":{"text":"2"}}`)

		frames := decodeFrames(t, p1)
		require.Len(t, frames, 1)
		assert.Equal(t, "Too Many Requests", frames[0].Data.(map[string]any)["statusText"])
	})
}

func TestHandleBinary(t *testing.T) {
	t.Parallel()

	var got []byte
	a := newChat(t, actor.Options{
		PresenceScope: actor.PresenceNone,
		OnBinary: func(_ context.Context, _ *actor.Actor, peer session.Peer, data []byte) error {
			got = data
			return nil
		},
	})
	p1 := connect(t, a, "p1")
	a.HandleBinary(context.Background(), p1, []byte{1, 2, 3})
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestAdmit(t *testing.T) {
	t.Parallel()

	t.Run("default admits a fresh participant", func(t *testing.T) {
		a := newChat(t, actor.Options{})
		adm, err := a.Admit(context.Background(), httptest.NewRequest("GET", "/", nil))
		require.NoError(t, err)
		assert.Len(t, adm.Participant.ID, 36)
	})

	t.Run("actor without socket routes refuses", func(t *testing.T) {
		a := actor.New(session.ObjectInfo{Name: "room", ID: "x"}, actor.Options{}, actor.Deps{Logger: logging.Nop()})
		_, err := a.Admit(context.Background(), httptest.NewRequest("GET", "/", nil))
		assert.True(t, errspkg.IsKind(err, errspkg.ServiceUnavailable))
	})

	t.Run("hook may reject", func(t *testing.T) {
		a := newChat(t, actor.Options{
			Admit: func(_ context.Context, _ *actor.Actor, req *http.Request) (actor.Admission, error) {
				if req.Header.Get("Authorization") == "" {
					return actor.Admission{}, errspkg.New(errspkg.Unauthorized, "token required")
				}
				return actor.Admission{Participant: session.Participant{ID: "alice"}}, nil
			},
		})
		_, err := a.Admit(context.Background(), httptest.NewRequest("GET", "/", nil))
		assert.True(t, errspkg.IsKind(err, errspkg.Unauthorized))

		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer x")
		adm, err := a.Admit(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "alice", adm.Participant.ID)
	})
}

func TestHandleRPC(t *testing.T) {
	t.Parallel()

	a := newChat(t, actor.Options{
		Router: router.Router{"count": router.Procedure().Handle(func(_ context.Context, c router.Call) (any, error) {
			self := c.Actor.(*actor.Actor)
			n, _ := self.Values["count"].(int)
			self.Values["count"] = n + 1
			return n + 1, nil
		})},
	})

	for i := 1; i <= 3; i++ {
		var got any
		err := a.Run(func() error {
			var err error
			got, err = a.HandleRPC(context.Background(), nil, []string{"count"}, nil)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, i, got)
	}

	_, err := a.HandleRPC(context.Background(), nil, []string{"missing"}, nil)
	assert.True(t, errspkg.IsKind(err, errspkg.NotFound))
}
