package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/drblury/actorflow/internal/runtime"
	"github.com/drblury/actorflow/internal/runtime/actor"
	"github.com/drblury/actorflow/internal/runtime/crdt"
	errspkg "github.com/drblury/actorflow/internal/runtime/errors"
	"github.com/drblury/actorflow/internal/runtime/jsoncodec"
	"github.com/drblury/actorflow/internal/runtime/logging"
	"github.com/drblury/actorflow/internal/runtime/router"
	"github.com/drblury/actorflow/internal/runtime/session"
	"github.com/drblury/actorflow/internal/runtime/validate"
)

const (
	historyKey   = "history"
	historyLimit = 50
	auditQueue   = "audit"
)

type sayInput struct {
	Text string `json:"text" validate:"required,max=2000"`
}

type chatLine struct {
	Room string    `json:"room"`
	From string    `json:"from"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

func registerDemo(svc *runtime.Service) error {
	if err := svc.RegisterProcedures(router.Router{
		"ping": router.Procedure().Handle(func(context.Context, router.Call) (any, error) {
			return "pong", nil
		}),
	}); err != nil {
		return err
	}

	log := svc.Logger
	if _, err := svc.RegisterQueue(runtime.QueueRegistration{
		Name: auditQueue,
		Router: router.Router{
			"chat": router.Router{
				"logged": router.Procedure().Input(validate.Any()).Handle(func(_ context.Context, c router.Call) (any, error) {
					log.Info("Chat line", logging.LogFields{"line": c.Input})
					return nil, nil
				}),
			},
		},
	}); err != nil {
		return err
	}

	if _, err := svc.RegisterActor("room", actor.Static(roomOptions()), nil); err != nil {
		return err
	}

	docs := crdt.DocOptions{
		Limits:  crdt.Limits{MaxBytes: svc.Conf.DocMaxBytes, MaxUpdates: svc.Conf.DocMaxUpdates},
		Logger:  log,
		Metrics: svc.Metrics(),
	}
	_, err := svc.RegisterActor("doc", crdt.DocFactory(actor.Options{Admit: admitParticipant}, docs), nil)
	return err
}

// admitParticipant reads the participant from the query string the client
// socket sends.
func admitParticipant(_ context.Context, _ *actor.Actor, r *http.Request) (actor.Admission, error) {
	var p session.Participant
	if raw := r.URL.Query().Get("participant"); raw != "" {
		if err := jsoncodec.Unmarshal([]byte(raw), &p); err != nil {
			return actor.Admission{}, errspkg.New(errspkg.BadRequest, "participant must be JSON")
		}
	}
	if p.ID == "" {
		return actor.Admission{}, errspkg.New(errspkg.Unauthorized, "participant id is required")
	}
	return actor.Admission{Participant: p}, nil
}

func roomOptions() actor.Options {
	return actor.Options{
		Admit: admitParticipant,
		Router: router.Router{
			"history": router.Procedure().Handle(func(ctx context.Context, c router.Call) (any, error) {
				return loadHistory(ctx, c.Actor.(*actor.Actor))
			}),
		},
		In: router.Router{
			"chat": router.Router{
				"say": router.Procedure().Input(validate.Struct[sayInput]()).Handle(
					router.Typed(func(ctx context.Context, c router.Call, in sayInput) (any, error) {
						a := c.Actor.(*actor.Actor)
						line := chatLine{Room: a.Info().ID, Text: in.Text, At: time.Now().UTC()}
						if c.Event.From != nil {
							line.From = c.Event.From.Session.Participant.ID
						}
						if err := appendHistory(ctx, a, line); err != nil {
							return nil, err
						}
						if q, ok := c.Event.Env.Queue(auditQueue); ok {
							if err := q.Send(ctx, "chat.logged", line); err != nil {
								a.Logger().Error("Audit enqueue failed", err, nil)
							}
						}
						_, err := a.Broadcast(ctx, "chat.said", line, actor.All())
						return nil, err
					})),
			},
		},
		Out: router.Router{
			"chat": router.Router{
				"said": router.Procedure().Input(validate.Any()).Handle(func(_ context.Context, c router.Call) (any, error) {
					return map[string]any{"recipients": len(c.Event.To)}, nil
				}),
			},
		},
	}
}

func loadHistory(ctx context.Context, a *actor.Actor) ([]chatLine, error) {
	raw, ok, err := a.Storage().Get(ctx, historyKey)
	if err != nil || !ok {
		return []chatLine{}, err
	}
	var lines []chatLine
	if err := jsoncodec.Unmarshal(raw, &lines); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return lines, nil
}

func appendHistory(ctx context.Context, a *actor.Actor, line chatLine) error {
	lines, err := loadHistory(ctx, a)
	if err != nil {
		return err
	}
	lines = append(lines, line)
	if len(lines) > historyLimit {
		lines = lines[len(lines)-historyLimit:]
	}
	raw, err := jsoncodec.Marshal(lines)
	if err != nil {
		return err
	}
	return a.Storage().Put(ctx, historyKey, raw)
}
