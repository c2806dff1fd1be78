// Package actorflow hosts stateless procedures, stateful actors and
// background queues behind one HTTP surface.
//
// Procedures are trees of named handlers (Router) called over plain HTTP.
// Inputs are validated before the handler runs and results may be values,
// files or streams of server-sent events. Actors are addressed by class and
// id: each instance owns a private key space, serialises its handlers and
// fans messages out to the websocket sessions connected to it. DocFactory
// binds a shared last-writer-wins document to an actor class so clients can
// sync it over binary frames.
//
// Queues are backed by Watermill. Config.QueueSystem picks the broker
// (channel, kafka, rabbitmq, nats or aws) and RegisterQueue binds a producer
// into every call's Env while its Router consumes deliveries with retries and
// an optional poison topic.
//
// A minimal server fills Config, creates a Service, registers procedures,
// actors and queues and calls Start:
//
//	cfg := actorflow.DefaultConfig()
//	svc, err := actorflow.NewService(ctx, &cfg, logger, actorflow.ServiceDependencies{})
//	if err != nil {
//		return err
//	}
//	err = svc.RegisterProcedures(actorflow.Router{
//		"ping": actorflow.Procedure().Handle(func(context.Context, actorflow.Call) (any, error) {
//			return "pong", nil
//		}),
//	})
//	...
//	return svc.Start(ctx)
//
// The client sub-package calls procedures and keeps reconnecting websocket
// sessions open against a Service.
//
// # Job Hooks
//
// JobHooksMiddleware provides OnJobStart, OnJobDone and OnJobError callbacks
// around every queue delivery. LoggingHooks and AlertingHooks cover the
// common cases and Merge combines several.
package actorflow
