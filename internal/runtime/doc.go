/*
Package runtime assembles an actorflow server.

A Service owns one HTTP surface and one queue router. Procedures, actor
classes and queues are registered on it before Start:

  - RegisterProcedures adds stateless RPC procedures.
  - RegisterActor adds an actor class, addressed as (name:id) or through the
    X-Actorflow-Object-* headers. Each instance gets its own scoped storage.
  - RegisterQueue binds a producer into the call Env and, with a router,
    consumes the topic with at-least-once delivery and a poison topic.

The queue backend is chosen by Config.QueueSystem from the transport
registry. Every consumer runs behind the watermill middleware chain from
DefaultMiddlewares; JobHooks observe deliveries.

When enabled, /metrics serves the Prometheus collectors and the web UI port
serves a Catalog of everything registered, with per-queue statistics.

# Sub-packages

  - actor/: actor instances, namespaces and presence
  - router/: procedure trees and the dispatcher
  - httpapi/: HTTP addressing and response shaping
  - queue/: producers, consumers and batching
  - crdt/: collaborative document sync
  - session/, storage/, ratelimit/: per-actor building blocks
  - codec/, validate/, errors/, logging/, config/, metrics/, ids/, metadata/

# Usage Example

	cfg, err := config.Load("actorflow.yaml")
	svc, err := runtime.NewService(ctx, &cfg, logger, runtime.ServiceDependencies{})
	svc.RegisterProcedures(router.Router{"ping": pingProcedure})
	svc.RegisterActor("room", roomFactory, nil)
	err = svc.Start(ctx)
*/
package runtime
