package runtime

import (
	"net/http"
	"sort"
	"strings"

	"github.com/drblury/actorflow/internal/runtime/jsoncodec"
	"github.com/drblury/actorflow/internal/runtime/router"
	"github.com/drblury/actorflow/internal/runtime/session"
)

// IntrospectionPath serves the Catalog on the web UI port.
const IntrospectionPath = "/api/procedures"

// Catalog lists everything a running service exposes.
type Catalog struct {
	Procedures []string       `json:"procedures"`
	Actors     []ActorCatalog `json:"actors"`
	Queues     []QueueCatalog `json:"queues"`
	Process    ProcessUsage   `json:"process"`
}

// ActorCatalog describes one actor class.
type ActorCatalog struct {
	Name       string   `json:"name"`
	Instances  []string `json:"instances"`
	Procedures []string `json:"procedures"`
	In         []string `json:"in"`
	Out        []string `json:"out"`
}

// QueueCatalog describes one queue and its consumer statistics.
type QueueCatalog struct {
	QueueSnapshot
	Procedures []string `json:"procedures"`
}

// StartWebUIServer mounts the introspection endpoint when enabled.
func (s *Service) StartWebUIServer() {
	if !s.Conf.WebUIEnabled {
		return
	}

	port := s.Conf.WebUIPort
	if port == 0 {
		port = 8081
	}

	s.RegisterHTTPHandler(port, IntrospectionPath, http.HandlerFunc(s.handleGetCatalog))
}

// Catalog snapshots the registered procedures, actors and queues.
func (s *Service) Catalog() Catalog {
	s.mu.Lock()
	if s.sampler == nil {
		s.sampler = newProcessSampler()
	}
	sampler := s.sampler
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	c := Catalog{
		Procedures: router.Paths(s.procedures),
		Actors:     make([]ActorCatalog, 0, len(s.actors)),
		Queues:     make([]QueueCatalog, 0, len(s.queues)),
		Process:    sampler.Sample(),
	}
	for name, entry := range s.actors {
		opts := entry.factory(session.ObjectInfo{Name: name})
		c.Actors = append(c.Actors, ActorCatalog{
			Name:       name,
			Instances:  entry.ns.IDs(),
			Procedures: router.Paths(opts.Router),
			In:         router.Paths(opts.In),
			Out:        router.Paths(opts.Out),
		})
	}
	for _, entry := range s.queues {
		c.Queues = append(c.Queues, QueueCatalog{
			QueueSnapshot: entry.stats.Snapshot(),
			Procedures:    router.Paths(entry.router),
		})
	}
	sort.Slice(c.Actors, func(i, j int) bool { return c.Actors[i].Name < c.Actors[j].Name })
	sort.Slice(c.Queues, func(i, j int) bool { return c.Queues[i].Name < c.Queues[j].Name })
	return c
}

func (s *Service) handleGetCatalog(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if origin := s.allowedCORSOrigin(r.Header.Get("Origin")); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := jsoncodec.Encode(w, s.Catalog()); err != nil {
		s.Logger.Error("Failed to encode catalog", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func (s *Service) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.AllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
