// Package progressapi serves the tracker's live snapshot over HTTP so an
// external dashboard can watch a running factory_mode invocation. It is
// wired in only when --http-addr is set.
package progressapi

import (
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/rackscale/factoryflow/internal/tracker"
)

// Server exposes the progress tracker over HTTP.
type Server struct {
	app     *fiber.App
	tracker *tracker.Tracker
}

// New builds a Server backed by t.
func New(t *tracker.Tracker) *Server {
	s := &Server{app: fiber.New(), tracker: t}

	s.app.Get("/progress", s.getProgress)
	s.app.Get("/progress/:flow", s.getFlow)

	return s
}

// Listen blocks serving on addr.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) getProgress(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"flows": s.tracker.SnapshotAll()})
}

func (s *Server) getFlow(c fiber.Ctx) error {
	name := c.Params("flow")

	info := s.tracker.Snapshot(name)
	if info == nil {
		problem := problems.NewStatusProblem(404).
			WithInstance(c.Path()).
			WithType("flow_not_found").
			WithDetail("no flow named " + name)

		return c.Status(fiber.StatusNotFound).JSON(problem)
	}

	return c.JSON(info)
}
