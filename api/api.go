package api

import (
	"log"

	"github.com/gofiber/fiber/v2"
)

type APIServer struct {
	app           *fiber.App
	listenAddress string
}

// NewAPIServer builds the Fiber app. bodyLimit bounds request bodies so a
// too-large upload is rejected before it is buffered.
func NewAPIServer(listenAddress string, bodyLimit int64) *APIServer {
	return &APIServer{
		app: fiber.New(fiber.Config{
			BodyLimit: int(bodyLimit) + 1024*1024, // uploads plus multipart overhead
		}),
		listenAddress: listenAddress,
	}
}

func (s *APIServer) GetEngine() *fiber.App {
	return s.app
}

func (s *APIServer) Run() error {
	log.Println("Starting API Server")
	log.Printf("Listening on %s", s.listenAddress)

	return s.app.Listen(s.listenAddress)
}

func (s *APIServer) Shutdown() error {
	return s.app.Shutdown()
}
