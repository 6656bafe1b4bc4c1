package oauth

import (
	"fmt"
	"net/http"

	"github.com/modelgate/oauth/security"
	"github.com/modelgate/oauth/server"
	"github.com/modelgate/oauth/storage/memory"
)

// Service bundles the in-memory storage, the protocol server, and the HTTP
// handler into one ready-to-mount unit. Applications that bring their own
// storage should assemble server.New and NewHandler directly instead.
type Service struct {
	Store   *memory.Store
	Server  *server.Server
	Handler *Handler
}

// NewService assembles a complete authorization server backed by in-memory
// storage. The caller must supply a PrincipalResolver; everything else has
// working defaults.
func NewService(config Config) (*Service, error) {
	if config.Principals == nil {
		return nil, fmt.Errorf("principal resolver is required")
	}
	config.applyDefaults()

	store := memory.New()
	store.SetLogger(config.Logger)
	if config.Instrumentation != nil {
		store.SetInstrumentation(config.Instrumentation)
	}

	srv, err := server.New(server.Options{
		ClientStore:     store,
		FlowStore:       store,
		TokenStore:      store,
		Config:          config.Server,
		Logger:          config.Logger,
		Instrumentation: config.Instrumentation,
	})
	if err != nil {
		store.Stop()
		return nil, err
	}

	return &Service{
		Store:   store,
		Server:  srv,
		Handler: NewHandler(srv, config),
	}, nil
}

// Routes registers all endpoints on the mux, wrapped with request ID
// propagation.
func (s *Service) Routes() http.Handler {
	mux := http.NewServeMux()
	s.Handler.Routes(mux)
	return security.RequestIDMiddleware(mux)
}

// Close stops background goroutines held by the service
func (s *Service) Close() {
	s.Handler.Close()
	s.Store.Stop()
}
