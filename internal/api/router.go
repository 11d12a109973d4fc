// Package api is the authenticated HTTP surface of the core. Mutations go
// through the same services and delivery pipeline as WebSocket actions, so
// connected clients see the same events either way.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/emberapp/matchcore/internal/auth"
	"github.com/emberapp/matchcore/internal/block"
	"github.com/emberapp/matchcore/internal/delivery"
	"github.com/emberapp/matchcore/internal/discovery"
	"github.com/emberapp/matchcore/internal/logging"
	"github.com/emberapp/matchcore/internal/ratelimit"
	"github.com/emberapp/matchcore/internal/swipe"
)

// Services are the handlers' dependencies.
type Services struct {
	Auth      auth.Authenticator
	Discovery *discovery.Service
	Swipes    *swipe.Service
	Blocks    *block.Gate
	Pipeline  *delivery.Pipeline
	// Limiter throttles swipes and HTTP sends; nil disables it.
	Limiter     ratelimit.Checker
	SwipeRule   ratelimit.Rule
	MessageRule ratelimit.Rule
}

// Options tune the router.
type Options struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
}

// NewRouter constructs the /v1 router.
func NewRouter(svc Services, opts Options, log *zap.SugaredLogger) http.Handler {
	log = logging.OrNop(log).Named("api")
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	h := &handlers{svc: svc, log: log}

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware(svc.Auth))

		r.Get("/discover", h.discover)

		r.Route("/swipes", func(r chi.Router) {
			r.Post("/", h.recordSwipe)
			r.Post("/undo", h.undoSwipe)
		})

		r.Route("/matches", func(r chi.Router) {
			r.Get("/", h.listMatches)
			r.Post("/{matchID}/unmatch", h.unmatch)
		})

		r.Route("/blocks", func(r chi.Router) {
			r.Post("/", h.block)
			r.Delete("/{userID}", h.unblock)
			r.Get("/{userID}/status", h.blockStatus)
		})

		r.Route("/chats", func(r chi.Router) {
			r.Get("/", h.listChats)
			r.Get("/{chatID}/messages", h.listMessages)
			r.Post("/{chatID}/messages", h.sendMessage)
			r.Post("/{chatID}/read", h.markChatRead)
		})

		r.Route("/messages/{messageID}", func(r chi.Router) {
			r.Post("/read", h.markRead)
			r.Post("/delivered", h.markDelivered)
			r.Patch("/", h.editMessage)
			r.Delete("/", h.deleteMessage)
			r.Put("/reaction", h.react)
			r.Delete("/reaction", h.unreact)
			r.Post("/reveal", h.reveal)
		})
	})

	return r
}

type handlers struct {
	svc Services
	log *zap.SugaredLogger
}
