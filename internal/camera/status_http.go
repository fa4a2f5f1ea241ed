package camera

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/camkit/camlink/core/logx"
)

// StartStatusServer starts a local HTTP server exposing /status and /version
// as JSON. It returns the address it is listening on.
func StartStatusServer(ctx context.Context, addr string) (string, error) {
	r := chiRouter()
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(GetStatus())
	})
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(GetVersionInfo())
	})
	addrOut, err := serveLocal(ctx, "status", addr, r)
	if err != nil {
		return "", err
	}
	logx.Log.Info().Str("addr", addrOut).Msg("status server started")
	return addrOut, nil
}

func chiRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))
	return r
}

// serveLocal starts a diagnostics server bound to addr (port 0 allowed) and
// returns the resolved listen address. Once ctx is done the server drains
// within CloseBudget, the same grace the session's own teardown gets.
func serveLocal(ctx context.Context, name, addr string, handler http.Handler) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	srv := &http.Server{Handler: handler}
	go func() { _ = srv.Serve(ln) }()
	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.WithoutCancel(ctx), CloseBudget)
		defer cancel()
		_ = srv.Shutdown(c)
		logx.Log.Debug().Str("server", name).Msg("local server stopped")
	}()
	return ln.Addr().String(), nil
}
