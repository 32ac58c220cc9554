package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/dominikwerder/daqingest/pkg/log"
)

// newAdminServer builds the admin HTTP boundary's http.Server, matching
// cc-backend/cmd/cc-backend/main.go's ReadTimeout/WriteTimeout choice.
func newAdminServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// serveAdmin binds addr and serves srv until the process shuts it down,
// the same listen-then-serve split cc-backend uses so DropPrivileges can
// run between bind and serve when a privileged port is in play.
func serveAdmin(srv *http.Server, done chan<- error) {
	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		done <- err
		return
	}
	log.Infof("admin: listening at %s", srv.Addr)
	err = srv.Serve(listener)
	if err == http.ErrServerClosed {
		err = nil
	}
	done <- err
}

// shutdownAdmin gives in-flight admin requests up to 10s to finish before
// the listener is forcibly closed.
func shutdownAdmin(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnf("admin: shutdown: %v", err)
	}
}
