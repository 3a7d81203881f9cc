package web

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"chargepoint/pkg/generic"
)

type Server struct {
	*generic.Server
	controller Controller
	diskPath   string
}

func NewServer(router *gin.Engine, s *generic.Server, controller Controller, diskPath string) *Server {
	if s.Methods == nil {
		s.Methods = []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete}
	}
	s.Router = router
	server := &Server{
		Server:     s,
		controller: controller,
		diskPath:   diskPath,
	}
	server.InstallHandlers()
	return server
}

func (s *Server) InstallHandlers() {
	v1 := s.Router.Group("/api/v1")
	InstallHandler(v1, s.controller, s.diskPath)
}

// Serve starts listening and returns the shutdown function.
func (s *Server) Serve() (func(ctx context.Context), error) {
	var srv *http.Server
	if len(s.CertFile) != 0 && len(s.KeyFile) != 0 {
		x509KeyPair, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, err
		}
		c := &tls.Config{
			Certificates: []tls.Certificate{x509KeyPair},
		}

		srv = &http.Server{
			Addr:      fmt.Sprintf(":%s", s.Port),
			Handler:   s.Router,
			TLSConfig: c,
		}
		go func() {
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				klog.ErrorS(err, "HTTPS server stopped", "port", s.Port)
			}
		}()
	} else {
		srv = &http.Server{
			Addr:    fmt.Sprintf(":%s", s.Port),
			Handler: s.Router,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				klog.ErrorS(err, "HTTP server stopped", "port", s.Port)
			}
		}()
	}
	klog.V(1).InfoS("Serving local API", "port", s.Port, "tls", srv.TLSConfig != nil)

	return func(ctx context.Context) {
		srv.SetKeepAlivesEnabled(false)
		if err := srv.Shutdown(ctx); err != nil {
			klog.ErrorS(err, "Failed to shut down local API")
		}
	}, nil
}
