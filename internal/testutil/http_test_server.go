// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
)

// IPv4Server is an HTTP server on 127.0.0.1. Unlike httptest.Server it never
// binds [::1], which some CI sandboxes refuse.
type IPv4Server struct {
	URL       string
	server    *http.Server
	transport *http.Transport
	client    *http.Client
}

// NewIPv4Server starts handler on an ephemeral IPv4 loopback port and stops
// it when the test ends. The test is skipped when tcp4 is unavailable.
func NewIPv4Server(t *testing.T, handler http.Handler) *IPv4Server {
	t.Helper()
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: tcp4 loopback unavailable (%v)", err)
	}
	transport := &http.Transport{}
	s := &IPv4Server{
		URL:       "http://" + l.Addr().String(),
		server:    &http.Server{Handler: handler},
		transport: transport,
		client:    &http.Client{Transport: transport},
	}
	go func() {
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("IPv4Server serve error: %v", err)
		}
	}()
	t.Cleanup(s.Close)
	return s
}

// Client returns a client whose idle connections are released on Close.
func (s *IPv4Server) Client() *http.Client {
	return s.client
}

// Close shuts the server down. It is safe to call more than once.
func (s *IPv4Server) Close() {
	s.transport.CloseIdleConnections()
	_ = s.server.Shutdown(context.Background())
}
