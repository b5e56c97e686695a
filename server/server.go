// replication-manager - Replication Manager Monitoring and CLI for MariaDB and MySQL
// Copyright 2017-2021 SIGNAL18 CLOUD SAS
// Author: Guillaume Lefranc <guillaume@signal18.io>
// License: GNU General Public License, version 3. Redistribution/Reuse of this code is permitted under the GNU v3 license, as an additional term ALL code must carry the original Author(s) credit in comment form.
// See LICENSE in this directory for the integral text.

// Package server drives the monitor loop and exposes the §6.1 command
// vocabulary over HTTP, grounded on server/server.go's Run() ticker
// loop and server/api.go's gorilla/mux + negroni + jwt-go stack,
// trimmed to that vocabulary (no dashboard, gRPC, or OIDC surface).
package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"log/syslog"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	lSyslog "github.com/sirupsen/logrus/hooks/syslog"

	"github.com/opsnexus/replmon/cluster"
	"github.com/opsnexus/replmon/config"
)

// Server owns one Cluster's monitor loop and its HTTP command surface.
type Server struct {
	Cluster *cluster.Cluster
	Conf    config.Config

	httpServer *http.Server

	signKey   *rsa.PrivateKey
	verifyKey *rsa.PublicKey
}

// NewServer builds a Server around an already-constructed Cluster.
func NewServer(c *cluster.Cluster, conf config.Config) *Server {
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	if conf.LogSyslog {
		if hook, err := lSyslog.NewSyslogHook("udp", "localhost:514", syslog.LOG_INFO, ""); err == nil {
			log.AddHook(hook)
		}
	}
	return &Server{Cluster: c, Conf: conf}
}

// initKeys generates an ephemeral RSA keypair to sign command-endpoint
// JWTs, the same approach server/api.go's initKeys takes for its
// self-signed deployment mode (no external identity provider
// required to exercise the §6.1 vocabulary).
func (s *Server) initKeys() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate JWT signing key: %w", err)
	}
	s.signKey = key
	s.verifyKey = &key.PublicKey
	return nil
}

// Run starts the monitor tick loop and the HTTP command server; it
// blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.initKeys(); err != nil {
		return err
	}

	interval := s.Conf.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	go s.tickLoop(ctx, interval)

	addr := s.Conf.APIBind + ":" + s.Conf.APIPort
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	log.WithField("cluster", s.Cluster.Name).Infof("starting command API on %s", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// tickLoop is C8 (Tick) driven on a fixed interval, mirroring
// server/server.go's `for repman.exit == false { ...; time.Sleep(...) }`
// monitor loop, generalized to the documented "fast tick" request: the
// engine scheduling or running an operation shortens the next sleep so
// multi-phase operations advance promptly.
func (s *Server) tickLoop(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.Cluster.Tick(ctx, time.Now())

		sleep := interval
		if s.Cluster.Engine.HasScheduledOrRunning() {
			sleep = interval / 4
			if sleep <= 0 {
				sleep = interval
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}
