// replication-manager - Replication Manager Monitoring and CLI for MariaDB and MySQL
// Copyright 2017-2021 SIGNAL18 CLOUD SAS
// Author: Stephane Varoqui  <svaroqui@gmail.com>
// License: GNU General Public License, version 3. Redistribution/Reuse of this code is permitted under the GNU v3 license, as an additional term ALL code must carry the original Author(s) credit in comment form.
// See LICENSE in this directory for the integral text.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	jwt "github.com/dgrijalva/jwt-go"
	"github.com/dgrijalva/jwt-go/request"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/codegangsta/negroni"

	"github.com/opsnexus/replmon/cluster"
)

// Router wires the §6.1 command vocabulary, trimmed from the teacher's
// full dashboard/gRPC/OIDC surface (server/api.go's apiserver()) down
// to exactly: switchover, failover, rejoin, reset-replication,
// release-locks, fetch-cmd-result, cancel-cmd, plus their async-
// twins, the login endpoint that issues the bearer token they all
// require, and a token-protected status endpoint.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/api/login", s.loginHandler).Methods(http.MethodPost)
	router.Handle("/api/status", s.protect(http.HandlerFunc(s.handlerStatus))).Methods(http.MethodGet)

	router.Handle("/api/actions/switchover", s.protect(http.HandlerFunc(s.handlerSwitchover(false)))).Methods(http.MethodPost)
	router.Handle("/api/actions/async-switchover", s.protect(http.HandlerFunc(s.handlerSwitchover(true)))).Methods(http.MethodPost)

	router.Handle("/api/actions/failover", s.protect(http.HandlerFunc(s.handlerFailover(false)))).Methods(http.MethodPost)
	router.Handle("/api/actions/async-failover", s.protect(http.HandlerFunc(s.handlerFailover(true)))).Methods(http.MethodPost)

	router.Handle("/api/actions/rejoin/{server}", s.protect(http.HandlerFunc(s.handlerRejoin(false)))).Methods(http.MethodPost)
	router.Handle("/api/actions/async-rejoin/{server}", s.protect(http.HandlerFunc(s.handlerRejoin(true)))).Methods(http.MethodPost)

	router.Handle("/api/actions/reset-replication", s.protect(http.HandlerFunc(s.handlerReset(false)))).Methods(http.MethodPost)
	router.Handle("/api/actions/async-reset-replication", s.protect(http.HandlerFunc(s.handlerReset(true)))).Methods(http.MethodPost)

	router.Handle("/api/actions/release-locks", s.protect(http.HandlerFunc(s.handlerReleaseLocks(false)))).Methods(http.MethodPost)
	router.Handle("/api/actions/async-release-locks", s.protect(http.HandlerFunc(s.handlerReleaseLocks(true)))).Methods(http.MethodPost)

	router.Handle("/api/actions/fetch-cmd-result", s.protect(http.HandlerFunc(s.handlerFetchCmdResult))).Methods(http.MethodGet)
	router.Handle("/api/actions/cancel-cmd", s.protect(http.HandlerFunc(s.handlerCancelCmd))).Methods(http.MethodPost)

	return router
}

// protect wraps h behind validateTokenMiddleware through negroni, the
// same composition server/api.go uses for every protected endpoint.
func (s *Server) protect(h http.Handler) http.Handler {
	return negroni.New(
		negroni.HandlerFunc(s.validateTokenMiddleware),
		negroni.Wrap(h),
	)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// loginHandler authenticates against the configured api-user/
// api-password and issues an RS256 JWT, grounded on server/api.go's
// loginHandler/initKeys pairing minus the OIDC callback path (a
// non-goal here: §1 excludes "Web/REST surface beyond the command
// vocabulary").
func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed login request")
		return
	}
	if req.Username != s.Conf.APIUser || req.Password != s.Conf.APIPassword {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	claims := jwt.MapClaims{
		"sub": req.Username,
		"exp": time.Now().Add(12 * time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.signKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not sign token")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: signed})
}

// validateTokenMiddleware implements server/api.go's isValidRequest as
// a negroni handler.
func (s *Server) validateTokenMiddleware(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	_, err := request.ParseFromRequest(r, request.AuthorizationHeaderExtractor, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.verifyKey, nil
	})
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
		return
	}
	next(w, r)
}

func (s *Server) handlerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Cluster.View.Snapshot())
}

func (s *Server) handlerSwitchover(async bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := cluster.CommandRequest{
			Kind:           cluster.CmdSwitchover,
			NewPrimary:     r.URL.Query().Get("newPrimary"),
			CurrentPrimary: r.URL.Query().Get("currentPrimary"),
		}
		s.runCommand(w, req, async, s.Conf.SwitchoverTimeout)
	}
}

func (s *Server) handlerFailover(async bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := cluster.CommandRequest{Kind: cluster.CmdFailover}
		s.runCommand(w, req, async, s.Conf.FailoverTimeout)
	}
}

func (s *Server) handlerRejoin(async bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := cluster.CommandRequest{Kind: cluster.CmdRejoin, Server: mux.Vars(r)["server"]}
		s.runCommand(w, req, async, s.Conf.SwitchoverTimeout)
	}
}

func (s *Server) handlerReset(async bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := cluster.CommandRequest{Kind: cluster.CmdResetReplication, Server: r.URL.Query().Get("primary")}
		s.runCommand(w, req, async, s.Conf.FailoverTimeout)
	}
}

func (s *Server) handlerReleaseLocks(async bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := cluster.CommandRequest{Kind: cluster.CmdReleaseLocks}
		s.runCommand(w, req, async, 5*time.Second)
	}
}

func (s *Server) handlerFetchCmdResult(w http.ResponseWriter, r *http.Request) {
	status, result := s.Cluster.FetchResult()
	writeJSON(w, http.StatusOK, fetchResultResponse{Status: status, Result: result})
}

func (s *Server) handlerCancelCmd(w http.ResponseWriter, r *http.Request) {
	ok := s.Cluster.CancelCommand()
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

type fetchResultResponse struct {
	Status cluster.OperationStatus `json:"status"`
	Result cluster.OperationResult `json:"result"`
}

// runCommand submits req to the monitor loop and either returns
// immediately once it is accepted (async) or polls fetch-cmd-result
// until the operation reaches Done or budget elapses (synchronous),
// per §6.1's "exit conditions per command".
func (s *Server) runCommand(w http.ResponseWriter, req cluster.CommandRequest, async bool, budget time.Duration) {
	ack, err := s.Cluster.SubmitCommand(req, s.dispatchWait())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !ack.Scheduled {
		writeError(w, http.StatusConflict, ack.Error)
		return
	}
	if async {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled", "id": ack.ID})
		return
	}

	deadline := time.Now().Add(budget)
	for {
		status, result := s.Cluster.FetchResult()
		if status == cluster.StatusDone {
			writeJSON(w, http.StatusOK, fetchResultResponse{Status: status, Result: result})
			return
		}
		if time.Now().After(deadline) {
			writeJSON(w, http.StatusAccepted, fetchResultResponse{Status: status, Result: result})
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// dispatchWait bounds how long the HTTP handler waits for the monitor
// loop to accept/reject a command, a small multiple of the tick
// interval so a command is never rejected just because it arrived
// between ticks.
func (s *Server) dispatchWait() time.Duration {
	interval := s.Conf.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	wait := interval * 3
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("write json response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
