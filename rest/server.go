// Copyright 2026 The NusaLaunchd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/netutil"

	"github.com/nusalaunchd/nusalaunchd"
)

// Handler wraps a Manager, adding http.Handler functionality.
type Handler struct {
	m      *nusalaunchd.Manager
	r      *mux.Router
	users  map[string]string // user name to bcrypt hash
	logger zerolog.Logger
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, v interface{}, etag string) {
	b, err := json.Marshal(v)
	if err != nil {
		h.internalError(w, err)
		return
	}
	w.Header().Set("Content-Type", mimeJson)
	if etag != "" {
		w.Header().Set("Etag", etag)
	}
	w.Write(b)
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	if b, err := json.Marshal(e); err != nil {
		h.internalError(w, err)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(e.Code)
		w.Write(b)
	}
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	h.writeError(w, &Error{Code: statusOf(err), Message: err.Error()})
}

// pollParams extracts the long poll request, if any.
func pollParams(r *http.Request) (string, time.Duration) {
	etag := r.Header.Get(PollEtagHeader)
	secs, _ := strconv.Atoi(r.Header.Get(PollTimeHeader))
	if etag == "" || secs <= 0 {
		return "", 0
	}
	d := time.Duration(secs) * time.Second
	if d > MaxPollTime {
		d = MaxPollTime
	}
	return etag, d
}

func notModified(w http.ResponseWriter, r *http.Request, etag string) bool {
	if r.Header.Get("If-None-Match") == etag {
		w.Header().Set("Etag", etag)
		w.WriteHeader(http.StatusNotModified)
		return true
	}
	return false
}

func serialTag(n int64) string {
	return strconv.FormatInt(n, 10)
}

// waitSerial blocks while the manager's serial still matches the polled
// etag, up to the poll time or until the client goes away.
func (h *Handler) waitSerial(r *http.Request, match func() bool) {
	etag, wait := pollParams(r)
	if etag == "" {
		return
	}
	deadline := time.Now().Add(wait)
	for match() {
		left := time.Until(deadline)
		if left <= 0 || r.Context().Err() != nil {
			return
		}
		if left > time.Second {
			// Wake regularly to notice departed clients.
			left = time.Second
		}
		h.m.WatchSerial(h.m.Serial(), left)
	}
}

func (h *Handler) getInfo(w http.ResponseWriter, r *http.Request) {
	etag, _ := pollParams(r)
	h.waitSerial(r, func() bool { return serialTag(h.m.Serial()) == etag })
	info := h.m.GetInfo()
	tag := serialTag(info.Serial)
	if notModified(w, r, tag) {
		return
	}
	h.writeJson(w, info, tag)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	etag, _ := pollParams(r)
	h.waitSerial(r, func() bool { return serialTag(h.m.Serial()) == etag })
	jobs, serial := h.m.Jobs()
	tag := serialTag(serial)
	if notModified(w, r, tag) {
		return
	}
	h.writeJson(w, jobs, tag)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["job"]
	etag, _ := pollParams(r)
	h.waitSerial(r, func() bool {
		ji, err := h.m.Job(name)
		return err == nil && serialTag(ji.Serial) == etag
	})
	ji, err := h.m.Job(name)
	if err != nil {
		h.fail(w, err)
		return
	}
	tag := serialTag(ji.Serial)
	if notModified(w, r, tag) {
		return
	}
	h.writeJson(w, ji, tag)
}

type jobOp func(ctx context.Context, id string) (*nusalaunchd.JobInfo, error)

func (h *Handler) jobAction(op jobOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["job"]
		ji, err := op(r.Context(), name)
		if err != nil {
			h.fail(w, err)
			return
		}
		h.writeJson(w, ji, "")
	}
}

func (h *Handler) removeJob(w http.ResponseWriter, r *http.Request) {
	if err := h.m.Remove(r.Context(), mux.Vars(r)["job"]); err != nil {
		h.fail(w, err)
		return
	}
	h.writeJson(w, ok, "")
}

func (h *Handler) reloadAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.m.ReloadAll(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJson(w, report, "")
}

func (h *Handler) serveLog(w http.ResponseWriter, r *http.Request, name string, l *nusalaunchd.Log) {
	if etag, wait := pollParams(r); etag != "" {
		if last, err := strconv.ParseInt(etag, 10, 64); err == nil {
			l.Watch(last, wait)
		}
	}
	recs, id := l.Records(0)
	tag := serialTag(id)
	if notModified(w, r, tag) {
		return
	}
	h.writeJson(w, &LogInfo{Name: name, Records: recs}, tag)
}

func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	h.serveLog(w, r, "", h.m.Log())
}

func (h *Handler) getJobLog(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["job"]
	l, err := h.m.Output(name)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.serveLog(w, r, name, l)
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["job"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if _, err := h.m.Job(name); err != nil {
		h.fail(w, err)
		return
	}
	hist, err := h.m.History(name, limit)
	if err != nil {
		h.internalError(w, err)
		return
	}
	if hist == nil {
		hist = []nusalaunchd.JournalEntry{}
	}
	h.writeJson(w, hist, "")
}

// authenticate enforces HTTP basic auth when users are configured.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(h.users) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, found := r.BasicAuth()
		hash, known := h.users[user]
		if !found || !known || bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="nusalaunchd"`)
			h.writeError(w, &Error{Code: http.StatusUnauthorized, Message: "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

// NewHandler builds the control API router.  users maps user names to
// bcrypt password hashes; an empty map disables authentication.
func NewHandler(m *nusalaunchd.Manager, users map[string]string, logger zerolog.Logger) *Handler {
	r := mux.NewRouter()
	h := &Handler{m: m, r: r, users: users, logger: logger}
	r.Use(h.authenticate)
	r.HandleFunc("/", h.getInfo).Methods("GET")
	r.HandleFunc("/jobs", h.listJobs).Methods("GET")
	r.HandleFunc("/jobs/{job}", h.getJob).Methods("GET")
	r.HandleFunc("/jobs/{job}/start", h.jobAction(m.Start)).Methods("POST")
	r.HandleFunc("/jobs/{job}/stop", h.jobAction(m.Stop)).Methods("POST")
	r.HandleFunc("/jobs/{job}/restart", h.jobAction(m.Restart)).Methods("POST")
	r.HandleFunc("/jobs/{job}/reset", h.jobAction(m.Reset)).Methods("POST")
	r.HandleFunc("/jobs/{job}/reload", h.jobAction(m.Reload)).Methods("POST")
	r.HandleFunc("/jobs/{job}/remove", h.removeJob).Methods("POST")
	r.HandleFunc("/jobs/{job}/log", h.getJobLog).Methods("GET")
	r.HandleFunc("/jobs/{job}/history", h.getHistory).Methods("GET")
	r.HandleFunc("/reload", h.reloadAll).Methods("POST")
	r.HandleFunc("/log", h.getLog).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return h
}

// Server exposes a Handler on a unix domain socket.  It implements
// suture.Service.
type Server struct {
	Handler  http.Handler
	Path     string
	Mode     os.FileMode
	MaxConns int
	Logger   zerolog.Logger
}

func (s *Server) listen() (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return nil, err
	}
	if fi, err := os.Lstat(s.Path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, errors.New(s.Path + " exists and is not a socket")
		}
		os.Remove(s.Path)
	}
	l, err := net.Listen("unix", s.Path)
	if err != nil {
		return nil, err
	}
	if s.Mode != 0 {
		if err := os.Chmod(s.Path, s.Mode); err != nil {
			l.Close()
			return nil, err
		}
	}
	if s.MaxConns > 0 {
		l = netutil.LimitListener(l, s.MaxConns)
	}
	return l, nil
}

// Serve accepts control connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	l, err := s.listen()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(l)
	}()
	s.Logger.Info().Str("socket", s.Path).Msg("control API listening")
	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		<-errc
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

func (s *Server) String() string {
	return "control-api"
}
