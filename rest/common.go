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
	"errors"
	"net/http"
	"time"

	"github.com/nusalaunchd/nusalaunchd"
)

const (
	mimeJson = "application/json; charset=UTF-8"

	// PollEtagHeader and PollTimeHeader turn a conditional GET into a
	// long poll: the server holds the request for up to PollTimeHeader
	// seconds waiting for the resource to move past PollEtagHeader.
	PollEtagHeader = "X-Nusa-Poll-Etag"
	PollTimeHeader = "X-Nusa-Poll-Time"

	MaxPollTime = 300 * time.Second

	// DefaultSocket is where the daemon listens unless configured
	// otherwise.
	DefaultSocket = "/run/nusalaunchd/control.sock"
)

var ok = struct{}{}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// LogInfo is a page of log records with the etag they are current as of.
type LogInfo struct {
	Name    string                  `json:"name"`
	Etag    string                  `json:"-"`
	Records []nusalaunchd.LogRecord `json:"records"`
}

// statusOf maps engine errors onto HTTP status codes.
func statusOf(err error) int {
	var cyc *nusalaunchd.CyclicDependencyError
	var uns *nusalaunchd.UnsatisfiableDependencyError
	var rej *nusalaunchd.ComponentRejectedError
	var cfg *nusalaunchd.ConfigInvalidError
	switch {
	case errors.Is(err, nusalaunchd.ErrNoSuchJob):
		return http.StatusNotFound
	case errors.Is(err, nusalaunchd.ErrJobBusy):
		return http.StatusConflict
	case errors.Is(err, nusalaunchd.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, nusalaunchd.ErrJobFailed),
		errors.Is(err, nusalaunchd.ErrRestartLimit),
		errors.As(err, &cyc), errors.As(err, &uns), errors.As(err, &rej), errors.As(err, &cfg):
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadRequest
}
