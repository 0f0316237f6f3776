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

// Package nusalaunchd supervises long running processes on Linux, in the
// spirit of launchd.
//
// Jobs are declared in YAML or TOML files, one per file.  A job names a
// command, the jobs it depends on, a restart policy, and optionally a set
// of sockets.  Jobs with sockets are started on demand: the supervisor
// binds the sockets itself, and launches the job on the first connection,
// handing the open descriptors over with the LISTEN_FDS protocol.
//
// All state lives in a Manager, and is only ever modified by the
// Manager's control loop.  The reaper, timers, socket watchers and
// control requests post events to that loop; readers see immutable
// JobInfo snapshots, along with a serial number that doubles as an etag
// for long polling clients.
//
// The rest package exposes a Manager over HTTP on a unix socket, and the
// nusalaunchd and nusaload commands are the daemon and its client.
package nusalaunchd
