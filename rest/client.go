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
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/nusalaunchd/nusalaunchd"
)

// Client talks to the control API of a running daemon.  It caches the
// last value and etag of every resource it has fetched, so that watches
// only return when something actually changed.
type Client struct {
	user   string // HTTP Basic-Auth
	pass   string
	base   string // URI to root of tree on server
	auth   bool
	client *http.Client

	// Cached data
	info *nusalaunchd.ManagerInfo
	itag string
	jobs []*nusalaunchd.JobInfo
	jtag string
	job  map[string]*nusalaunchd.JobInfo
	logs map[string]*LogInfo
	lock sync.Mutex
}

func (c *Client) SetAuth(user string, pass string) {
	c.user = user
	c.pass = pass
	c.auth = true
}

func (c *Client) url(name string) string {
	if name == "" {
		return c.base + "/jobs"
	}
	return c.base + "/jobs/" + url.PathEscape(name)
}

// errorOf converts a non-OK response into an *Error, preferring the
// message the server sent.
func errorOf(res *http.Response) error {
	e := &Error{}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64*1024))
	if json.Unmarshal(body, e) != nil || e.Message == "" {
		e.Message = res.Status
	}
	e.Code = res.StatusCode
	return e
}

// poll issues an HTTP GET against the URL, optionally checking for a cache,
// including optionally issuing a long poll that tries to wait until the
// value changes.  The return values are the new Etag and any error.  If the
// value did not change, then the returned etag will be "", but the error will
// be nil.
func (c *Client) poll(ctx context.Context, url string, etag string, wait time.Duration, v interface{}) (string, error) {
	req, e := http.NewRequestWithContext(ctx, "GET", url, nil)
	if e != nil {
		return "", e
	}
	if c.auth {
		req.SetBasicAuth(c.user, c.pass)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
		if wait > 0 {
			req.Header.Set(PollEtagHeader, etag)
			req.Header.Set(PollTimeHeader, strconv.Itoa(int(wait/time.Second)))
		}
	}
	res, e := c.client.Do(req)
	if e != nil {
		return "", e
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotModified {
		return "", nil
	}
	if res.StatusCode != http.StatusOK {
		return "", errorOf(res)
	}
	if e := json.NewDecoder(res.Body).Decode(v); e != nil {
		return "", e
	}
	return res.Header.Get("Etag"), nil
}

func (c *Client) post(ctx context.Context, url string, v interface{}) error {
	req, e := http.NewRequestWithContext(ctx, "POST", url, nil)
	if e != nil {
		return e
	}
	if c.auth {
		req.SetBasicAuth(c.user, c.pass)
	}
	res, e := c.client.Do(req)
	if e != nil {
		return e
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return errorOf(res)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(v)
}

func (c *Client) pollInfo(ctx context.Context, wait time.Duration) (*nusalaunchd.ManagerInfo, error) {
	c.lock.Lock()
	otag, old := c.itag, c.info
	c.lock.Unlock()

	v := &nusalaunchd.ManagerInfo{}
	etag, e := c.poll(ctx, c.base+"/", otag, wait, v)
	if e != nil {
		return nil, e
	}
	if etag == "" && old != nil {
		return old, nil
	}
	c.lock.Lock()
	c.info, c.itag = v, etag
	c.lock.Unlock()
	return v, nil
}

// Info returns the daemon summary.
func (c *Client) Info(ctx context.Context) (*nusalaunchd.ManagerInfo, error) {
	return c.pollInfo(ctx, 0)
}

// Watch waits for anything in the daemon to change, and returns the
// new summary.
func (c *Client) Watch(ctx context.Context) (*nusalaunchd.ManagerInfo, error) {
	return c.pollInfo(ctx, MaxPollTime)
}

func (c *Client) pollJobs(ctx context.Context, wait time.Duration) ([]*nusalaunchd.JobInfo, error) {
	c.lock.Lock()
	otag, old := c.jtag, c.jobs
	c.lock.Unlock()

	v := []*nusalaunchd.JobInfo{}
	etag, e := c.poll(ctx, c.url(""), otag, wait, &v)
	if e != nil {
		return nil, e
	}
	if etag == "" && old != nil {
		return old, nil
	}
	c.lock.Lock()
	c.jobs, c.jtag = v, etag
	for _, ji := range v {
		c.job[ji.ID] = ji
	}
	c.lock.Unlock()
	return v, nil
}

// Jobs returns every job, sorted by id.
func (c *Client) Jobs(ctx context.Context) ([]*nusalaunchd.JobInfo, error) {
	return c.pollJobs(ctx, 0)
}

// WatchJobs waits for any job to change, and returns the new list.
func (c *Client) WatchJobs(ctx context.Context) ([]*nusalaunchd.JobInfo, error) {
	return c.pollJobs(ctx, MaxPollTime)
}

func (c *Client) pollJob(ctx context.Context, name string, wait time.Duration, last *nusalaunchd.JobInfo) (*nusalaunchd.JobInfo, error) {
	c.lock.Lock()
	cached := c.job[name]
	c.lock.Unlock()

	otag := ""
	if last == nil {
		wait = 0
	} else if cached != nil && cached.Serial != last.Serial {
		// The cache is already newer than what the caller has seen.
		return cached, nil
	} else {
		otag = strconv.FormatInt(last.Serial, 10)
	}

	v := &nusalaunchd.JobInfo{}
	etag, e := c.poll(ctx, c.url(name), otag, wait, v)
	if e != nil {
		c.lock.Lock()
		delete(c.job, name)
		c.lock.Unlock()
		return nil, e
	}
	if etag == "" {
		return last, nil
	}
	c.lock.Lock()
	c.job[name] = v
	c.lock.Unlock()
	return v, nil
}

// Job returns the current state of one job.
func (c *Client) Job(ctx context.Context, name string) (*nusalaunchd.JobInfo, error) {
	return c.pollJob(ctx, name, 0, nil)
}

// WatchJob waits for a job to move past last.
func (c *Client) WatchJob(ctx context.Context, name string, last *nusalaunchd.JobInfo) (*nusalaunchd.JobInfo, error) {
	return c.pollJob(ctx, name, MaxPollTime, last)
}

func (c *Client) jobAction(ctx context.Context, name string, action string) (*nusalaunchd.JobInfo, error) {
	v := &nusalaunchd.JobInfo{}
	if e := c.post(ctx, c.url(name)+"/"+action, v); e != nil {
		return nil, e
	}
	c.lock.Lock()
	c.job[name] = v
	c.lock.Unlock()
	return v, nil
}

func (c *Client) Start(ctx context.Context, name string) (*nusalaunchd.JobInfo, error) {
	return c.jobAction(ctx, name, "start")
}

func (c *Client) Stop(ctx context.Context, name string) (*nusalaunchd.JobInfo, error) {
	return c.jobAction(ctx, name, "stop")
}

func (c *Client) Restart(ctx context.Context, name string) (*nusalaunchd.JobInfo, error) {
	return c.jobAction(ctx, name, "restart")
}

func (c *Client) Reset(ctx context.Context, name string) (*nusalaunchd.JobInfo, error) {
	return c.jobAction(ctx, name, "reset")
}

func (c *Client) Reload(ctx context.Context, name string) (*nusalaunchd.JobInfo, error) {
	return c.jobAction(ctx, name, "reload")
}

func (c *Client) Remove(ctx context.Context, name string) error {
	if e := c.post(ctx, c.url(name)+"/remove", nil); e != nil {
		return e
	}
	c.lock.Lock()
	delete(c.job, name)
	delete(c.logs, name)
	c.lock.Unlock()
	return nil
}

// ReloadAll asks the daemon to rescan its job directory.
func (c *Client) ReloadAll(ctx context.Context) (*nusalaunchd.ReloadReport, error) {
	v := &nusalaunchd.ReloadReport{}
	if e := c.post(ctx, c.base+"/reload", v); e != nil {
		return nil, e
	}
	return v, nil
}

// History returns up to limit journaled transitions of a job, oldest
// first.
func (c *Client) History(ctx context.Context, name string, limit int) ([]nusalaunchd.JournalEntry, error) {
	v := []nusalaunchd.JournalEntry{}
	u := c.url(name) + "/history"
	if limit > 0 {
		u += "?limit=" + strconv.Itoa(limit)
	}
	if _, e := c.poll(ctx, u, "", 0, &v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) pollLog(ctx context.Context, name string, wait time.Duration, last *LogInfo) (*LogInfo, error) {
	c.lock.Lock()
	cached := c.logs[name]
	c.lock.Unlock()

	otag := ""
	if last == nil {
		wait = 0
	} else if cached != nil && cached.Etag != last.Etag {
		return cached, nil
	} else {
		otag = last.Etag
	}

	u := c.url(name) + "/log"
	if name == "" {
		u = c.base + "/log"
	}
	v := &LogInfo{}
	etag, e := c.poll(ctx, u, otag, wait, v)
	if e != nil {
		c.lock.Lock()
		delete(c.logs, name)
		c.lock.Unlock()
		return nil, e
	}
	if etag == "" {
		return last, nil
	}
	v.Etag = etag
	c.lock.Lock()
	c.logs[name] = v
	c.lock.Unlock()
	return v, nil
}

// Log returns a log.  The empty name is the daemon's own transition
// log; any other name is the captured output of that job.
func (c *Client) Log(ctx context.Context, name string) (*LogInfo, error) {
	return c.pollLog(ctx, name, 0, nil)
}

// WatchLog waits for records to be added past last.
func (c *Client) WatchLog(ctx context.Context, name string, last *LogInfo) (*LogInfo, error) {
	return c.pollLog(ctx, name, MaxPollTime, last)
}

// NewClient returns a Client handle.  The transport may be nil to use
// a default transport, in which case baseURI is an ordinary URL.
func NewClient(t *http.Transport, baseURI string) *Client {
	if t == nil {
		t = &http.Transport{}
	}
	return &Client{
		base:   baseURI,
		client: &http.Client{Transport: t},
		job:    make(map[string]*nusalaunchd.JobInfo),
		logs:   make(map[string]*LogInfo),
	}
}

// NewSocketClient returns a Client for the daemon listening on the unix
// socket at path.
func NewSocketClient(path string) *Client {
	d := &net.Dialer{Timeout: 5 * time.Second}
	t := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return d.DialContext(ctx, "unix", path)
		},
		MaxIdleConns: 4,
	}
	return NewClient(t, "http://nusalaunchd")
}
