// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marlinproj/marlin/ci"
	"github.com/marlinproj/marlin/helper/testlog"
	"github.com/marlinproj/marlin/helper/uuid"
	"github.com/marlinproj/marlin/marlin/structs"
	"github.com/marlinproj/marlin/mds"
	"github.com/marlinproj/marlin/supervisor"
	"github.com/marlinproj/marlin/testutil"
)

// testHTTPServer stands up the introspection surface over a supervisor
// backed by the in-memory gateway, on an ephemeral port.
func testHTTPServer(t *testing.T) (*HTTPServer, *supervisor.Supervisor, *mds.Inmem) {
	logger := testlog.HCLogger(t)
	m := mds.NewInmem(logger)

	supConf := supervisor.DefaultConfig()
	supConf.UUID = uuid.Generate()
	supConf.FindInterval = 10 * time.Millisecond
	supConf.TickInterval = 10 * time.Millisecond
	sup, err := supervisor.New(supConf, logger, m)
	require.NoError(t, err)
	t.Cleanup(sup.Stop)

	conf := DefaultConfig()
	conf.Ports.HTTP = 0
	a := &Agent{config: conf, logger: logger, gateway: m, supervisor: sup}

	srv, err := NewHTTPServer(a, conf, logger)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv, sup, m
}

func httpGet(t *testing.T, srv *HTTPServer, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://%s%s", srv.Addr, path))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestHTTP_Worker(t *testing.T) {
	ci.Parallel(t)
	srv, sup, _ := testHTTPServer(t)
	sup.Start()

	code, body := httpGet(t, srv, "/v1/introspect/worker")
	require.Equal(t, http.StatusOK, code)

	var worker supervisor.WorkerSnapshot
	require.NoError(t, json.Unmarshal(body, &worker))
	require.NotEmpty(t, worker.UUID)
	require.Equal(t, 0, worker.NumJobs)
}

func TestHTTP_Jobs(t *testing.T) {
	ci.Parallel(t)
	srv, sup, m := testHTTPServer(t)

	m.SetLocations("k1", "hostA")
	require.NoError(t, m.PutJob(&structs.JobRecord{
		JobID:     "job-1",
		Phases:    []structs.Phase{json.RawMessage(`{"exec":"grep foo"}`)},
		InputKeys: []string{"k1"},
		State:     structs.JobStateUnassigned,
		Mtime:     time.Now().UTC(),
	}))
	sup.Start()

	// Wait for the supervisor to own and plan the job; no agents, so it
	// parks there.
	testutil.WaitForResult(func() (bool, error) {
		_, ok := sup.JobSnapshot("job-1")
		if !ok {
			return false, fmt.Errorf("job not tracked yet")
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})

	code, body := httpGet(t, srv, "/v1/introspect/jobs")
	require.Equal(t, http.StatusOK, code)
	var jobs map[string]*supervisor.JobSnapshot
	require.NoError(t, json.Unmarshal(body, &jobs))
	require.Contains(t, jobs, "job-1")

	code, body = httpGet(t, srv, "/v1/introspect/jobs/job-1")
	require.Equal(t, http.StatusOK, code)
	var job supervisor.JobSnapshot
	require.NoError(t, json.Unmarshal(body, &job))
	require.Equal(t, "job-1", job.JobID)

	code, _ = httpGet(t, srv, "/v1/introspect/jobs/job-unknown")
	require.Equal(t, http.StatusNotFound, code)
}

func TestHTTP_MethodNotAllowed(t *testing.T) {
	ci.Parallel(t)
	srv, _, _ := testHTTPServer(t)

	resp, err := http.Post(fmt.Sprintf("http://%s/v1/introspect/worker", srv.Addr),
		"application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
