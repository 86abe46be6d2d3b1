// Copyright 2025 The sockbridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	assert.NotNil(t, EventsTotal)
	assert.NotNil(t, DeliveryDroppedTotal)
	assert.NotNil(t, PollersRunning)
	assert.NotNil(t, SupervisorRestartsTotal)
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(DeliveryDroppedTotal)
	DeliveryDroppedTotal.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(DeliveryDroppedTotal))

	data := EventsTotal.WithLabelValues("data")
	before = testutil.ToFloat64(data)
	data.Add(3)
	assert.Equal(t, before+3, testutil.ToFloat64(data))
}

func TestServe(t *testing.T) {
	// Reserve a port, then hand it to Serve.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	originalLogFatalf := logFatalf
	defer func() { logFatalf = originalLogFatalf }()

	serverErrChan := make(chan error, 1)
	logFatalf = func(format string, v ...interface{}) {
		serverErrChan <- fmt.Errorf(format, v...)
	}

	go Serve(addr)

	PollersRunning.Set(2)
	SupervisorRestartsTotal.WithLabelValues("test-actor").Inc()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + addr + "/metrics")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sockbridge_pollers_running 2")
	assert.Contains(t, string(body), "sockbridge_supervisor_restarts_total")

	select {
	case err := <-serverErrChan:
		t.Fatalf("server failed unexpectedly: %v", err)
	default:
	}
}
