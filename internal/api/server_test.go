package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"codeberg.org/mkrell/psumon/internal/history"
	"codeberg.org/mkrell/psumon/internal/psu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	average []history.TimedValue
	maximum []history.TimedValue
	status  psu.Status
}

func (s *fakeSource) AverageHistory() []history.TimedValue { return s.average }
func (s *fakeSource) MaximumHistory() []history.TimedValue { return s.maximum }
func (s *fakeSource) Status() psu.Status                   { return s.status }

func newTestServer(t *testing.T) (*httptest.Server, *fakeSource) {
	t.Helper()

	src := &fakeSource{
		average: []history.TimedValue{
			{Timestamp: 2000, Value: 210},
			{Timestamp: 1000, Value: 200},
		},
		maximum: []history.TimedValue{
			{Timestamp: 2000, Value: 260},
			{Timestamp: 1000, Value: 250},
		},
		status: psu.Status{
			Name:           "psu0",
			Present:        true,
			RecordCount:    2,
			LastSequenceID: 7,
		},
	}

	srv := NewServer("127.0.0.1:0", src)
	ts := httptest.NewServer(srv.httpSrv.Handler)
	t.Cleanup(ts.Close)

	return ts, src
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestHistoryEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	var avg struct {
		Records []history.TimedValue `json:"records"`
	}
	getJSON(t, ts.URL+"/api/v1/history/average", &avg)
	require.Len(t, avg.Records, 2)
	assert.Equal(t, int64(210), avg.Records[0].Value, "series must be newest first")
	assert.Equal(t, int64(2000), avg.Records[0].Timestamp)

	var max struct {
		Records []history.TimedValue `json:"records"`
	}
	getJSON(t, ts.URL+"/api/v1/history/maximum", &max)
	require.Len(t, max.Records, 2)
	assert.Equal(t, int64(260), max.Records[0].Value)
}

func TestStatusEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	var status psu.Status
	getJSON(t, ts.URL+"/api/v1/status", &status)
	assert.Equal(t, "psu0", status.Name)
	assert.True(t, status.Present)
	assert.Equal(t, 2, status.RecordCount)
	assert.Equal(t, 7, status.LastSequenceID)
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	ObserveSample(&psu.Snapshot{
		SequenceID:   7,
		AverageWatts: 210,
		MaximumWatts: 260,
		RecordCount:  2,
	})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
