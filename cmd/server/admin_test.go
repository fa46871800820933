package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alitto/pond/v2"

	"voxellight.ai/internal/chunkstore"
	"voxellight.ai/internal/chunkstore/memstore"
	"voxellight.ai/internal/light"
	"voxellight.ai/internal/lighting"
	"voxellight.ai/internal/protocol"
	"voxellight.ai/internal/scheduler"
	"voxellight.ai/internal/transport/status"
)

func newTestAdmin(t *testing.T) (*adminAPI, *http.ServeMux) {
	t.Helper()
	pool := pond.NewPool(2)
	t.Cleanup(pool.StopAndWait)
	gen := chunkstore.DefaultGenerator(7)
	w := memstore.New(memstore.Options{Name: "overworld", HasSky: true, Generator: gen, Radius: 3})
	sched := scheduler.New(scheduler.Config{
		Resolver:       chunkstore.NewRegistry(w),
		Env:            &lighting.Env{Pool: pool, Engine: &light.Engine{}},
		CheckpointPath: filepath.Join(t.TempDir(), "PendingLight.dat"),
	})
	api := &adminAPI{sched: sched}
	mux := http.NewServeMux()
	api.register(mux, status.NewServer(func() protocol.StatusMsg { return statusMsg(sched) }, time.Second, nil))
	return api, mux
}

func doAdmin(t *testing.T, mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) protocol.StatusMsg {
	t.Helper()
	var msg protocol.StatusMsg
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatalf("decode status: %v (%s)", err, rec.Body.String())
	}
	return msg
}

func TestAdminScheduleAndStatus(t *testing.T) {
	_, mux := newTestAdmin(t)

	rec := doAdmin(t, mux, http.MethodPost, "/admin/v1/schedule", `{"world":"overworld","center":[0,0],"radius":1}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("schedule code=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp protocol.ScheduleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Queued != 1 || resp.ChunkFaults != 9 || resp.World != "overworld" {
		t.Fatalf("response = %+v", resp)
	}

	rec = doAdmin(t, mux, http.MethodPost, "/admin/v1/schedule", `{"world":"overworld","entire_world":true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("entire world code=%d body=%s", rec.Code, rec.Body.String())
	}

	st := decodeStatus(t, doAdmin(t, mux, http.MethodGet, "/admin/v1/status", ""))
	if st.Type != protocol.TypeStatus || st.Queued != 2 || st.Status != "Finished." || st.Current != nil {
		t.Fatalf("status = %+v", st)
	}
}

func TestAdminScheduleErrors(t *testing.T) {
	api, mux := newTestAdmin(t)
	cases := []struct {
		body string
		code int
		err  string
	}{
		{`{"world":"overworld"}`, http.StatusBadRequest, protocol.ErrBadRequest},
		{`{"world":"nether","chunks":[[0,0]]}`, http.StatusNotFound, protocol.ErrWorldNotFound},
	}
	for _, tc := range cases {
		rec := doAdmin(t, mux, http.MethodPost, "/admin/v1/schedule", tc.body)
		var e protocol.ErrorMsg
		_ = json.Unmarshal(rec.Body.Bytes(), &e)
		if rec.Code != tc.code || e.Code != tc.err {
			t.Fatalf("%s: code=%d err=%+v", tc.body, rec.Code, e)
		}
	}

	api.sched.Abort()
	rec := doAdmin(t, mux, http.MethodPost, "/admin/v1/schedule", `{"world":"overworld","chunks":[[0,0]]}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("after abort code=%d", rec.Code)
	}
}

func TestAdminPauseResumeClear(t *testing.T) {
	_, mux := newTestAdmin(t)
	if st := decodeStatus(t, doAdmin(t, mux, http.MethodPost, "/admin/v1/pause", "")); !st.Paused {
		t.Fatalf("pause: %+v", st)
	}
	if st := decodeStatus(t, doAdmin(t, mux, http.MethodPost, "/admin/v1/resume", "")); st.Paused {
		t.Fatalf("resume: %+v", st)
	}
	doAdmin(t, mux, http.MethodPost, "/admin/v1/schedule", `{"world":"overworld","chunks":[[0,0],[1,1]]}`)
	st := decodeStatus(t, doAdmin(t, mux, http.MethodPost, "/admin/v1/clear", ""))
	if st.Queued != 0 || st.ChunkFaults != 0 {
		t.Fatalf("clear: %+v", st)
	}
}

func TestAdminGuards(t *testing.T) {
	_, mux := newTestAdmin(t)
	if rec := doAdmin(t, mux, http.MethodGet, "/admin/v1/pause", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET pause code=%d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/status", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("remote status code=%d", rec.Code)
	}
}
