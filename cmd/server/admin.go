package main

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"voxellight.ai/internal/chunkstore"
	"voxellight.ai/internal/lighting"
	"voxellight.ai/internal/protocol"
	"voxellight.ai/internal/scheduler"
	"voxellight.ai/internal/transport/status"
)

const maxAdminBody = 1 << 20

type adminAPI struct {
	sched *scheduler.Scheduler
	log   *log.Logger
}

func (a *adminAPI) register(mux *http.ServeMux, stream *status.Server) {
	mux.HandleFunc("/admin/v1/status", a.guard(http.MethodGet, a.status))
	mux.HandleFunc("/admin/v1/schedule", a.guard(http.MethodPost, a.schedule))
	mux.HandleFunc("/admin/v1/pause", a.guard(http.MethodPost, a.pause(true)))
	mux.HandleFunc("/admin/v1/resume", a.guard(http.MethodPost, a.pause(false)))
	mux.HandleFunc("/admin/v1/clear", a.guard(http.MethodPost, a.clear))
	mux.HandleFunc("/admin/v1/status/ws", stream.WSHandler())
}

// guard enforces the method and restricts the endpoint to loopback clients.
func (a *adminAPI) guard(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !status.IsLoopbackRemote(r.RemoteAddr) {
			writeJSON(rw, http.StatusForbidden, protocol.NewError(protocol.ErrForbidden, "forbidden"))
			return
		}
		next(rw, r)
	}
}

func statusMsg(s *scheduler.Scheduler) protocol.StatusMsg {
	st := s.Snapshot()
	msg := protocol.StatusMsg{
		Type:            protocol.TypeStatus,
		ProtocolVersion: protocol.Version,
		Status:          st.Status,
		Paused:          st.Paused,
		LowMemory:       st.LowMemory,
		Stopped:         st.Stopped,
		Queued:          st.Queued,
		ChunkFaults:     st.ChunkFaults,
		Completed:       st.Completed,
	}
	if c := st.Current; c != nil {
		msg.Current = &protocol.TaskRef{
			ID:         c.ID.String(),
			Kind:       c.Kind,
			World:      c.World,
			State:      c.State,
			ChunkCount: c.ChunkCount,
		}
		if !c.Started.IsZero() {
			msg.Current.StartedUnix = c.Started.UnixMilli()
		}
	}
	return msg
}

func (a *adminAPI) status(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, statusMsg(a.sched))
}

func (a *adminAPI) schedule(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, protocol.NewError(protocol.ErrProtoBadRequest, err.Error()))
		return
	}
	req, err := protocol.DecodeSchedule(body)
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, protocol.NewError(protocol.ErrBadRequest, err.Error()))
		return
	}
	opts := lighting.Options{
		DebugCorrupt: req.Options.Debug,
		LoadedOnly:   req.Options.LoadedOnly,
		ForceSave:    req.Options.ForceSave,
		Silent:       req.Options.Silent,
	}

	queued := 0
	switch {
	case req.EntireWorld:
		err = a.sched.ScheduleWorld(req.World, opts)
		if err == nil {
			queued = 1
		}
	case req.Radius != nil:
		queued, err = a.sched.ScheduleArea(req.World, req.Center[0], req.Center[1], *req.Radius, opts)
	default:
		queued, err = a.sched.Schedule(req.World, req.ChunkKeys(), opts)
	}
	switch {
	case errors.Is(err, chunkstore.ErrUnknownWorld):
		writeJSON(rw, http.StatusNotFound, protocol.NewError(protocol.ErrWorldNotFound, err.Error()))
		return
	case errors.Is(err, scheduler.ErrStopped):
		writeJSON(rw, http.StatusServiceUnavailable, protocol.NewError(protocol.ErrStopped, err.Error()))
		return
	case err != nil:
		if a.log != nil {
			a.log.Printf("schedule %s: %v", req.World, err)
		}
		writeJSON(rw, http.StatusInternalServerError, protocol.NewError(protocol.ErrInternal, err.Error()))
		return
	}
	writeJSON(rw, http.StatusAccepted, protocol.ScheduleResponse{
		Type:        protocol.TypeSchedule,
		World:       req.World,
		Queued:      queued,
		ChunkFaults: a.sched.ChunkFaults(),
	})
}

func (a *adminAPI) pause(p bool) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		a.sched.SetPaused(p)
		writeJSON(rw, http.StatusOK, statusMsg(a.sched))
	}
}

func (a *adminAPI) clear(rw http.ResponseWriter, r *http.Request) {
	a.sched.ClearTasks()
	writeJSON(rw, http.StatusOK, statusMsg(a.sched))
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(v)
}
