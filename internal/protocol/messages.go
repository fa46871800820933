package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"voxellight.ai/internal/geom"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var scheduleSchema = mustCompile("schedule.schema.json")

func mustCompile(name string) *jsonschema.Schema {
	b, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		panic(err)
	}
	return jsonschema.MustCompileString(name, string(b))
}

// ScheduleOptions mirror the repair task options.
type ScheduleOptions struct {
	Debug      bool `json:"debug,omitempty"`
	LoadedOnly bool `json:"loaded_only,omitempty"`
	ForceSave  bool `json:"force_save,omitempty"`
	Silent     bool `json:"silent,omitempty"`
}

// ScheduleRequest asks for a repair of either the square of chunks within
// Radius of Center, an explicit chunk list, or the entire world.
type ScheduleRequest struct {
	Type            string          `json:"type,omitempty"`
	ProtocolVersion string          `json:"protocol_version,omitempty"`
	World           string          `json:"world"`
	Center          *[2]int         `json:"center,omitempty"`
	Radius          *int            `json:"radius,omitempty"`
	Chunks          [][2]int        `json:"chunks,omitempty"`
	EntireWorld     bool            `json:"entire_world,omitempty"`
	Options         ScheduleOptions `json:"options,omitempty"`
}

// ChunkKeys returns the explicit chunk list as keys.
func (r ScheduleRequest) ChunkKeys() []geom.ChunkKey {
	out := make([]geom.ChunkKey, 0, len(r.Chunks))
	for _, c := range r.Chunks {
		out = append(out, geom.ChunkKey{CX: c[0], CZ: c[1]})
	}
	return out
}

// DecodeSchedule validates b against the schedule schema and decodes it.
func DecodeSchedule(b []byte) (ScheduleRequest, error) {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return ScheduleRequest{}, fmt.Errorf("decode schedule: %w", err)
	}
	if err := scheduleSchema.Validate(raw); err != nil {
		return ScheduleRequest{}, fmt.Errorf("invalid schedule: %w", err)
	}
	var req ScheduleRequest
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return ScheduleRequest{}, fmt.Errorf("decode schedule: %w", err)
	}
	return req, nil
}

type ScheduleResponse struct {
	Type        string `json:"type"`
	World       string `json:"world"`
	Queued      int    `json:"queued"`
	ChunkFaults int    `json:"chunk_faults"`
}

// TaskRef describes the task the scheduler is working on.
type TaskRef struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	World       string `json:"world"`
	State       string `json:"state"`
	ChunkCount  int    `json:"chunk_count"`
	StartedUnix int64  `json:"started_unix_ms,omitempty"`
}

// StatusMsg is served by GET /admin/v1/status and pushed over the status
// stream.
type StatusMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Status          string   `json:"status"`
	Paused          bool     `json:"paused"`
	LowMemory       bool     `json:"low_memory"`
	Stopped         bool     `json:"stopped"`
	Queued          int      `json:"queued"`
	ChunkFaults     int      `json:"chunk_faults"`
	Completed       int      `json:"completed"`
	Current         *TaskRef `json:"current,omitempty"`
}
