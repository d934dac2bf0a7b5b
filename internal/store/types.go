package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/deriva/pkg/schema"
)

// DefaultRunRetention is how many run records a store keeps.
const DefaultRunRetention = 1000

// RunRecord is a persisted scheduler run with its sequence number.
type RunRecord struct {
	Sequence int64 `json:"sequence"`
	schema.RunDiagnostics
}

// RunFilter selects run records, newest first.
type RunFilter struct {
	Since  *time.Time
	Status string
	Limit  int
}

func (f RunFilter) limit() int {
	if f.Limit <= 0 {
		return 50
	}
	return f.Limit
}

func (f RunFilter) matches(r *RunRecord) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Since != nil && r.LastRun.Before(*f.Since) {
		return false
	}
	return true
}

// stateRecord is the serialized form of a state shared by the stores that
// keep values as bytes.
type stateRecord struct {
	ID  string          `json:"id"`
	Val json.RawMessage `json:"val"`
	Ts  int64           `json:"ts"`
	Ack bool            `json:"ack"`
}

func encodeState(id string, st schema.State) ([]byte, error) {
	val, err := encodeValue(st.Val)
	if err != nil {
		return nil, err
	}
	return json.Marshal(stateRecord{ID: id, Val: val, Ts: timeOrNow(st.Ts).UnixMilli(), Ack: st.Ack})
}

func decodeState(data []byte) (string, schema.State, error) {
	var rec stateRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", schema.State{}, err
	}
	val, err := decodeValue(string(rec.Val))
	if err != nil {
		return "", schema.State{}, err
	}
	return rec.ID, schema.State{Val: val, Ts: time.UnixMilli(rec.Ts).UTC(), Ack: rec.Ack}, nil
}

// encodeValue stores time values as RFC3339 strings; everything else goes
// through encoding/json.
func encodeValue(v any) (json.RawMessage, error) {
	if t, ok := v.(time.Time); ok {
		v = t.UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "state value is not serializable").WithCause(err)
	}
	return b, nil
}

func decodeValue(raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "corrupt state value").WithCause(err)
	}
	return v, nil
}

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func validObject(spec schema.ObjectSpec) error {
	if spec.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "object id is required")
	}
	switch spec.Type {
	case schema.ObjectChannel, schema.ObjectState:
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown object type %q", spec.Type)
	}
}

func marshalObject(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "encode object").WithCause(err)
	}
	return b, nil
}

func unmarshalObject(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return schema.NewError(schema.ErrCodeStore, "decode object").WithCause(err)
	}
	return nil
}
