package changecontrol

import (
	"bufio"
	"encoding/json"
	"io"
	"time"

	"netbox-avd-sync/internal/entity"
)

// ChangeJobEvent is one emitted job snapshot.
type ChangeJobEvent struct {
	Job entity.ChangeJob
}

// JobStream is a lazy sequence of job snapshots. Next returns io.EOF
// when the stream ends cleanly; any other error is a transport failure.
type JobStream interface {
	Next() (*ChangeJobEvent, error)
	Close() error
}

// wire format of the resource gateway: one JSON object per line,
// {"result":{"value":{...}}}. Protobuf wrappers arrive flattened.
type wireKey struct {
	ID string `json:"id"`
}

type wireChangeControl struct {
	Key    wireKey `json:"key"`
	Change struct {
		Name string `json:"name"`
	} `json:"change,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
	DeviceIDs struct {
		Values []string `json:"values"`
	} `json:"deviceIds,omitempty"`
	Time time.Time `json:"time,omitempty"`
}

func (w *wireChangeControl) toEvent() *ChangeJobEvent {
	return &ChangeJobEvent{Job: entity.ChangeJob{
		ID:        w.Key.ID,
		Name:      w.Change.Name,
		Status:    entity.JobStatus(w.Status),
		Error:     w.Error,
		DeviceIDs: w.DeviceIDs.Values,
		UpdatedAt: w.Time,
	}}
}

type wireStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newWireStream(body io.ReadCloser) *wireStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &wireStream{body: body, scanner: sc}
}

// Next reads lines until it produces a usable job snapshot. Events with
// UNSPECIFIED status are noise from the sync protocol and are dropped
// here, so consumers never see them.
func (s *wireStream) Next() (*ChangeJobEvent, error) {
	for {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, &TransportError{Op: "read stream", Err: err}
			}
			return nil, io.EOF
		}
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg struct {
			Result struct {
				Value *wireChangeControl `json:"value"`
				Type  string             `json:"type"`
			} `json:"result"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, &TransportError{Op: "decode stream event", Err: err}
		}
		// INITIAL_SYNC_COMPLETE and other typed markers carry no value
		if msg.Result.Value == nil {
			continue
		}
		if entity.JobStatus(msg.Result.Value.Status) == entity.StatusUnspecified {
			continue
		}
		return msg.Result.Value.toEvent(), nil
	}
}

func (s *wireStream) Close() error { return s.body.Close() }
