// Package telemetry records input readings, output states and program
// progress. Every record is a self-contained JSON document; sinks decide
// where documents go.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"beerery/internal/output"
	"beerery/internal/sampling"
)

type Kind string

const (
	KindInput   Kind = "input"
	KindOutput  Kind = "output"
	KindProgram Kind = "program"
)

// Record is one document headed for the sinks.
type Record struct {
	ID    uuid.UUID       `json:"id"`
	RunID string          `json:"run_id"`
	Kind  Kind            `json:"kind"`
	Name  string          `json:"name"`
	At    time.Time       `json:"at"`
	Doc   json.RawMessage `json:"doc"`
}

// Sink accepts records. Write may be called from the control goroutine and
// should not block for long; wrap slow sinks with NewAsync.
type Sink interface {
	Write(ctx context.Context, r Record) error
	Close() error
}

func newRecord(runID string, kind Kind, name string, at time.Time, doc any) (Record, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return Record{}, fmt.Errorf("telemetry: %s %s: %w", kind, name, err)
	}
	return Record{ID: uuid.New(), RunID: runID, Kind: kind, Name: name, At: at, Doc: b}, nil
}

func InputRecord(runID string, r sampling.Reading) (Record, error) {
	return newRecord(runID, KindInput, r.Name, r.At, r)
}

func OutputRecord(runID string, s output.State) (Record, error) {
	return newRecord(runID, KindOutput, s.Name, s.At, s)
}

// ProgramRecord wraps an arbitrary program state document.
func ProgramRecord(runID, name string, at time.Time, state any) (Record, error) {
	return newRecord(runID, KindProgram, name, at, state)
}

// Multi fans a record out to every sink. One failing sink does not stop the
// others.
type Multi []Sink

func (m Multi) Write(ctx context.Context, r Record) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Write(ctx, r))
	}
	return err
}

func (m Multi) Close() error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Close())
	}
	return err
}

// Discard drops every record.
type Discard struct{}

func (Discard) Write(context.Context, Record) error { return nil }
func (Discard) Close() error                        { return nil }
