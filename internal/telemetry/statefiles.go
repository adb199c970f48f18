package telemetry

import (
	"context"
	"fmt"
	"strings"

	billy "gopkg.in/src-d/go-billy.v4"

	"beerery/internal/config"
)

// StateFiles keeps the latest document per input, output and program as
// <kind>_<name>.json, replaced atomically on every write.
type StateFiles struct {
	fs billy.Filesystem
}

func NewStateFiles(fs billy.Filesystem) *StateFiles {
	return &StateFiles{fs: fs}
}

// StateFileName returns the file a record of kind/name is kept in.
func StateFileName(kind Kind, name string) string {
	// Names come from configuration; keep them inside the state directory.
	safe := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, name)
	return fmt.Sprintf("%s_%s.json", kind, safe)
}

func (s *StateFiles) Write(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return config.WriteFileAtomic(s.fs, StateFileName(r.Kind, r.Name), r.Doc)
}

func (s *StateFiles) Close() error { return nil }
