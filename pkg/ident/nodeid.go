package ident

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewNodeID returns the id for one attempt of a step within an execution.
// The ULID prefix keeps ids sortable by dispatch time; the suffix pins the
// step name and attempt so retries are always distinct and self-describing.
func NewNodeID(stepName string, attempt int) string {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader)
	return fmt.Sprintf("%s-%s-%d", id.String(), stepName, attempt)
}
