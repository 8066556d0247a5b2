package storage

import (
	"fmt"
	"io"

	"github.com/ruteri/fleet-provisioning-backend/interfaces"
)

// maxObjectSize bounds what a remote backend may return. Sealed bundles and
// keys are a few kilobytes.
const maxObjectSize = 16 << 20

// checkContent rejects data that does not hash to id, so a tampered or
// truncated copy in one location falls through to the next.
func checkContent(id interfaces.ContentID, data []byte) error {
	if !id.Matches(data) {
		return fmt.Errorf("%w: %s", interfaces.ErrContentMismatch, id)
	}
	return nil
}

func readObject(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxObjectSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxObjectSize {
		return nil, fmt.Errorf("object larger than %d bytes", maxObjectSize)
	}
	return data, nil
}
