package usecase

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var errInvalidPayload = errors.New("invalid tile payload")

// checkPayload rejects bodies that cannot be a tile of the given format,
// typically HTML or JSON error pages served with a 200. It returns the
// detected MIME type.
func checkPayload(data []byte, format string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty body", errInvalidPayload)
	}

	mt := mimetype.Detect(data)

	if isVectorFormat(format) {
		for m := mt; m != nil; m = m.Parent() {
			if m.Is("text/plain") {
				return "", fmt.Errorf("%w: got %s for vector tile", errInvalidPayload, mt.String())
			}
		}
		return mt.String(), nil
	}

	if !strings.HasPrefix(mt.String(), "image/") {
		return "", fmt.Errorf("%w: got %s, want image", errInvalidPayload, mt.String())
	}
	return mt.String(), nil
}

func isVectorFormat(format string) bool {
	switch strings.ToLower(format) {
	case "pbf", "mvt", "application/vnd.mapbox-vector-tile", "application/x-protobuf":
		return true
	}
	return false
}
