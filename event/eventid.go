package event

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/tidwall/sjson"

	"github.com/matrix-org/fedcore/canonicaljson"
)

// ReferenceSHA256 returns the reference hash of an event: the SHA-256 of the
// canonical redacted event without signatures or unsigned data. In room
// versions 3 and later the event ID is derived from it.
func ReferenceSHA256(eventJSON []byte, verImpl VersionImpl) ([]byte, error) {
	redacted, err := RedactJSON(eventJSON, verImpl)
	if err != nil {
		return nil, err
	}
	for _, key := range []string{"signatures", "unsigned", "age_ts"} {
		if redacted, err = sjson.DeleteBytes(redacted, key); err != nil {
			return nil, err
		}
	}
	canonical, err := canonicaljson.Canonicalize(redacted, verImpl.EnforceCanonicalJSON())
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canonical)
	return sum[:], nil
}

func computeEventID(eventJSON []byte, fields *eventFields, verImpl VersionImpl) (string, error) {
	switch verImpl.EventIDFormat() {
	case EventIDFormatV1:
		if fields.EventID == "" {
			return "", &FormatError{Field: "event_id", Reason: "is missing"}
		}
		return fields.EventID, nil
	case EventIDFormatV2, EventIDFormatV3:
		ref, err := ReferenceSHA256(eventJSON, verImpl)
		if err != nil {
			return "", fmt.Errorf("ReferenceSHA256: %w", err)
		}
		if verImpl.EventIDFormat() == EventIDFormatV2 {
			return "$" + base64.RawStdEncoding.EncodeToString(ref), nil
		}
		return "$" + base64.RawURLEncoding.EncodeToString(ref), nil
	default:
		return "", UnsupportedRoomVersionError{Version: verImpl.Version()}
	}
}
