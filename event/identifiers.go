package event

import (
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

const maxIDLength = 255

// DomainFromID returns everything after the first ":" in a Matrix identifier.
func DomainFromID(id string) (spec.ServerName, error) {
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", fmt.Errorf("invalid ID: %q", id)
	}
	return spec.ServerName(parts[1]), nil
}

func validateID(id string, sigil byte) error {
	if len(id) > maxIDLength {
		return fmt.Errorf("ID %q is longer than %d bytes", id, maxIDLength)
	}
	if len(id) < 2 || id[0] != sigil {
		return fmt.Errorf("ID %q must start with %q", id, sigil)
	}
	if _, err := DomainFromID(id); err != nil {
		return err
	}
	return nil
}

// ValidateUserID checks that id looks like @localpart:domain.
func ValidateUserID(id string) error { return validateID(id, '@') }

// ValidateRoomID checks that id looks like !opaque:domain.
func ValidateRoomID(id string) error { return validateID(id, '!') }
