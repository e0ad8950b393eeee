package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier used for connection ids and fake session ids.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
