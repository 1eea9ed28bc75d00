package util

import (
	"encoding/hex"

	"github.com/google/uuid"
)

func NewID(prefix string) string {
	raw := uuid.New()
	encoded := hex.EncodeToString(raw[:])
	if prefix == "" {
		return encoded
	}
	return prefix + "_" + encoded
}
