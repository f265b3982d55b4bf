package store

import "github.com/gofrs/uuid/v5"

// NewKey returns a child key whose lexical order follows creation time.
func NewKey() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
