package fate

import (
	"fmt"

	"github.com/google/uuid"
)

// FateId is a dense, unique identifier for a transaction.
type FateId struct {
	id uuid.UUID
}

// NewFateId allocates a new, random FateId.
func NewFateId() FateId {
	return FateId{id: uuid.New()}
}

// ParseFateId parses the string representation produced by FateId.String.
func ParseFateId(s string) (FateId, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return FateId{}, fmt.Errorf("invalid fate id %q: %w", s, err)
	}
	return FateId{id: id}, nil
}

// String returns the canonical string representation of the FateId.
func (f FateId) String() string {
	return f.id.String()
}

// IsZero reports whether f is the zero value (never a valid allocated id).
func (f FateId) IsZero() bool {
	return f.id == uuid.Nil
}

// MarshalJSON implements json.Marshaler.
func (f FateId) MarshalJSON() ([]byte, error) {
	return []byte(`"` + f.id.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FateId) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("invalid fate id json: %s", data)
	}
	id, err := uuid.Parse(string(data[1 : len(data)-1]))
	if err != nil {
		return fmt.Errorf("invalid fate id json: %w", err)
	}
	f.id = id
	return nil
}
