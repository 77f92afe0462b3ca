package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Identity is the authenticated principal as reported by the identity authority.
//
// The JSON field names match the record the authority returns and the payload
// stored in the persisted snapshot.
type Identity struct {
	ID        int64     `json:"ID" validate:"gt=0"`
	Name      string    `json:"Name,omitempty"`
	Email     string    `json:"Email" validate:"required,email"`
	CreatedAt time.Time `json:"CreateTime"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// New builds a validated Identity. Name is optional.
func New(id int64, name, email string, createdAt time.Time) (Identity, error) {
	v := Identity{
		ID:        id,
		Name:      NormalizeName(name),
		Email:     strings.TrimSpace(email),
		CreatedAt: createdAt.UTC(),
	}
	if err := v.Validate(); err != nil {
		return Identity{}, err
	}
	return v, nil
}

// Validate checks the structural rules: positive ID and a well-formed email.
func (i Identity) Validate() error {
	if err := structValidator().Struct(i); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return OpError{
				Op:   "identity.Validate",
				Kind: ErrInvalidInput,
				Msg:  fmt.Sprintf("field %s failed %q", verrs[0].Field(), verrs[0].Tag()),
			}
		}
		return OpError{Op: "identity.Validate", Kind: ErrInvalidInput, Msg: err.Error()}
	}
	return nil
}

// Equal reports value equality. Timestamps are compared by instant.
func (i Identity) Equal(o Identity) bool {
	return i.ID == o.ID &&
		i.Name == o.Name &&
		i.Email == o.Email &&
		i.CreatedAt.Equal(o.CreatedAt)
}

// String returns a log-safe description.
func (i Identity) String() string {
	return fmt.Sprintf("identity(%d)", i.ID)
}

// Parse decodes and validates a JSON identity record.
// Any decode or validation failure is reported as ErrMalformed.
func Parse(b []byte) (Identity, error) {
	var v Identity
	if err := json.Unmarshal(b, &v); err != nil {
		return Identity{}, OpError{Op: "identity.Parse", Kind: ErrMalformed, Msg: err.Error()}
	}
	if err := v.Validate(); err != nil {
		return Identity{}, OpError{Op: "identity.Parse", Kind: ErrMalformed, Msg: err.Error()}
	}
	v.CreatedAt = v.CreatedAt.UTC()
	return v, nil
}

// EqualPtr reports whether two optional identities are value-equal.
// Two absent identities are equal.
func EqualPtr(a, b *Identity) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
