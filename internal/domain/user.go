// Package domain holds the session and user values shared by the registry, the
// relays and the control plane, with their validation and wire encoding.
package domain

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

const MaxUsernameLen = 36

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUsernameInvalid = errors.New("username contains unprintable characters")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// User is identified by name only; duplicate names are allowed.
type User struct {
	Name string `json:"name" validate:"required,max=36,printascii"`
}

// NewUser validates name and maps validator failures onto the Err* sentinels.
func NewUser(name string) (User, error) {
	u := User{Name: name}
	if err := validate.Struct(u); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			switch verrs[0].Tag() {
			case "required":
				return User{}, ErrUsernameEmpty
			case "max":
				return User{}, ErrUsernameTooLong
			default:
				return User{}, ErrUsernameInvalid
			}
		}
		return User{}, fmt.Errorf("validate user: %w", err)
	}
	return u, nil
}
