package relay

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

var (
	// ErrInvalidName is returned for blank or over-long display names.
	ErrInvalidName = errors.New("relay: invalid username")

	// ErrInvalidText is returned for blank or over-long message text.
	ErrInvalidText = errors.New("relay: invalid message text")
)

// Limits bounds the size of client-supplied strings, counted in runes.
type Limits struct {
	MaxNameLength int
	MaxTextLength int
}

// DefaultLimits mirrors the browser client's 20 character name input and a
// 2000 character message cap.
func DefaultLimits() Limits {
	return Limits{
		MaxNameLength: 20,
		MaxTextLength: 2000,
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	return v
}

// ValidateName checks a display name. Names are stored verbatim; only blank
// names and names above the limit are refused.
func (l Limits) ValidateName(name string) error {
	if err := validate.Var(name, fmt.Sprintf("notblank,max=%d", l.MaxNameLength)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	return nil
}

// ValidateText checks a chat message body. The text itself is never altered:
// whitespace and markup are forwarded as sent.
func (l Limits) ValidateText(text string) error {
	if err := validate.Var(text, fmt.Sprintf("notblank,max=%d", l.MaxTextLength)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidText, err)
	}
	return nil
}
