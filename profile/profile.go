// Package profile stores the style profile of an authenticated user.
package profile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrNotFound is returned when a user has no profile yet.
var ErrNotFound = errors.New("profile not found")

// Style values.
const (
	StyleCasual     = "casual"
	StyleFormal     = "formal"
	StyleMinimalist = "minimalist"
	StyleBohemian   = "bohemian"
	StyleStreetwear = "streetwear"
	StylePreppy     = "preppy"
	StyleAthletic   = "athletic"
)

// Occasion values.
const (
	OccasionWork         = "work"
	OccasionDate         = "date"
	OccasionCasual       = "casual"
	OccasionEventsFormal = "events/formal"
	OccasionAthletic     = "athletic"
)

// MaxOccasions bounds the occasions list.
const MaxOccasions = 10

// Profile is a stored profile.
type Profile struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Height         *int      `json:"height"`
	Weight         *float64  `json:"weight"`
	PrimaryStyle   *string   `json:"primaryStyle"`
	SecondaryStyle *string   `json:"secondaryStyle"`
	Occasions      []string  `json:"occasions"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Update is the body of PUT /profile. It replaces every field.
type Update struct {
	// Height in centimeters.
	Height *int `json:"height" validate:"omitempty,gte=100,lte=250"`
	// Weight in kilograms.
	Weight         *float64 `json:"weight" validate:"omitempty,gte=30,lte=200"`
	PrimaryStyle   *string  `json:"primary_style" validate:"omitempty,oneof=casual formal minimalist bohemian streetwear preppy athletic"`
	SecondaryStyle *string  `json:"secondary_style" validate:"omitempty,oneof=casual formal minimalist bohemian streetwear preppy athletic"`
	Occasions      []string `json:"occasions" validate:"max=10,dive,oneof=work date casual events/formal athletic"`
}

// Validator checks Update values.
type Validator struct {
	v *validator.Validate
}

// NewValidator returns a Validator with the cross-field style rules registered.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateStyles, Update{})
	return &Validator{v: v}
}

func validateStyles(sl validator.StructLevel) {
	u := sl.Current().Interface().(Update)
	if u.SecondaryStyle == nil {
		return
	}
	switch {
	case u.PrimaryStyle == nil:
		sl.ReportError(u.SecondaryStyle, "secondary_style", "SecondaryStyle", "requires_primary", "")
	case *u.PrimaryStyle == *u.SecondaryStyle:
		sl.ReportError(u.SecondaryStyle, "secondary_style", "SecondaryStyle", "differs_from_primary", "")
	}
}

// Validate returns a client-readable error describing every invalid field.
func (v *Validator) Validate(u Update) error {
	err := v.v.Struct(u)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

var jsonNames = map[string]string{
	"Height":         "height",
	"Weight":         "weight",
	"PrimaryStyle":   "primary_style",
	"SecondaryStyle": "secondary_style",
	"Occasions":      "occasions",
}

func fieldMessage(fe validator.FieldError) string {
	name := jsonNames[fe.StructField()]
	if name == "" {
		// dive errors are reported as Occasions[i].
		name = "occasions"
	}
	switch fe.Tag() {
	case "gte":
		return fmt.Sprintf("%s must be at least %s", name, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", name, fe.Param())
	case "max":
		return fmt.Sprintf("%s may contain at most %s entries", name, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", name, fe.Param())
	case "requires_primary":
		return "primary_style must be set if secondary_style is provided"
	case "differs_from_primary":
		return "secondary_style must be different from primary_style"
	default:
		return fmt.Sprintf("%s is invalid", name)
	}
}
