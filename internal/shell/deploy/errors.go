// Package deploy holds the application services that drive deployments:
// per-stack lifecycle, product orchestration and health capture.
package deploy

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrValidation is returned when a request fails validation.
	ErrValidation = errors.New("invalid request")

	// ErrStackNotInCatalog is returned when a product stack has no manifest.
	ErrStackNotInCatalog = errors.New("stack not defined in product catalog")
)

var validate = validator.New()

// validateRequest runs struct validation and wraps failures in ErrValidation.
func validateRequest(req any) error {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed on %s", ErrValidation, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
