package model

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateTask checks everything a worker needs before it can be built.
// Failures are configuration errors and are never retried.
func ValidateTask(t Task) error {
	if err := validatorInstance().Struct(t); err != nil {
		return describeValidation("task", err)
	}
	if _, err := DecodeMode(t.Mode); err != nil {
		return fmt.Errorf("task: %w", err)
	}
	return nil
}

func ValidateProfile(p Profile) error {
	if err := validatorInstance().Struct(p); err != nil {
		return describeValidation("profile", err)
	}
	return nil
}

func describeValidation(kind string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%s: %w", kind, err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid %s: %s", kind, strings.Join(parts, "; "))
}
