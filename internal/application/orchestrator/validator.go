package orchestrator

import (
	"strings"
	"time"

	"github.com/aescanero/labexec/pkg/domain"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/api/resource"
)

// Defaults fill the parameters a creation request leaves empty
type Defaults struct {
	RAM        string
	CPU        string
	BookedTime time.Duration
}

// Validator validates execution requests
type Validator struct {
	defaults Defaults
}

// NewValidator creates a new request validator
func NewValidator(defaults Defaults) *Validator {
	return &Validator{defaults: defaults}
}

// Validate checks the shape of a creation request before any lookup. An
// experiment id that cannot name any experiment is reported as not found.
func (v *Validator) Validate(req domain.CreateRequest) error {
	if strings.TrimSpace(req.ExperimentID) == "" {
		return domain.InvalidArgumentf("experiment id is required")
	}
	if _, err := uuid.Parse(req.ExperimentID); err != nil {
		return domain.NotFoundf("experiment %s not found", req.ExperimentID)
	}
	if req.BookedTime < 0 {
		return domain.InvalidArgumentf("booked time must be positive, got %s", req.BookedTime)
	}
	return nil
}

// Resolve merges a request with the defaults and validates the result
func (v *Validator) Resolve(req domain.CreateRequest) (domain.Resources, time.Duration, error) {
	resources := domain.Resources{
		RAM: firstNonEmpty(req.RAM, v.defaults.RAM),
		CPU: firstNonEmpty(req.CPU, v.defaults.CPU),
	}

	if err := validateQuantity("ram", resources.RAM); err != nil {
		return domain.Resources{}, 0, err
	}
	if err := validateQuantity("cpu", resources.CPU); err != nil {
		return domain.Resources{}, 0, err
	}

	booked := req.BookedTime
	if booked == 0 {
		booked = v.defaults.BookedTime
	}
	if booked <= 0 {
		return domain.Resources{}, 0, domain.InvalidArgumentf("booked time must be positive, got %s", booked)
	}

	return resources, booked, nil
}

// validateQuantity accepts Kubernetes quantities greater than zero
func validateQuantity(name, value string) error {
	if value == "" {
		return domain.InvalidArgumentf("%s is required", name)
	}
	q, err := resource.ParseQuantity(value)
	if err != nil {
		return domain.InvalidArgumentf("invalid %s %q: %v", name, value, err)
	}
	if q.Sign() <= 0 {
		return domain.InvalidArgumentf("%s must be positive, got %q", name, value)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
