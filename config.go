package echost

import (
	"github.com/go-playground/validator/v10"
)

// DispatcherConfig declares the constraints a dispatcher's configuration
// must satisfy before Init runs; struct tags express each constraint and a
// single validator.Struct call enforces all of them together.
type DispatcherConfig struct {
	// BufferSize is the rx/tx buffer size in bytes; must be at least 256.
	BufferSize int `validate:"min=256"`

	// ProtocolVersion must be 3. The field exists so a future protocol
	// revision has somewhere to be configured, not because any other value
	// is currently accepted.
	ProtocolVersion uint8 `validate:"eq=3"`
}

// DefaultDispatcherConfig returns the smallest valid configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BufferSize:      256,
		ProtocolVersion: 3,
	}
}

var validate = validator.New()

// Validate checks c against its struct tags, returning an error describing
// every violated constraint.
func (c DispatcherConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return &Error{Op: "DispatcherConfig.Validate", Code: ErrCodeInvalidConfig, Msg: err.Error(), Inner: err}
	}
	return nil
}
