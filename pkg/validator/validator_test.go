package validator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sampleConfig struct {
	Port     int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	LogLevel string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

func TestValidateStructPasses(t *testing.T) {
	err := ValidateStruct(sampleConfig{Port: 8080, LogLevel: "info"})
	require.NoError(t, err)
}

func TestValidateStructReportsFieldNames(t *testing.T) {
	err := ValidateStruct(sampleConfig{Port: 0, LogLevel: "loud"})
	require.Error(t, err)

	failures, ok := err.(ValidationErrors)
	require.True(t, ok)
	require.Len(t, failures, 2)
	require.Equal(t, "port", failures[0].Field)
	require.Contains(t, err.Error(), "log_level failed on oneof")
}
