package models_test

import (
	"testing"

	"conversion-backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptionsAreValid(t *testing.T) {
	require.NoError(t, models.DefaultConversionOptions().Validate())
}

func TestValidateOptions(t *testing.T) {
	tests := []struct {
		name    string
		options models.ConversionOptions
		wantErr string
	}{
		{
			name:    "missing platform",
			options: models.ConversionOptions{},
			wantErr: "target_platform is required",
		},
		{
			name:    "unsupported platform",
			options: models.ConversionOptions{TargetPlatform: "rk9999"},
			wantErr: "unsupported target_platform",
		},
		{
			name:    "quantization without dataset",
			options: models.ConversionOptions{TargetPlatform: "rk3588", DoQuantization: true},
			wantErr: "dataset is required",
		},
		{
			name: "bad quantized dtype",
			options: models.ConversionOptions{
				TargetPlatform: "rk3566", DoQuantization: true, Dataset: "calib.txt", QuantizedDtype: "int3",
			},
			wantErr: "unsupported quantized_dtype",
		},
		{
			name: "mean std length mismatch",
			options: models.ConversionOptions{
				TargetPlatform: "rk3588", MeanValues: []float64{0, 0, 0}, StdValues: []float64{1},
			},
			wantErr: "same length",
		},
		{
			name: "too many channels",
			options: models.ConversionOptions{
				TargetPlatform: "rk3588",
				MeanValues:     []float64{0, 0, 0, 0, 0},
				StdValues:      []float64{1, 1, 1, 1, 1},
			},
			wantErr: "at most 4 channels",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.options.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateOptionsAccepted(t *testing.T) {
	options := models.ConversionOptions{
		TargetPlatform: "rv1106",
		DoQuantization: true,
		Dataset:        "calib.txt",
		QuantizedDtype: "w8a16",
		MeanValues:     []float64{123.675, 116.28, 103.53},
		StdValues:      []float64{58.395, 57.12, 57.375},
	}
	require.NoError(t, options.Validate())
}

func TestRequiredRoles(t *testing.T) {
	assert.Equal(t, []string{models.RoleModel}, models.RequiredRoles(models.FormatONNX))
	assert.ElementsMatch(t,
		[]string{models.RoleMeta, models.RoleIndex, models.RoleData},
		models.RequiredRoles(models.FormatTensorflowCheckpoint))
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, models.IsTerminal(models.TaskPending))
	assert.False(t, models.IsTerminal(models.TaskRunning))
	assert.True(t, models.IsTerminal(models.TaskCompleted))
	assert.True(t, models.IsTerminal(models.TaskFailed))
	assert.True(t, models.IsTerminal(models.TaskCancelled))
}
