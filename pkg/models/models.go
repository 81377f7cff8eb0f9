package models

import (
	"fmt"
	"slices"
)

// ModelFormat identifies the source framework of an uploaded model.
type ModelFormat string

const (
	FormatONNX                 ModelFormat = "ONNX"
	FormatTFLite               ModelFormat = "TFLITE"
	FormatPyTorch              ModelFormat = "PYTORCH"
	FormatCaffe                ModelFormat = "CAFFE"
	FormatDarknet              ModelFormat = "DARKNET"
	FormatTensorflowFrozen     ModelFormat = "TENSORFLOW_FROZEN"
	FormatTensorflowSavedModel ModelFormat = "TENSORFLOW_SAVEDMODEL"
	FormatTensorflowCheckpoint ModelFormat = "TENSORFLOW_CHECKPOINT"
)

// Role names for files within a bundle. Each format requires an exact set of
// these; see RequiredRoles.
const (
	RoleModel     = "model"     // single-file formats
	RoleGraph     = "graph"     // prototxt, frozen .pb, saved_model.pb
	RoleWeights   = "weights"   // caffemodel, darknet weights
	RoleConfig    = "config"    // darknet cfg
	RoleVariables = "variables" // savedmodel variables
	RoleMeta      = "meta"      // checkpoint meta graph
	RoleIndex     = "index"     // checkpoint index
	RoleData      = "data"      // first checkpoint data shard
)

var requiredRoles = map[ModelFormat][]string{
	FormatONNX:                 {RoleModel},
	FormatTFLite:               {RoleModel},
	FormatPyTorch:              {RoleModel},
	FormatCaffe:                {RoleGraph, RoleWeights},
	FormatDarknet:              {RoleConfig, RoleWeights},
	FormatTensorflowFrozen:     {RoleGraph},
	FormatTensorflowSavedModel: {RoleGraph, RoleVariables},
	FormatTensorflowCheckpoint: {RoleMeta, RoleIndex, RoleData},
}

// RequiredRoles returns the exact role set a bundle of the given format must
// carry. The returned slice must not be modified.
func RequiredRoles(format ModelFormat) []string {
	return requiredRoles[format]
}

// FileRef points at a stored input file: the name the client uploaded it
// under, and the content store key it was saved to.
type FileRef struct {
	Name string
	Ref  string
}

// ModelBundle is the classified, role-labeled set of input files representing
// one convertible model. It is immutable once produced by the classifier.
type ModelBundle struct {
	Format      ModelFormat
	Roles       map[string]FileRef
	PrimaryRole string

	// Extra data shards beyond the role-mapped one (checkpoint shard sets and
	// savedmodel variables directories can hold several files).
	DataShards []FileRef
}

// Primary returns the file used to display the bundle.
func (b ModelBundle) Primary() FileRef {
	return b.Roles[b.PrimaryRole]
}

// SupportedPlatforms is the whitelist of chip targets the converter accepts.
var SupportedPlatforms = []string{
	"rk1808", "rk3399pro", "rk3562", "rk3566", "rk3568", "rk3576", "rk3588",
	"rv1103", "rv1106",
}

var supportedQuantDtypes = []string{"w8a8", "w8a16", "w4a16"}

// ConversionOptions configures a single conversion. Immutable once the task
// is created. Fields beyond the validated ones are passed through to the
// engine untouched.
type ConversionOptions struct {
	TargetPlatform string    `json:"target_platform"`
	DoQuantization bool      `json:"do_quantization"`
	Dataset        string    `json:"dataset,omitempty"`
	QuantizedDtype string    `json:"quantized_dtype,omitempty"`
	MeanValues     []float64 `json:"mean_values,omitempty"`
	StdValues      []float64 `json:"std_values,omitempty"`

	QuantizedAlgorithm string  `json:"quantized_algorithm,omitempty"`
	FloatDtype         string  `json:"float_dtype,omitempty"`
	OptimizationLevel  int     `json:"optimization_level,omitempty"`
	InputSizeList      [][]int `json:"input_size_list,omitempty"`
}

// DefaultConversionOptions mirrors the converter's own defaults so a bare
// submission produces a usable artifact.
func DefaultConversionOptions() ConversionOptions {
	return ConversionOptions{
		TargetPlatform: "rk3588",
		QuantizedDtype: "w8a8",
	}
}

// Validate rejects structurally malformed options before a task is created.
// Numeric plausibility of mean/std against the model's channel count is the
// engine's job; only shape is checked here.
func (o ConversionOptions) Validate() error {
	if o.TargetPlatform == "" {
		return fmt.Errorf("target_platform is required")
	}
	if !slices.Contains(SupportedPlatforms, o.TargetPlatform) {
		return fmt.Errorf("unsupported target_platform %q, must be one of %v", o.TargetPlatform, SupportedPlatforms)
	}
	if o.DoQuantization {
		if o.Dataset == "" {
			return fmt.Errorf("dataset is required when do_quantization is enabled")
		}
		if o.QuantizedDtype != "" && !slices.Contains(supportedQuantDtypes, o.QuantizedDtype) {
			return fmt.Errorf("unsupported quantized_dtype %q, must be one of %v", o.QuantizedDtype, supportedQuantDtypes)
		}
	}
	if len(o.MeanValues) != len(o.StdValues) {
		return fmt.Errorf("mean_values and std_values must have the same length, got %d and %d", len(o.MeanValues), len(o.StdValues))
	}
	if len(o.MeanValues) > 4 {
		return fmt.Errorf("mean_values has %d entries, at most 4 channels are supported", len(o.MeanValues))
	}
	return nil
}

const (
	TaskPending   string = "PENDING"
	TaskRunning   string = "RUNNING"
	TaskCompleted string = "COMPLETED"
	TaskFailed    string = "FAILED"
	TaskCancelled string = "CANCELLED"
)

// IsTerminal reports whether a task state admits no further transitions.
func IsTerminal(state string) bool {
	return state == TaskCompleted || state == TaskFailed || state == TaskCancelled
}
