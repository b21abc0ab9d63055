package engine

import (
	"fmt"
	"strings"
)

// Device is the execution device the model runs on
type Device string

const (
	DeviceAuto Device = "auto"
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
	DeviceMPS  Device = "mps"
)

// DType is a tensor element type
type DType string

const (
	Int64   DType = "int64"
	Int32   DType = "int32"
	Float16 DType = "float16"
	Float32 DType = "float32"
)

// IsFloat reports whether the dtype is a floating point type
func (d DType) IsFloat() bool {
	return strings.HasPrefix(string(d), "float")
}

// TensorSpec describes one processor output tensor and where it must live
type TensorSpec struct {
	Name   string `json:"name"`
	DType  DType  `json:"dtype"`
	Device Device `json:"device,omitempty"`
}

// ParseDevice validates a configured device name
func ParseDevice(s string) (Device, error) {
	switch d := Device(strings.ToLower(strings.TrimSpace(s))); d {
	case DeviceAuto, DeviceCPU, DeviceCUDA, DeviceMPS:
		return d, nil
	case "":
		return DeviceAuto, nil
	default:
		return "", fmt.Errorf("unknown device %q (use auto, cpu, cuda or mps)", s)
	}
}

// ExecutionDType picks the floating point precision for a device.
// halfOnMPS selects float16 on Apple GPUs; some checkpoints are only stable
// in float32 there.
func ExecutionDType(device Device, halfOnMPS bool) DType {
	switch device {
	case DeviceCUDA:
		return Float16
	case DeviceMPS:
		if halfOnMPS {
			return Float16
		}
		return Float32
	default:
		return Float32
	}
}

// DefaultInputs are the tensors produced by the model processor for one
// prompt and image.
func DefaultInputs() []TensorSpec {
	return []TensorSpec{
		{Name: "input_ids", DType: Int64},
		{Name: "attention_mask", DType: Int64},
		{Name: "pixel_values", DType: Float32},
	}
}

var integerInputs = map[string]bool{"input_ids": true, "attention_mask": true}

// PlaceInputs moves every tensor to device. Integer tensors keep their dtype;
// floating point tensors are converted to dtype. Skipping the conversion makes
// the model fail with a dtype mismatch on half precision devices.
func PlaceInputs(inputs []TensorSpec, device Device, dtype DType) []TensorSpec {
	placed := make([]TensorSpec, len(inputs))
	for i, t := range inputs {
		t.Device = device
		if !integerInputs[t.Name] && t.DType.IsFloat() && dtype != "" {
			t.DType = dtype
		}
		placed[i] = t
	}
	return placed
}
