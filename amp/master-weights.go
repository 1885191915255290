package amp

import (
	"fmt"

	"github.com/tsawler/go-amp/nn"
	"github.com/tsawler/go-amp/tensor"
)

// CloneMasterParams deep-copies params into full-precision master weights,
// preserving names and the requires-grad flag. Gradient storage is not
// allocated; it appears lazily on the first gradient copy. The returned list
// is index-aligned with the input, which the copy protocols rely on.
func CloneMasterParams(params []*nn.Parameter) []*nn.Parameter {
	masters := make([]*nn.Parameter, len(params))
	for i, p := range params {
		data := p.Data.Clone()
		data.CastTo(tensor.Float32)
		master := nn.NewParameter(p.Name, data)
		master.RequiresGrad = p.RequiresGrad
		masters[i] = master
	}
	return masters
}

// CopyGradsToMaster copies the model's half-precision gradients onto the
// full-precision masters, widening values in the process. Master gradient
// tensors are allocated on first use. Model parameters without a gradient
// are skipped.
func CopyGradsToMaster(modelParams, masterParams []*nn.Parameter) error {
	if len(modelParams) != len(masterParams) {
		return fmt.Errorf("parameter lists are not aligned: %d model vs %d master", len(modelParams), len(masterParams))
	}
	for i, mp := range modelParams {
		if mp.Grad == nil {
			continue
		}
		master := masterParams[i]
		if master.Grad == nil {
			grad, err := tensor.Zeros(master.Data.Shape, tensor.Float32)
			if err != nil {
				return fmt.Errorf("failed to create master gradient %d: %w", i, err)
			}
			master.Grad = grad
		}
		if err := master.Grad.CopyFrom(mp.Grad); err != nil {
			return fmt.Errorf("failed to copy gradient %d: %w", i, err)
		}
	}
	return nil
}

// CopyMasterToModel copies the updated master values back into the model's
// parameters in place, rounding to half precision where the model stores it.
func CopyMasterToModel(masterParams, modelParams []*nn.Parameter) error {
	if len(masterParams) != len(modelParams) {
		return fmt.Errorf("parameter lists are not aligned: %d master vs %d model", len(masterParams), len(modelParams))
	}
	for i, master := range masterParams {
		if err := modelParams[i].Data.CopyFrom(master.Data); err != nil {
			return fmt.Errorf("failed to copy parameter %d: %w", i, err)
		}
	}
	return nil
}
