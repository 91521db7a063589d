// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package store

// RealizeMethod is the name of the method that triggers a build of a store path.
// [RealizeRequest] is used for the request
// and [RealizeResponse] is used for the response.
const RealizeMethod = "nix.realize"

// RealizeRequest is the set of parameters for [RealizeMethod].
type RealizeRequest struct {
	DrvPath Path `json:"drvPath"`
}

// RealizeResponse is the result for [RealizeMethod].
type RealizeResponse struct {
	Outputs []*RealizeOutput `json:"outputs"`
}

// OutputsByName iterates over resp.Outputs whose Name equals name.
func (resp *RealizeResponse) OutputsByName(name string) func(yield func(*RealizeOutput) bool) {
	return func(yield func(*RealizeOutput) bool) {
		if resp == nil {
			return
		}
		for _, out := range resp.Outputs {
			if out.Name == name {
				if !yield(out) {
					return
				}
			}
		}
	}
}

// RealizeOutput is an output in [RealizeResponse].
type RealizeOutput struct {
	// Name is the name of the output that was built (e.g. "out" or "dev").
	Name string `json:"name"`
	// Path is the store path of the output if successfully built,
	// or null if the build failed.
	Path Nullable[Path] `json:"path"`
}
