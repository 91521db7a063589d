// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/NixOS/nix-sub009/internal/nixhash"
)

// DrvOutput identifies one output of a derivation by the derivation's
// hash modulo rather than its store path, the way a [DerivedPath] for a
// content-addressed or dynamic derivation must before its output paths
// are known.
type DrvOutput struct {
	// DrvHash is the derivation's hash modulo (see [HashDerivationModulo]).
	DrvHash Hash
	// OutputName is the name of the output within the derivation.
	OutputName string
}

// String renders id as "<drvHash>!<outputName>", using the hash's
// base-16 rendering the way the store's on-disk realisation records do.
func (id DrvOutput) String() string {
	return id.DrvHash.RawBase16() + "!" + id.OutputName
}

// ParseDrvOutput parses the rendering produced by [DrvOutput.String].
func ParseDrvOutput(s string) (DrvOutput, error) {
	i := strings.IndexByte(s, '!')
	if i < 0 {
		return DrvOutput{}, fmt.Errorf("parse derivation output id %q: missing '!'", s)
	}
	h, err := nixhash.ParseHashWithAlgo(string(nixhash.SHA256), s[:i])
	if err != nil {
		// Fall back to a fully prefixed "algo:digest" encoding, as
		// produced when the hash is not SHA-256.
		h, err = nixhash.ParseHash(s[:i])
		if err != nil {
			return DrvOutput{}, fmt.Errorf("parse derivation output id %q: %v", s, err)
		}
	}
	return DrvOutput{DrvHash: h, OutputName: s[i+1:]}, nil
}

// Realisation witnesses that building the derivation identified by
// id.DrvHash produced OutPath for output id.OutputName, along with the
// set of other realisations it depends on (for content-addressed
// derivations whose inputs are themselves content-addressed).
type Realisation struct {
	ID         DrvOutput
	OutPath    Path
	Signatures []string
	// DependentRealisations maps each dynamic dependency of this
	// realisation to the output path it was resolved to at build time,
	// so that importing this realisation can first check that the
	// dependency still maps to the same path.
	DependentRealisations map[DrvOutput]Path
}

// Fingerprint returns the string that is signed to produce a signature
// over r: its id and output path, plus the sorted dependent realisations.
func (r *Realisation) Fingerprint() string {
	var buf strings.Builder
	buf.WriteString(r.ID.String())
	buf.WriteByte(';')
	buf.WriteString(string(r.OutPath))
	buf.WriteByte(';')
	deps := make([]DrvOutput, 0, len(r.DependentRealisations))
	for dep := range r.DependentRealisations {
		deps = append(deps, dep)
	}
	sort.Slice(deps, func(i, j int) bool {
		return deps[i].String() < deps[j].String()
	})
	for i, dep := range deps {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(dep.String())
		buf.WriteByte('=')
		buf.WriteString(string(r.DependentRealisations[dep]))
	}
	return buf.String()
}

// IsCompatibleWith reports whether r and other could both be valid
// simultaneously: they must agree on any dependent realisation they
// both mention, even if one has strictly more entries than the other.
func (r *Realisation) IsCompatibleWith(other *Realisation) bool {
	for dep, path := range r.DependentRealisations {
		if otherPath, ok := other.DependentRealisations[dep]; ok && otherPath != path {
			return false
		}
	}
	return true
}

// realisationJSON is the on-the-wire shape of a [Realisation].
type realisationJSON struct {
	ID                    string            `json:"id"`
	OutPath               string            `json:"outPath"`
	Signatures            []string          `json:"signatures,omitempty"`
	DependentRealisations map[string]string `json:"dependentRealisations,omitempty"`
}

// MarshalJSON implements [json.Marshaler].
func (r *Realisation) MarshalJSON() ([]byte, error) {
	deps := make(map[string]string, len(r.DependentRealisations))
	for dep, path := range r.DependentRealisations {
		deps[dep.String()] = string(path)
	}
	return json.Marshal(realisationJSON{
		ID:                    r.ID.String(),
		OutPath:               string(r.OutPath),
		Signatures:            r.Signatures,
		DependentRealisations: deps,
	})
}

// UnmarshalJSON implements [json.Unmarshaler].
func (r *Realisation) UnmarshalJSON(data []byte) error {
	var raw realisationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal realisation: %v", err)
	}
	id, err := ParseDrvOutput(raw.ID)
	if err != nil {
		return fmt.Errorf("unmarshal realisation: %v", err)
	}
	outPath, err := ParsePath(raw.OutPath)
	if err != nil {
		return fmt.Errorf("unmarshal realisation: outPath: %v", err)
	}
	deps := make(map[DrvOutput]Path, len(raw.DependentRealisations))
	for k, v := range raw.DependentRealisations {
		depID, err := ParseDrvOutput(k)
		if err != nil {
			return fmt.Errorf("unmarshal realisation: dependentRealisations: %v", err)
		}
		depPath, err := ParsePath(v)
		if err != nil {
			return fmt.Errorf("unmarshal realisation: dependentRealisations: %v", err)
		}
		deps[depID] = depPath
	}
	r.ID = id
	r.OutPath = outPath
	r.Signatures = raw.Signatures
	r.DependentRealisations = deps
	return nil
}

// SingleDrvOutputs maps output name to realisation for the outputs of a
// single derivation, where the output names are already known to be unique.
type SingleDrvOutputs map[string]*Realisation

// BuildTrace is the persistent map from a derivation's hash modulo and
// output name to the [Realisation] recorded for it, accumulated across
// every content-addressed build the store has performed.
type BuildTrace struct {
	entries map[DrvOutput]*Realisation
}

// NewBuildTrace returns an empty [BuildTrace].
func NewBuildTrace() *BuildTrace {
	return &BuildTrace{entries: make(map[DrvOutput]*Realisation)}
}

// Lookup returns the realisation recorded for id, if any.
func (bt *BuildTrace) Lookup(id DrvOutput) (*Realisation, bool) {
	r, ok := bt.entries[id]
	return r, ok
}

// Record stores r under r.ID, overwriting any previous entry.
func (bt *BuildTrace) Record(r *Realisation) {
	bt.entries[r.ID] = r
}

// OutputsOf returns the realisations recorded for every output of the
// derivation with the given hash modulo, keyed by output name.
func (bt *BuildTrace) OutputsOf(drvHash Hash) SingleDrvOutputs {
	outs := make(SingleDrvOutputs)
	for id, r := range bt.entries {
		if id.DrvHash.Equal(drvHash) {
			outs[id.OutputName] = r
		}
	}
	return outs
}
