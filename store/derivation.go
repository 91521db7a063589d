// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"bufio"
	"bytes"
	"cmp"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/NixOS/nix-sub009/internal/aterm"
	"github.com/NixOS/nix-sub009/internal/nixhash"
	"github.com/NixOS/nix-sub009/internal/sortedset"
)

// DerivationExt is the file extension for a marshalled [Derivation].
const DerivationExt = ".drv"

// DerivationName reports whether p names a [Derivation] file, returning
// the name with the [DerivationExt] suffix stripped.
func DerivationName(p Path) (name string, isDerivation bool) {
	base := p.Name()
	if !strings.HasSuffix(base, DerivationExt) {
		return "", false
	}
	return strings.TrimSuffix(base, DerivationExt), true
}

// Derivation represents a single, specific, constant build action: the
// store's unit of work.
type Derivation struct {
	// Dir is the store directory this derivation is a part of.
	Dir Directory
	// Name is the human-readable name of the derivation, i.e. the part
	// after the digest in the store object name.
	Name string
	// System is the OS/architecture tuple the derivation is intended to
	// run on (e.g. "x86_64-linux"), or "builtin" for a builtin builder.
	System string
	// Builder is the path to the program to run the build.
	Builder string
	// Args is the list of arguments that should be passed to the builder.
	Args []string
	// Env is the environment variables that should be passed to the builder.
	Env map[string]string

	// InputSources is the set of source filesystem objects this derivation
	// directly depends on.
	InputSources sortedset.Set[Path]
	// InputDerivations maps each derivation this derivation depends on to
	// the set of its output names that are used.
	InputDerivations map[Path]*sortedset.Set[string]
	// Outputs is the set of outputs the derivation produces, keyed by
	// output name.
	Outputs map[string]*DerivationOutput
}

// ParseDerivation parses a derivation in ATerm format.
func ParseDerivation(dir Directory, name string, data []byte) (*Derivation, error) {
	drv := &Derivation{Dir: dir, Name: name}
	if err := drv.unmarshalText(data); err != nil {
		return nil, err
	}
	return drv, nil
}

// References returns the set of other store paths that the derivation
// directly references: its input sources and input derivations.
func (drv *Derivation) References() References {
	var refs References
	refs.Others.Grow(drv.InputSources.Len() + len(drv.InputDerivations))
	refs.Others.AddSet(&drv.InputSources)
	for input := range drv.InputDerivations {
		refs.Others.Add(input)
	}
	return refs
}

// InputDerivationOutputs iterates over every (input derivation path,
// output name) pair that drv depends on.
func (drv *Derivation) InputDerivationOutputs() iter.Seq[OutputReference] {
	return func(yield func(OutputReference) bool) {
		for drvPath, outputNames := range drv.InputDerivations {
			for outputName := range outputNames.Values() {
				if !yield(OutputReference{DrvPath: drvPath, OutputName: outputName}) {
					return
				}
			}
		}
	}
}

// OutputNames returns the sorted list of output names this derivation declares.
func (drv *Derivation) OutputNames() []string {
	return sortedKeys(drv.Outputs)
}

// IsFixedOutput reports whether drv has exactly one output, named
// [DefaultDerivationOutputName], and that output is content-addressed with a fixed hash (i.e. a "fixed-output
// derivation", exempt from sandboxing because its result is verified by
// content address alone).
func (drv *Derivation) IsFixedOutput() bool {
	if len(drv.Outputs) != 1 {
		return false
	}
	out := drv.Outputs[DefaultDerivationOutputName]
	return out != nil && out.Kind == DerivationOutputFixed
}

// MarshalText converts the derivation to ATerm format, the way it is
// stored as the body of a ".drv" file.
func (drv *Derivation) MarshalText() ([]byte, error) {
	return drv.marshalText(false)
}

// Export marshals the derivation in ATerm format and computes the
// derivation's store path using the given hashing algorithm.
//
// At the moment, the only supported algorithm is [nixhash.SHA256].
func (drv *Derivation) Export(hashType nixhash.Algorithm) (Path, []byte, error) {
	if drv.Name == "" {
		return "", nil, fmt.Errorf("export derivation: missing name")
	}
	if drv.Dir == "" {
		return "", nil, fmt.Errorf("export %s derivation: missing store directory", drv.Name)
	}

	data, err := drv.marshalText(false)
	if err != nil {
		return "", nil, err
	}
	h := nixhash.NewHasher(hashType)
	h.Write(data)

	p, err := FixedCAOutputPath(
		drv.Dir,
		drv.Name+DerivationExt,
		nixhash.TextContentAddress(h.SumHash()),
		drv.References(),
	)
	if err != nil {
		return "", data, err
	}
	return p, data, nil
}

// MarshalDerivationOptions configures [Derivation.Marshal].
type MarshalDerivationOptions struct {
	// MapInputDerivation, if non-nil, is consulted for the textual
	// representation of each input derivation's store path in the
	// rendered ATerm, in place of the path itself. This is how hashing
	// a dependency closure substitutes each input derivation's hash
	// modulo for its store path.
	MapInputDerivation func(Path) string
	// MaskOutputs, if true, blanks input-addressed and fixed output paths
	// in the rendered text; a fixed output's asserted content address is
	// still rendered.
	MaskOutputs bool
}

// Marshal renders drv as ATerm text according to opts. If opts is nil,
// it is treated as the zero value, equivalent to [Derivation.MarshalText].
func (drv *Derivation) Marshal(opts *MarshalDerivationOptions) ([]byte, error) {
	if opts == nil {
		opts = new(MarshalDerivationOptions)
	}
	return drv.marshalTextModulo(opts.MaskOutputs, opts.MapInputDerivation)
}

// marshalText renders drv as ATerm text. When maskOutputs is true, input-addressed
// and fixed output paths are blanked out, which is how [HashDerivationModulo]
// computes the "unresolved" hash of a derivation before its own output
// paths are known.
func (drv *Derivation) marshalText(maskOutputs bool) ([]byte, error) {
	return drv.marshalTextModulo(maskOutputs, nil)
}

// marshalTextModulo is the common implementation behind [Derivation.MarshalText]
// and [HashDerivationModulo]. When mapInputDrv is non-nil, it is consulted
// for the textual representation of each input derivation's path: hashing
// a derivation's dependency closure requires substituting each input
// derivation's own hash modulo in place of its store path, the way the
// store directory is never needed for a hash computed across stores.
func (drv *Derivation) marshalTextModulo(maskOutputs bool, mapInputDrv func(Path) string) ([]byte, error) {
	if drv.Name == "" {
		return nil, fmt.Errorf("marshal derivation: missing name")
	}
	if drv.Dir == "" {
		return nil, fmt.Errorf("marshal %s derivation: missing store directory", drv.Name)
	}

	var buf []byte
	buf = append(buf, "Derive(["...)
	for i, outName := range drv.OutputNames() {
		if i > 0 {
			buf = append(buf, ',')
		}
		var err error
		buf, err = drv.Outputs[outName].marshalText(buf, drv.Dir, drv.Name, outName, maskOutputs)
		if err != nil {
			return nil, fmt.Errorf("marshal %s derivation: %v", drv.Name, err)
		}
	}

	buf = append(buf, "],["...)
	for i, drvPath := range sortedKeys(drv.InputDerivations) {
		if i > 0 {
			buf = append(buf, ',')
		}
		if got := drvPath.Dir(); got != drv.Dir {
			return nil, fmt.Errorf("marshal %s derivation: inputs: unexpected store directory %s (using %s)",
				drv.Name, got, drv.Dir)
		}
		buf = append(buf, '(')
		if mapInputDrv != nil {
			buf = aterm.AppendString(buf, mapInputDrv(drvPath))
		} else {
			buf = aterm.AppendString(buf, string(drvPath))
		}
		buf = append(buf, ",["...)
		outputs := drv.InputDerivations[drvPath]
		for j := 0; j < outputs.Len(); j++ {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = aterm.AppendString(buf, outputs.At(j))
		}
		buf = append(buf, "])"...)
	}

	buf = append(buf, "],["...)
	for i := 0; i < drv.InputSources.Len(); i++ {
		src := drv.InputSources.At(i)
		if i > 0 {
			buf = append(buf, ',')
		}
		if got := src.Dir(); got != drv.Dir {
			return nil, fmt.Errorf("marshal %s derivation: inputs: unexpected store directory %s (using %s)",
				drv.Name, got, drv.Dir)
		}
		buf = aterm.AppendString(buf, string(src))
	}

	buf = append(buf, "],"...)
	buf = aterm.AppendString(buf, drv.System)
	buf = append(buf, ","...)
	buf = aterm.AppendString(buf, drv.Builder)

	buf = append(buf, ",["...)
	for i, arg := range drv.Args {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = aterm.AppendString(buf, arg)
	}

	buf = append(buf, "],["...)
	for i, k := range sortedKeys(drv.Env) {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, k)
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, drv.Env[k])
		buf = append(buf, ')')
	}

	buf = append(buf, "])"...)
	return buf, nil
}

// unmarshalText parses the ATerm-format body of a .drv file using
// [aterm.Scanner], which tokenizes strings and bracket structure without
// requiring the caller to hand-roll prefix matching.
func (drv *Derivation) unmarshalText(data []byte) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("parse %s derivation: %v", drv.Name, err)
		}
	}()

	rest, ok := bytes.CutPrefix(data, []byte("Derive"))
	if !ok {
		return fmt.Errorf("missing \"Derive\" header")
	}
	sc := aterm.NewScanner(bufio.NewReader(bytes.NewReader(rest)))

	expect := func(kind aterm.TokenKind) error {
		tok, err := sc.ReadToken()
		if err != nil {
			return err
		}
		if tok.Kind != kind {
			return fmt.Errorf("expected %q, got %q", kind, tok.Kind)
		}
		return nil
	}
	readString := func() (string, error) {
		tok, err := sc.ReadToken()
		if err != nil {
			return "", err
		}
		if tok.Kind != aterm.String {
			return "", fmt.Errorf("expected string, got %q", tok.Kind)
		}
		return tok.Value, nil
	}

	if err := expect(aterm.LParen); err != nil {
		return fmt.Errorf("header: %v", err)
	}

	// Outputs list: [(name, path, hashAlgo, hash), ...]
	if err := expect(aterm.LBracket); err != nil {
		return fmt.Errorf("outputs: %v", err)
	}
	drv.Outputs = make(map[string]*DerivationOutput)
	for {
		tok, err := sc.ReadToken()
		if err != nil {
			return fmt.Errorf("outputs: %v", err)
		}
		if tok.Kind == aterm.RBracket {
			break
		}
		if tok.Kind != aterm.LParen {
			return fmt.Errorf("outputs: expected '(' or ']', got %q", tok.Kind)
		}
		outName, err := readString()
		if err != nil {
			return fmt.Errorf("outputs: name: %v", err)
		}
		path, err := readString()
		if err != nil {
			return fmt.Errorf("outputs: %s: path: %v", outName, err)
		}
		hashAlgoStr, err := readString()
		if err != nil {
			return fmt.Errorf("outputs: %s: hash algorithm: %v", outName, err)
		}
		hashHex, err := readString()
		if err != nil {
			return fmt.Errorf("outputs: %s: hash: %v", outName, err)
		}
		if err := expect(aterm.RParen); err != nil {
			return fmt.Errorf("outputs: %s: %v", outName, err)
		}
		out, err := parseDerivationOutputFields(path, hashAlgoStr, hashHex)
		if err != nil {
			return fmt.Errorf("outputs: %s: %v", outName, err)
		}
		if _, dup := drv.Outputs[outName]; dup {
			return fmt.Errorf("outputs: multiple outputs named %q", outName)
		}
		drv.Outputs[outName] = out
	}

	// Input derivations list: [(path, [outputName, ...]), ...]
	if err := expect(aterm.LBracket); err != nil {
		return fmt.Errorf("input derivations: %v", err)
	}
	drv.InputDerivations = make(map[Path]*sortedset.Set[string])
	for {
		tok, err := sc.ReadToken()
		if err != nil {
			return fmt.Errorf("input derivations: %v", err)
		}
		if tok.Kind == aterm.RBracket {
			break
		}
		if tok.Kind != aterm.LParen {
			return fmt.Errorf("input derivations: expected '(' or ']', got %q", tok.Kind)
		}
		pathStr, err := readString()
		if err != nil {
			return fmt.Errorf("input derivations: path: %v", err)
		}
		p, err := ParsePath(pathStr)
		if err != nil {
			return fmt.Errorf("input derivations: %v", err)
		}
		if err := expect(aterm.LBracket); err != nil {
			return fmt.Errorf("input derivations: %s: outputs: %v", p, err)
		}
		names := new(sortedset.Set[string])
		for {
			tok, err := sc.ReadToken()
			if err != nil {
				return fmt.Errorf("input derivations: %s: outputs: %v", p, err)
			}
			if tok.Kind == aterm.RBracket {
				break
			}
			if tok.Kind != aterm.String {
				return fmt.Errorf("input derivations: %s: outputs: expected string, got %q", p, tok.Kind)
			}
			names.Add(tok.Value)
		}
		if err := expect(aterm.RParen); err != nil {
			return fmt.Errorf("input derivations: %s: %v", p, err)
		}
		drv.InputDerivations[p] = names
	}

	// Input sources list: [path, ...]
	if err := expect(aterm.LBracket); err != nil {
		return fmt.Errorf("input sources: %v", err)
	}
	drv.InputSources = sortedset.Set[Path]{}
	for {
		tok, err := sc.ReadToken()
		if err != nil {
			return fmt.Errorf("input sources: %v", err)
		}
		if tok.Kind == aterm.RBracket {
			break
		}
		if tok.Kind != aterm.String {
			return fmt.Errorf("input sources: expected string, got %q", tok.Kind)
		}
		p, err := ParsePath(tok.Value)
		if err != nil {
			return fmt.Errorf("input sources: %v", err)
		}
		drv.InputSources.Add(p)
	}

	drv.System, err = readString()
	if err != nil {
		return fmt.Errorf("system: %v", err)
	}
	drv.Builder, err = readString()
	if err != nil {
		return fmt.Errorf("builder: %v", err)
	}

	if err := expect(aterm.LBracket); err != nil {
		return fmt.Errorf("args: %v", err)
	}
	drv.Args = drv.Args[:0]
	for {
		tok, err := sc.ReadToken()
		if err != nil {
			return fmt.Errorf("args: %v", err)
		}
		if tok.Kind == aterm.RBracket {
			break
		}
		if tok.Kind != aterm.String {
			return fmt.Errorf("args: expected string, got %q", tok.Kind)
		}
		drv.Args = append(drv.Args, tok.Value)
	}

	if err := expect(aterm.LBracket); err != nil {
		return fmt.Errorf("env: %v", err)
	}
	drv.Env = make(map[string]string)
	for {
		tok, err := sc.ReadToken()
		if err != nil {
			return fmt.Errorf("env: %v", err)
		}
		if tok.Kind == aterm.RBracket {
			break
		}
		if tok.Kind != aterm.LParen {
			return fmt.Errorf("env: expected '(' or ']', got %q", tok.Kind)
		}
		k, err := readString()
		if err != nil {
			return fmt.Errorf("env: key: %v", err)
		}
		v, err := readString()
		if err != nil {
			return fmt.Errorf("env: %s: value: %v", k, err)
		}
		if err := expect(aterm.RParen); err != nil {
			return fmt.Errorf("env: %s: %v", k, err)
		}
		drv.Env[k] = v
	}

	if err := expect(aterm.RParen); err != nil {
		return fmt.Errorf("trailer: %v", err)
	}
	return nil
}

// DerivationOutputKind enumerates how a [DerivationOutput]'s final store
// path is determined.
type DerivationOutputKind int8

// Recognized derivation output kinds.
const (
	// DerivationOutputInputAddressed means the output's path is computed
	// from the derivation's own hash modulo (the "classic" Nix scheme).
	DerivationOutputInputAddressed DerivationOutputKind = 1 + iota
	// DerivationOutputFixed means the output's content address (and
	// hence path) is specified up front and verified after the build.
	DerivationOutputFixed
	// DerivationOutputFloating means the output's content address is
	// computed from the build result, so its path is unknown until
	// after the build completes.
	DerivationOutputFloating
	// DerivationOutputDeferred means the output belongs to a dynamic
	// derivation produced by another (not yet built) derivation's
	// output, so neither its content address nor its path is known
	// until that upstream build has run.
	DerivationOutputDeferred
)

// DerivationOutput describes the content-addressing scheme of one
// output of a [Derivation].
type DerivationOutput struct {
	Kind DerivationOutputKind

	// path is set when Kind is DerivationOutputInputAddressed.
	path Path
	// ca is set when Kind is DerivationOutputFixed.
	ca ContentAddress
	// method and hashAlgo are set when Kind is DerivationOutputFloating.
	method   nixhash.Method
	hashAlgo nixhash.Algorithm
}

// InputAddressedOutput returns a [DerivationOutput] whose store path is
// computed from the derivation's hash modulo.
func InputAddressedOutput(path Path) *DerivationOutput {
	return &DerivationOutput{Kind: DerivationOutputInputAddressed, path: path}
}

// FixedCAOutput returns a [DerivationOutput] that must match the given
// content address assertion.
func FixedCAOutput(ca ContentAddress) *DerivationOutput {
	return &DerivationOutput{Kind: DerivationOutputFixed, ca: ca}
}

// FloatingCAOutput returns a [DerivationOutput] whose content address is
// computed from the build result using method and hashAlgo.
func FloatingCAOutput(method nixhash.Method, hashAlgo nixhash.Algorithm) *DerivationOutput {
	return &DerivationOutput{Kind: DerivationOutputFloating, method: method, hashAlgo: hashAlgo}
}

// DeferredOutput returns a [DerivationOutput] for a dynamic derivation
// output whose address depends on a build that has not yet happened.
func DeferredOutput() *DerivationOutput {
	return &DerivationOutput{Kind: DerivationOutputDeferred}
}

// RecursiveFileFloatingCAOutput returns a [DerivationOutput] whose
// content address is computed from the build result's NAR serialization
// using hashAlgo. This is the common case for a content-addressed
// derivation output: the whole output directory tree, hashed
// recursively, rather than a single flat file.
func RecursiveFileFloatingCAOutput(hashAlgo nixhash.Algorithm) *DerivationOutput {
	return FloatingCAOutput(nixhash.NAR, hashAlgo)
}

// IsFixed reports whether out was created by [FixedCAOutput].
func (out *DerivationOutput) IsFixed() bool {
	return out != nil && out.Kind == DerivationOutputFixed
}

// IsFloating reports whether out's content hash cannot be known until
// the derivation is realized.
func (out *DerivationOutput) IsFloating() bool {
	return out != nil && out.Kind == DerivationOutputFloating
}

// IsDeferred reports whether out belongs to a dynamic derivation.
func (out *DerivationOutput) IsDeferred() bool {
	return out != nil && out.Kind == DerivationOutputDeferred
}

// ContentAddress returns the fixed content address for out, and true if
// out [IsFixed].
func (out *DerivationOutput) ContentAddress() (ContentAddress, bool) {
	if out == nil || out.Kind != DerivationOutputFixed {
		return ContentAddress{}, false
	}
	return out.ca, true
}

// HashType returns the hash algorithm used to compute a floating output's
// content address, and true if out [IsFloating].
func (out *DerivationOutput) HashType() (nixhash.Algorithm, bool) {
	if out == nil || out.Kind != DerivationOutputFloating {
		return "", false
	}
	return out.hashAlgo, true
}

// IsRecursiveFile reports whether a floating output's content address is
// computed over the NAR serialization of the build result, rather than a
// single flat file.
func (out *DerivationOutput) IsRecursiveFile() bool {
	return out != nil && out.Kind == DerivationOutputFloating && out.method == nixhash.NAR
}

// Path returns a fixed or input-addressed output's store object path
// given the store directory and derivation name; ok is false for
// floating or deferred outputs, whose path is unknown until the build
// completes.
func (out *DerivationOutput) Path(store Directory, drvName, outputName string) (path Path, ok bool) {
	if out == nil {
		return "", false
	}
	switch out.Kind {
	case DerivationOutputInputAddressed:
		return out.path, out.path != ""
	case DerivationOutputFixed:
		name := drvName
		if outputName != DefaultDerivationOutputName {
			name += "-" + outputName
		}
		p, err := fixedOutputPathFor(store, name, out.ca)
		return p, err == nil
	default:
		return "", false
	}
}

func fixedOutputPathFor(dir Directory, name string, ca ContentAddress) (Path, error) {
	return FixedCAOutputPath(dir, name, ca, References{})
}

func (out *DerivationOutput) marshalText(dst []byte, storeDir Directory, drvName, outName string, maskOutputs bool) ([]byte, error) {
	dst = append(dst, '(')
	dst = aterm.AppendString(dst, outName)
	if out == nil {
		dst = append(dst, `,"","","")`...)
		return dst, nil
	}
	switch out.Kind {
	case DerivationOutputInputAddressed:
		if maskOutputs {
			dst = append(dst, `,""`...)
		} else {
			dst = append(dst, ',')
			dst = aterm.AppendString(dst, string(out.path))
		}
		dst = append(dst, `,"","")`...)
		return dst, nil
	case DerivationOutputFixed:
		if maskOutputs {
			dst = append(dst, `,""`...)
		} else {
			dst = append(dst, ',')
			p, ok := out.Path(storeDir, drvName, outName)
			if !ok {
				return dst, fmt.Errorf("marshal %s output: invalid path", outName)
			}
			dst = aterm.AppendString(dst, string(p))
		}
		dst = append(dst, ',')
		h := out.ca.Hash()
		dst = aterm.AppendString(dst, out.ca.Method().Prefix()+string(h.Type()))
		dst = append(dst, ',')
		dst = aterm.AppendString(dst, h.RawBase16())
	case DerivationOutputFloating:
		dst = append(dst, `,"",`...)
		dst = aterm.AppendString(dst, out.method.Prefix()+string(out.hashAlgo))
		dst = append(dst, `,""`...)
	case DerivationOutputDeferred:
		dst = append(dst, `,"","","")`...)
		return dst, nil
	default:
		return dst, fmt.Errorf("marshal %s output: invalid kind %v", outName, out.Kind)
	}
	dst = append(dst, ')')
	return dst, nil
}

func parseDerivationOutputFields(path, hashAlgoField, hashHex string) (*DerivationOutput, error) {
	switch {
	case path != "" && hashAlgoField == "" && hashHex == "":
		p, err := ParsePath(path)
		if err != nil {
			return nil, fmt.Errorf("path: %v", err)
		}
		return InputAddressedOutput(p), nil
	case path == "" && hashAlgoField == "" && hashHex == "":
		return DeferredOutput(), nil
	case hashAlgoField != "" && hashHex == "":
		method, algo, err := parseHashAlgorithmField(hashAlgoField)
		if err != nil {
			return nil, fmt.Errorf("hash algorithm: %v", err)
		}
		return FloatingCAOutput(method, algo), nil
	case hashAlgoField != "" && hashHex != "":
		method, algo, err := parseHashAlgorithmField(hashAlgoField)
		if err != nil {
			return nil, fmt.Errorf("hash algorithm: %v", err)
		}
		raw, err := decodeHex(hashHex)
		if err != nil {
			return nil, fmt.Errorf("hash: %v", err)
		}
		h, err := nixhash.New(algo, raw)
		if err != nil {
			return nil, fmt.Errorf("hash: %v", err)
		}
		ca, err := nixhash.NewContentAddress(method, h)
		if err != nil {
			return nil, fmt.Errorf("content address: %v", err)
		}
		return FixedCAOutput(ca), nil
	default:
		return nil, fmt.Errorf("unrecognized output field combination")
	}
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		hi, ok1 := hexDigit(s[i*2])
		lo, ok2 := hexDigit(s[i*2+1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("invalid hex digit")
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexDigit(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

func parseHashAlgorithmField(s string) (nixhash.Method, nixhash.Algorithm, error) {
	method := nixhash.Flat
	if rest, ok := strings.CutPrefix(s, "r:"); ok {
		method = nixhash.NAR
		s = rest
	} else if rest, ok := strings.CutPrefix(s, "text:"); ok {
		method = nixhash.Text
		s = rest
	}
	algo := nixhash.Algorithm(s)
	if algo.Size() == 0 {
		return 0, "", fmt.Errorf("unknown hash algorithm %q", s)
	}
	return method, algo, nil
}

// HashPlaceholder returns the placeholder string substituted in place of
// an input-addressed or floating output's eventual path within a
// derivation's own environment and arguments, since that path cannot be
// known until after hashDerivationModulo is computed.
func HashPlaceholder(outputName string) string {
	h := nixhash.NewHasher(nixhash.SHA256)
	h.WriteString("nix-output:")
	h.WriteString(outputName)
	return "/" + h.SumHash().Base32()
}

// UnknownCAOutputPlaceholder returns the placeholder used for an output
// of a content-addressed derivation whose path is not yet known because
// the referencing derivation has not been built.
func UnknownCAOutputPlaceholder(drvPath Path, outputName string) string {
	drvName := strings.TrimSuffix(drvPath.Name(), DerivationExt)
	h := nixhash.NewHasher(nixhash.SHA256)
	h.WriteString("nix-upstream-output:")
	h.WriteString(drvPath.Digest())
	h.WriteString(":")
	h.WriteString(drvName)
	if outputName != DefaultDerivationOutputName {
		h.WriteString("-")
		h.WriteString(outputName)
	}
	return "/" + h.SumHash().Base32()
}

func sortedKeys[M ~map[K]V, K cmp.Ordered, V any](m M) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
