// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package storepath implements the store's content-addressed path model:
// a 32-character base-32 hash part plus a name, resolved under a store
// directory, and the fixed-output path derivation algorithm that ties a
// [nixhash.ContentAddress] and a set of references to a concrete path.
package storepath

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	posixpath "path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/NixOS/nix-sub009/internal/nixhash"
	"github.com/NixOS/nix-sub009/internal/sortedset"
	"github.com/NixOS/nix-sub009/internal/windowspath"
)

// Directory is the absolute path of a store.
type Directory string

// Default store directories.
const (
	DefaultUnixDirectory    Directory = "/nix/store"
	DefaultWindowsDirectory Directory = `C:\nix\store`
)

// CleanDirectory cleans an absolute POSIX- or Windows-style path as a [Directory].
func CleanDirectory(path string) (Directory, error) {
	switch detectPathStyle(path) {
	case posixStyle:
		if !posixpath.IsAbs(path) {
			return "", fmt.Errorf("store directory %q is not absolute", path)
		}
		return Directory(posixpath.Clean(path)), nil
	case windowsStyle:
		if !windowspath.IsAbs(path) {
			return "", fmt.Errorf("store directory %q is not absolute", path)
		}
		return Directory(windowspath.Clean(path)), nil
	default:
		return "", fmt.Errorf("store directory %q is not absolute", path)
	}
}

// Join joins elem to the store directory using the directory's own separator style.
func (dir Directory) Join(elem ...string) string {
	if detectPathStyle(string(dir)) == windowsStyle {
		return windowspath.Join(append([]string{string(dir)}, elem...)...)
	}
	return posixpath.Join(append([]string{string(dir)}, elem...)...)
}

// DefaultDirectory returns [DefaultWindowsDirectory] on Windows and
// [DefaultUnixDirectory] on every other platform.
func DefaultDirectory() Directory {
	if runtime.GOOS == "windows" {
		return DefaultWindowsDirectory
	}
	return DefaultUnixDirectory
}

// DirectoryFromEnvironment returns the store [Directory] in use based on
// the NIX_STORE_DIR environment variable, falling back to
// [DefaultUnixDirectory] or [DefaultWindowsDirectory] if not set.
func DirectoryFromEnvironment() (Directory, error) {
	dir := os.Getenv("NIX_STORE_DIR")
	if dir == "" {
		if runtime.GOOS == "windows" {
			return DefaultWindowsDirectory, nil
		}
		return DefaultUnixDirectory, nil
	}
	if !filepath.IsAbs(dir) {
		return "", fmt.Errorf("store directory %q is not absolute", dir)
	}
	return CleanDirectory(dir)
}

// SocketPath returns the path of the Unix domain socket the store daemon
// listens on: the NIX_DAEMON_SOCKET_PATH environment variable if set,
// otherwise "<store directory>/var/nix/daemon-socket/socket".
func SocketPath() string {
	if p := os.Getenv("NIX_DAEMON_SOCKET_PATH"); p != "" {
		return p
	}
	dir, err := DirectoryFromEnvironment()
	if err != nil {
		dir = DefaultUnixDirectory
	}
	return dir.Join("var", "nix", "daemon-socket", "socket")
}

// Object returns the store path for the given store object name.
func (dir Directory) Object(name string) (Path, error) {
	joined := dir.Join(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("parse store path %s: invalid object name %q", joined, name)
	}
	return ParsePath(joined)
}

// ParsePath verifies that path is absolute, begins with dir, and names
// either a store object or a path inside a store object. It returns the
// store object's path and any remaining relative path inside the object.
func (dir Directory) ParsePath(path string) (storePath Path, sub string, err error) {
	var cleaned, dirPrefix, tail string
	var sep byte
	switch detectPathStyle(string(dir)) {
	case posixStyle:
		if !posixpath.IsAbs(path) {
			return "", "", fmt.Errorf("parse store path %s: not absolute", path)
		}
		sep = '/'
		cleaned = posixpath.Clean(path)
		dirPrefix = posixpath.Clean(string(dir)) + string(sep)
	case windowsStyle:
		if !windowspath.IsAbs(path) {
			return "", "", fmt.Errorf("parse store path %s: not absolute", path)
		}
		sep = windowspath.Separator
		cleaned = windowspath.Clean(path)
		dirPrefix = windowspath.Clean(string(dir)) + string(sep)
	default:
		return "", "", fmt.Errorf("parse store path %s: directory %s not absolute", path, dir)
	}
	tail, ok := strings.CutPrefix(cleaned, dirPrefix)
	if !ok {
		return "", "", fmt.Errorf("parse store path %s: outside %s", path, dir)
	}
	childName, sub, _ := strings.Cut(tail, string(sep))
	storePath, err = ParsePath(cleaned[:len(dirPrefix)+len(childName)])
	if err != nil {
		return "", "", err
	}
	return storePath, sub, nil
}

// IsNative reports whether dir uses the path style of the running OS.
func (dir Directory) IsNative() bool {
	return detectPathStyle(string(dir)) == localPathStyle()
}

const (
	digestLength    = 32 // base-32 characters
	maxNameLength   = 211
	maxTotalSegment = digestLength + 1 + maxNameLength
)

// Path is the absolute filesystem path of a store object:
// "<dir>/<hash32>-<name>".
type Path string

// ParsePath parses an absolute path as an immediate child of a store directory.
func ParsePath(path string) (Path, error) {
	var base string
	switch detectPathStyle(path) {
	case posixStyle:
		_, base = posixpath.Split(posixpath.Clean(path))
	case windowsStyle:
		_, base = windowspath.Split(windowspath.Clean(path))
	default:
		return "", fmt.Errorf("parse store path %q: not absolute", path)
	}
	if len(base) < digestLength+len("-")+1 {
		return "", fmt.Errorf("parse store path %q: name %q is too short", path, base)
	}
	if len(base) > maxTotalSegment {
		return "", fmt.Errorf("parse store path %q: name %q is too long", path, base)
	}
	if base[digestLength] != '-' {
		return "", fmt.Errorf("parse store path %q: digest not separated by dash", path)
	}
	if err := nixhash.ValidateBase32(base[:digestLength], 20); err != nil {
		return "", fmt.Errorf("parse store path %q: %v", path, err)
	}
	name := base[digestLength+1:]
	if err := ValidateName(name); err != nil {
		return "", fmt.Errorf("parse store path %q: %v", path, err)
	}
	return Path(path), nil
}

// ValidateName reports whether name is a legal store object name:
// it must not be "", ".", "..", or begin with ".." or "." followed
// immediately by "-" or end of string, and may contain only
// `[0-9A-Za-z+\-._?=]`.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty name")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("name %q is reserved", name)
	}
	if strings.HasPrefix(name, "..-") || strings.HasPrefix(name, ".-") {
		return fmt.Errorf("name %q must not begin with %q or %q", name, "..-", ".-")
	}
	for i := 0; i < len(name); i++ {
		if !isNameChar(name[i]) {
			return fmt.Errorf("name %q contains illegal character %q", name, name[i])
		}
	}
	return nil
}

// IsValidOutputName reports whether name is usable as a derivation
// output name: the same character set [ValidateName] requires of a
// store object name.
func IsValidOutputName(name string) bool {
	return ValidateName(name) == nil
}

func isNameChar(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' ||
		c == '+' || c == '-' || c == '.' || c == '_' || c == '?' || c == '='
}

// Dir returns the path's store directory.
func (p Path) Dir() Directory {
	switch detectPathStyle(string(p)) {
	case posixStyle:
		return Directory(posixpath.Dir(string(p)))
	case windowsStyle:
		return Directory(windowspath.Dir(string(p)))
	default:
		return ""
	}
}

// Base returns the last element of the path: "<hash32>-<name>".
func (p Path) Base() string {
	if p == "" {
		return ""
	}
	switch detectPathStyle(string(p)) {
	case posixStyle:
		return posixpath.Base(string(p))
	case windowsStyle:
		return windowspath.Base(string(p))
	default:
		return ""
	}
}

// Digest returns the 32-character base-32 hash part of the path's name.
func (p Path) Digest() string {
	base := p.Base()
	if len(base) < digestLength {
		return ""
	}
	return base[:digestLength]
}

// Name returns the part of the name after the digest.
func (p Path) Name() string {
	base := p.Base()
	if len(base) <= digestLength+1 {
		return ""
	}
	return base[digestLength+1:]
}

// DerivationExt is the file extension for a marshalled derivation.
const DerivationExt = ".drv"

// IsDerivation reports whether p names a derivation (ends in [DerivationExt]).
func (p Path) IsDerivation() bool {
	return strings.HasSuffix(p.Base(), DerivationExt)
}

// MarshalText implements [encoding.TextMarshaler].
func (p Path) MarshalText() ([]byte, error) {
	if p == "" {
		return nil, fmt.Errorf("marshal store path: empty")
	}
	return []byte(p), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (p *Path) UnmarshalText(data []byte) error {
	parsed, err := ParsePath(string(data))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Equal reports whether p and other name the same store object by hash
// part. Per spec, a mismatched name for an equal hash part is a format
// error the caller should reject at parse time rather than here.
func (p Path) Equal(other Path) bool {
	return p.Digest() == other.Digest()
}

// References is the set of other store objects referenced by a store object,
// plus whether the object references itself.
type References struct {
	Self   bool
	Others sortedset.Set[Path]
}

// IsEmpty reports whether refs is the empty reference set.
func (refs References) IsEmpty() bool {
	return !refs.Self && refs.Others.Len() == 0
}

// FixedOutputPath computes the store path of a fixed-output store object
// following spec §4.1:
//  1. inner = sha256("<method>:<algo>:<digest>:<store-dir>:<name>")
//     (or "text:<refs>:<algo>:<digest>:<store-dir>:<name>" for text)
//  2. outer = sha256("output:out:sha256:<inner>:<store-dir>:<name>")
//     (or "text:sha256:<inner>:<store-dir>:<name>" for text)
//  3. truncate outer to 20 bytes (XOR fold), base-32 encode, append "-<name>".
func FixedOutputPath(dir Directory, name string, ca nixhash.ContentAddress, refs References) (Path, error) {
	if ca.IsZero() {
		return "", fmt.Errorf("fixed output path for %s: null content address", name)
	}
	if refs.Self && ca.IsText() {
		return "", fmt.Errorf("fixed output path for %s: self-references not allowed in text", name)
	}
	if !refs.IsEmpty() && ca.IsFixed() {
		return "", fmt.Errorf("fixed output path for %s: references not allowed in fixed output", name)
	}

	h := ca.Hash()
	inner := sha256.New()
	if ca.IsText() {
		fmt.Fprintf(inner, "text:%s:%s:%s:%s:%s", renderRefs(refs), h.Type(), h.Base16(), dir, name)
	} else {
		fmt.Fprintf(inner, "%s%s:%s:%s:%s", methodPrefix(ca), h.Type(), h.Base16(), dir, name)
	}
	innerDigest := inner.Sum(nil)

	outer := sha256.New()
	switch {
	case ca.IsText():
		fmt.Fprintf(outer, "text:sha256:%x:%s:%s", innerDigest, dir, name)
	default:
		fmt.Fprintf(outer, "output:out:sha256:%x:%s:%s", innerDigest, dir, name)
	}
	compressed := make([]byte, 20)
	nixhash.CompressHash(compressed, outer.Sum(nil))

	digest32 := nixhash.EncodeBase32(compressed)
	return ParsePath(dir.Join(digest32 + "-" + name))
}

// MakeDigest computes a store path digest from an arbitrary fingerprint
// hasher h that has already been fed the caller's identifying bytes,
// following the same compress-and-base32-encode tail as [FixedOutputPath].
func MakeDigest(h hash.Hash, dir string, hashPart nixhash.Hash, name string) string {
	io.WriteString(h, ":")
	io.WriteString(h, hashPart.Base16())
	io.WriteString(h, ":")
	io.WriteString(h, dir)
	io.WriteString(h, ":")
	io.WriteString(h, name)
	fingerprintHash := h.Sum(nil)
	compressed := make([]byte, 20)
	nixhash.CompressHash(compressed, fingerprintHash)
	return nixhash.EncodeBase32(compressed)
}

func methodPrefix(ca nixhash.ContentAddress) string {
	switch ca.Method() {
	case nixhash.NAR:
		return "r:"
	case nixhash.Git:
		return "git:"
	default:
		return ""
	}
}

// renderRefs canonically orders the reference set (byte-lex of rendered
// store paths) as required by spec §4.1 step 2's tie-break rule.
func renderRefs(refs References) string {
	names := make([]string, 0, refs.Others.Len())
	for i := 0; i < refs.Others.Len(); i++ {
		names = append(names, string(refs.Others.At(i)))
	}
	s := strings.Join(names, ",")
	if refs.Self {
		if s != "" {
			s += ","
		}
		s += "self"
	}
	return s
}

type pathStyle int8

const (
	posixStyle pathStyle = 1 + iota
	windowsStyle
)

func localPathStyle() pathStyle {
	if runtime.GOOS == "windows" {
		return windowsStyle
	}
	return posixStyle
}

func detectPathStyle(path string) pathStyle {
	switch {
	case posixpath.IsAbs(path):
		return posixStyle
	case windowspath.IsAbs(path):
		return windowsStyle
	default:
		return 0
	}
}
