// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package fetch

import "net/http"

// DefaultOptions configures [RegisterDefaultSchemes].
type DefaultOptions struct {
	// HTTPClient is shared by every HTTP-fetching scheme. If nil,
	// [http.DefaultClient] is used.
	HTTPClient *http.Client
	// VCSCacheDir is the root directory git/hg/fsl/pijul checkouts are
	// cached under.
	VCSCacheDir string
	// Tokens authenticates forge API requests.
	Tokens *TokenStore
	// TrustTarballsFromGitForges gates whether github/gitlab/sourcehut
	// tarballs are accepted without a narHash pin.
	TrustTarballsFromGitForges bool
}

// RegisterDefaultSchemes registers every built-in [InputScheme] with
// reg: the full set spec §4.5 names (path, file, http(s)/tarball, git,
// github, gitlab, sourcehut, hg, fsl, pijul).
func RegisterDefaultSchemes(reg *Registry, opts DefaultOptions) {
	reg.Register(PathScheme{})
	reg.Register(&FileScheme{HTTPClient: opts.HTTPClient})
	reg.Register(&TarballScheme{HTTPClient: opts.HTTPClient})
	reg.Register(&GitScheme{CacheDir: opts.VCSCacheDir})
	for _, vcs := range []*SimpleVCSScheme{NewMercurialScheme(), NewFossilScheme(), NewPijulScheme()} {
		vcs.CacheDir = opts.VCSCacheDir
		reg.Register(vcs)
	}

	for _, forge := range []*ForgeScheme{NewGitHubScheme(), NewGitLabScheme(), NewSourceHutScheme()} {
		forge.HTTPClient = opts.HTTPClient
		forge.Tokens = opts.Tokens
		forge.TrustTarballsFromGitForges = opts.TrustTarballsFromGitForges
		reg.Register(forge)
	}
}
