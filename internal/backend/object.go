// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/NixOS/nix-sub009/store"
	"zombiezen.com/go/nix/nar"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Object implements [store.Store] by reading the object's recorded
// metadata from the store database. The returned object's WriteNAR
// method reads the store object directly off disk.
func (s *Server) Object(ctx context.Context, path store.Path) (store.Object, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer s.db.Put(conn)

	rollback, err := readonlySavepoint(conn)
	if err != nil {
		return nil, err
	}
	defer rollback()

	info, err := pathInfo(conn, path)
	if errors.Is(err, errObjectNotExist) {
		return nil, fmt.Errorf("object %s: %w", path, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("object %s: %v", path, err)
	}
	return &object{srv: s, trailer: *info.ToExportTrailer()}, nil
}

type object struct {
	srv     *Server
	trailer store.ExportTrailer
}

func (o *object) Trailer() *store.ExportTrailer {
	return &o.trailer
}

func (o *object) WriteNAR(ctx context.Context, dst io.Writer) error {
	if err := nar.DumpPath(dst, o.srv.realPath(o.trailer.StorePath)); err != nil {
		return fmt.Errorf("write nar for %s: %v", o.trailer.StorePath, err)
	}
	return nil
}

// likeEscaper escapes the SQL LIKE metacharacters '%', '_', and the
// escape character itself so a literal store path can be used as a
// LIKE prefix pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ResolvePathDigest finds the store path whose base name begins with
// digest, satisfying [cacheserver.PathResolver]. It returns
// [store.ErrNotFound] if no registered object matches.
func (s *Server) ResolvePathDigest(ctx context.Context, digest string) (store.Path, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return "", err
	}
	defer s.db.Put(conn)

	prefix := likeEscaper.Replace(string(s.dir) + "/" + digest)
	var found store.Path
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "resolve_digest.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":prefix": prefix},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			p, err := store.ParsePath(stmt.GetText("path"))
			if err != nil {
				return err
			}
			found = p
			return nil
		},
	})
	if err != nil {
		return "", fmt.Errorf("resolve digest %s: %v", digest, err)
	}
	if found == "" {
		return "", fmt.Errorf("resolve digest %s: %w", digest, store.ErrNotFound)
	}
	return found, nil
}
