// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

// Package backend provides a [store] implementation backed by local compute resources.
package backend

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/NixOS/nix-sub009/internal/jsonrpc"
	"github.com/NixOS/nix-sub009/internal/zbstorerpc"
	"github.com/NixOS/nix-sub009/store"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Options is the set of optional parameters to [NewServer].
type Options struct {
	// RealDir is where the store objects are located physically on disk.
	// If empty, defaults to the store directory.
	RealDir string
	// BuildDir is where realizations' working directories will be placed.
	// If empty, defaults to [os.TempDir].
	BuildDir string
}

// Server is a local store.
// Server implements [jsonrpc.Handler] and is intended to be used with [jsonrpc.Serve].
type Server struct {
	dir      store.Directory
	realDir  string
	buildDir string
	db       *sqlitemigration.Pool

	inProgress mutexMap[store.Path]
	writing    mutexMap[store.Path]
}

// realPath returns the location of path on the local filesystem.
func (s *Server) realPath(path store.Path) string {
	return filepath.Join(s.realDir, path.Base())
}

// NewServer returns a new [Server] for the given store directory and database path.
// Callers are responsible for calling [Server.Close] on the returned server.
// NewServer will panic if given a store directory that is not native
func NewServer(dir store.Directory, dbPath string, opts *Options) *Server {
	if !dir.IsNative() {
		panic("backend.NewServer: store directory " + string(dir) + " is not native")
	}
	srv := &Server{
		dir:      dir,
		realDir:  opts.RealDir,
		buildDir: opts.BuildDir,

		db: sqlitemigration.NewPool(dbPath, loadSchema(), sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn: prepareConn,
			OnStartMigrate: func() {
				ctx := context.Background()
				log.Debugf(ctx, "Migrating...")
			},
			OnReady: func() {
				ctx := context.Background()
				log.Debugf(ctx, "Database ready")
			},
			OnError: func(err error) {
				ctx := context.Background()
				log.Errorf(ctx, "Migration: %v", err)
			},
		}),
	}
	if srv.realDir == "" {
		srv.realDir = string(srv.dir)
	}
	if srv.buildDir == "" {
		srv.buildDir = os.TempDir()
	}
	return srv
}

// Close releases any resources associated with the server.
func (s *Server) Close() error {
	return s.db.Close()
}

// JSONRPC implements the [jsonrpc.Handler] interface
// and serves the store daemon API.
func (s *Server) JSONRPC(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return jsonrpc.ServeMux{
		zbstorerpc.ExistsMethod:  jsonrpc.HandlerFunc(s.exists),
		zbstorerpc.RealizeMethod: jsonrpc.HandlerFunc(s.realize),
		zbstorerpc.ExportMethod:  jsonrpc.HandlerFunc(s.export),
	}.JSONRPC(ctx, req)
}

func (s *Server) exists(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args zbstorerpc.ExistsRequest
	if err := json.Unmarshal(req.Params, &args); err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	p, sub, err := s.dir.ParsePath(args.Path)
	if err != nil {
		log.Debugf(ctx, "Queried invalid path %s", args.Path)
		return &jsonrpc.Response{
			Result: json.RawMessage("false"),
		}, nil
	}
	unlock, err := s.inProgress.lock(ctx, p)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if _, err := os.Lstat(filepath.Join(s.realDir, p.Base(), filepath.FromSlash(sub))); err != nil {
		log.Debugf(ctx, "%s does not exist (%v)", args.Path, err)
		return &jsonrpc.Response{
			Result: json.RawMessage("false"),
		}, nil
	}
	log.Debugf(ctx, "%s exists", args.Path)
	return &jsonrpc.Response{
		Result: json.RawMessage("true"),
	}, nil
}

var errObjectExists = errors.New("store object exists")

func insertObject(ctx context.Context, conn *sqlite.Conn, info *ObjectInfo) (err error) {
	log.Debugf(ctx, "Registering metadata for %s", info.StorePath)

	defer sqlitex.Save(conn)(&err)

	if err := upsertPath(conn, info.StorePath); err != nil {
		return fmt.Errorf("insert %s into database: %v", info.StorePath, err)
	}
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_object.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":path":     string(info.StorePath),
			":nar_size": info.NARSize,
			":nar_hash": info.NARHash.SRI(),
			":ca":       info.CA.String(),
		},
	})
	if sqlite.ErrCode(err) == sqlite.ResultConstraintRowID {
		return fmt.Errorf("insert %s into database: %w", info.StorePath, errObjectExists)
	}
	if err != nil {
		return fmt.Errorf("insert %s into database: %v", info.StorePath, err)
	}

	addRefStmt, err := sqlitex.PrepareTransientFS(conn, sqlFiles(), "add_reference.sql")
	if err != nil {
		return fmt.Errorf("insert %s into database: %v", info.StorePath, err)
	}
	defer addRefStmt.Finalize()

	addRefStmt.SetText(":referrer", string(info.StorePath))
	for ref := range info.References.Values() {
		if err := upsertPath(conn, ref); err != nil {
			return fmt.Errorf("insert %s into database: %v", info.StorePath, err)
		}
		addRefStmt.SetText(":reference", string(ref))
		if _, err := addRefStmt.Step(); err != nil {
			return fmt.Errorf("insert %s into database: add reference %s: %v", info.StorePath, ref, err)
		}
		if err := addRefStmt.Reset(); err != nil {
			return fmt.Errorf("insert %s into database: add reference %s: %v", info.StorePath, ref, err)
		}
	}

	return nil
}

type peerContextKey struct{}

// WithPeer returns a copy of parent
// in which the given handler is used as the client's connection.
func WithPeer(parent context.Context, peer jsonrpc.Handler) context.Context {
	return context.WithValue(parent, peerContextKey{}, peer)
}

func peer(ctx context.Context) jsonrpc.Handler {
	p, _ := ctx.Value(peerContextKey{}).(jsonrpc.Handler)
	if p == nil {
		p = jsonrpc.HandlerFunc(func(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
			return nil, jsonrpc.Error(jsonrpc.InternalError, errors.New("no peer in context"))
		})
	}
	return p
}

func marshalResponse(data any) (*jsonrpc.Response, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, jsonrpc.Error(jsonrpc.InternalError, err)
	}
	return &jsonrpc.Response{Result: jsonData}, nil
}

// joinStrings is a small wrapper around [strings.Join] for types with an
// underlying string kind, used for diagnostic messages.
func joinStrings[S ~string](elems []S, sep string) string {
	sb := new(strings.Builder)
	for i, e := range elems {
		if i > 0 {
			sb.WriteString(sep)
		}
		sb.WriteString(string(e))
	}
	return sb.String()
}

// marshalJSONString marshals v as a JSON string, quoting the result.
func marshalJSONString(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// readonlySavepoint starts a savepoint intended only for queries:
// the returned function always rolls it back, regardless of any write
// a handler mistakenly performs inside it.
func readonlySavepoint(conn *sqlite.Conn) (rollback func(), err error) {
	release, err := sqlitex.Save(conn)
	if err != nil {
		return nil, err
	}
	return func() {
		rollbackErr := errReadonlySavepoint
		release(&rollbackErr)
	}, nil
}

var errReadonlySavepoint = errors.New("readonly savepoint")

func upsertPath(conn *sqlite.Conn, path store.Path) error {
	if path == "" {
		return nil
	}
	err := sqlitex.ExecuteFS(conn, sqlFiles(), "upsert_path.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
	})
	if err != nil {
		return fmt.Errorf("upsert path %s: %v", path, err)
	}
	return nil
}

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = on;", nil); err != nil {
		return err
	}
	return nil
}

//go:embed sql/*.sql
//go:embed sql/schema/*.sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})

	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}
