// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/NixOS/nix-sub009/internal/nixhash"
	"github.com/NixOS/nix-sub009/store"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

/*
This file contains querying and manipulating functions
for the store directory and the store database.
*/

// readDerivationClosure reads the given derivations from the store
// and the transitive closure of derivations those derivations depend on.
func (s *Server) readDerivationClosure(ctx context.Context, drvPaths []store.Path) (map[store.Path]*store.Derivation, error) {
	stack := slices.Clone(drvPaths)
	result := make(map[store.Path]*store.Derivation)
	for len(stack) > 0 {
		curr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if result[curr] != nil {
			continue
		}
		drv, err := s.readDerivation(ctx, curr)
		if err != nil {
			return nil, err
		}
		result[curr] = drv
		for inputDrvPath := range drv.InputDerivations {
			stack = append(stack, inputDrvPath)
		}
	}

	// Walk through closure to ensure that every named output exists.
	for drvPath, drv := range result {
		for inputDrvPath, outputNames := range drv.InputDerivations {
			for outputName := range outputNames.Values() {
				if _, ok := result[inputDrvPath].Outputs[outputName]; !ok {
					return result, fmt.Errorf("derivation %s depends on non-existent output %s!%s", drvPath, inputDrvPath, outputName)
				}
			}
		}
	}

	return result, nil
}

// readDerivation reads a derivation file from the store
// and validates that it fits the constraints that this backend imposes on derivations.
// As a side effect, if readDerivation succeeds,
// callers can assume that all inputs are present in the store without acquiring the writing lock.
func (s *Server) readDerivation(ctx context.Context, drvPath store.Path) (*store.Derivation, error) {
	drvName, isDrv := store.DerivationName(drvPath)
	if !isDrv {
		return nil, fmt.Errorf("read derivation %s: not a %s file", drvPath, store.DerivationExt)
	}
	log.Debugf(ctx, "Waiting for lock on %s to read derivation...", drvPath)
	unlock, err := s.writing.lock(ctx, drvPath)
	if err != nil {
		return nil, fmt.Errorf("read derivation %s: waiting for lock: %w", drvPath, err)
	}
	defer unlock()
	log.Debugf(ctx, "Reading derivation %s (lock acquired)", drvPath)
	realDrvPath := s.realPath(drvPath)
	if info, err := os.Lstat(realDrvPath); err != nil {
		return nil, err
	} else if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("read derivation %s: not a regular file", drvPath)
	}
	drvData, err := os.ReadFile(realDrvPath)
	if err != nil {
		return nil, fmt.Errorf("read derivation %s: %v", drvPath, err)
	}
	drv, err := store.ParseDerivation(s.dir, drvName, drvData)
	if err != nil {
		return nil, fmt.Errorf("read derivation %s: %v", drvPath, err)
	}
	if err := validateOutputs(drv); err != nil {
		return nil, fmt.Errorf("read derivation %s: %v", drvPath, err)
	}
	return drv, nil
}

// closurePaths finds all store paths that the given path transitively refers to
// and calls the yield function with each path,
// including the original path itself.
// If an equivalence class is given,
// then any given path may have zero or more non-zero equivalence classes associated with it,
// indicating which equivalence class produced the path
// during evaluation of the given equivalence class.
// If closurePaths does not return an error,
// closurePaths is guaranteed to have called yield at least once.
//
// closurePaths uses information from both the references table and the reference classes table.
// closurePaths may return an incomplete closure for paths that don't exist on the disk.
func closurePaths(conn *sqlite.Conn, pe pathAndEquivalenceClass, yield func(pathAndEquivalenceClass) bool) error {
	errStop := errors.New("stop iteration")

	args := map[string]any{
		":path":               string(pe.path),
		":drv_hash_algorithm": nil,
		":drv_hash_bits":      nil,
		":output_name":        nil,
	}
	if !pe.equivalenceClass.isZero() {
		h, err := pe.equivalenceClass.drvHash()
		if err != nil {
			return fmt.Errorf("find closure of %s: %v", pe.path, err)
		}
		args[":drv_hash_algorithm"] = string(h.Type())
		args[":drv_hash_bits"] = h.Bytes()
		args[":output_name"] = pe.equivalenceClass.outputName
	}

	dir := pe.path.Dir()
	calledYield := false
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "closure.sql", &sqlitex.ExecOptions{
		Named: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rawPath := stmt.GetText("path")
			var row pathAndEquivalenceClass
			var sub string
			var err error
			row.path, sub, err = dir.ParsePath(rawPath)
			if err != nil {
				return fmt.Errorf("path: %v", err)
			}
			if sub != "" {
				return fmt.Errorf("path %s: must not contain a sub-path", rawPath)
			}
			if hashAlgorithm := stmt.GetText("drv_hash_algorithm"); hashAlgorithm != "" {
				algo := nixhash.Algorithm(hashAlgorithm)
				bitsLength := stmt.GetLen("drv_hash_bits")
				if bitsLength != algo.Size() {
					return fmt.Errorf("path %s: derivation hash: incorrect size for %v (found %d instead of %d)",
						row.path, algo, bitsLength, algo.Size())
				}
				bits := make([]byte, bitsLength)
				stmt.GetBytes("drv_hash_bits", bits)
				outputName := stmt.GetText("output_name")
				if outputName != "" && !store.IsValidOutputName(outputName) {
					return fmt.Errorf("path %s: output name %q is not valid", row.path, outputName)
				}
				h, err := nixhash.New(algo, bits)
				if err != nil {
					return fmt.Errorf("path %s: derivation hash: %v", row.path, err)
				}
				row.equivalenceClass = newEquivalenceClass(h, outputName)
			}
			calledYield = true
			if !yield(row) {
				return errStop
			}
			return nil
		},
	})
	if err != nil && !errors.Is(err, errStop) {
		return fmt.Errorf("find closure of %s: %v", pe.path, err)
	}
	if !calledYield {
		return fmt.Errorf("find closure of %s: object not in store", pe.path)
	}
	return nil
}

// objectExists checks for the existence of a store object in the store database.
func objectExists(conn *sqlite.Conn, path store.Path) (bool, error) {
	var exists bool
	err := sqlitex.ExecuteFS(conn, sqlFiles(), "object_exists.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			exists = stmt.ColumnBool(0)
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("check existence of %s: %v", path, err)
	}
	return exists, nil
}

// pathInfo retrieves the recorded metadata for a store object, returning
// [errObjectNotExist] if the path has no metadata registered.
func pathInfo(conn *sqlite.Conn, path store.Path) (*ObjectInfo, error) {
	info := &ObjectInfo{StorePath: path}
	found := false
	err := sqlitex.ExecuteFS(conn, sqlFiles(), "object_info.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			info.NARSize = stmt.GetInt64("nar_size")
			narHash, err := nixhash.ParseHash(stmt.GetText("nar_hash"))
			if err != nil {
				return fmt.Errorf("nar_hash: %v", err)
			}
			info.NARHash = narHash
			if rawCA := stmt.GetText("ca"); rawCA != "" {
				ca, err := nixhash.ParseContentAddress(rawCA)
				if err != nil {
					return fmt.Errorf("ca: %v", err)
				}
				info.CA = ca
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("object info for %s: %v", path, err)
	}
	if !found {
		return nil, fmt.Errorf("object info for %s: %w", path, errObjectNotExist)
	}

	err = sqlitex.ExecuteFS(conn, sqlFiles(), "object_references.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ref, err := store.ParsePath(stmt.GetText("reference"))
			if err != nil {
				return fmt.Errorf("reference: %v", err)
			}
			info.References.Add(ref)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("object info for %s: references: %v", path, err)
	}

	return info, nil
}

func upsertDrvHash(conn *sqlite.Conn, h nixhash.Hash) error {
	if h.IsZero() {
		return nil
	}
	err := sqlitex.ExecuteFS(conn, sqlFiles(), "upsert_drv_hash.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":algorithm": string(h.Type()),
			":bits":      h.Bytes(),
		},
	})
	if err != nil {
		return fmt.Errorf("upsert derivation hash %v: %v", h, err)
	}
	return nil
}
