// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// Do marshals params (if non-nil) as the request's parameters, sends a
// call for method to h, and unmarshals the response's result into result
// (if non-nil). It is a convenience wrapper around [Handler.JSONRPC] for
// callers that work with Go values rather than raw JSON.
func Do(ctx context.Context, h Handler, method string, result any, params any) error {
	req := &Request{Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("call json rpc %s: marshal params: %w", method, err)
		}
		req.Params = paramsJSON
	}

	resp, err := h.JSONRPC(ctx, req)
	if err != nil {
		return err
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("call json rpc %s: unmarshal result: %w", method, err)
	}
	return nil
}
