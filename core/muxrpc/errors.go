// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package muxrpc

import (
	"encoding/json"
	"fmt"
)

// HandlerError is an error reported by the remote handler of a request.
type HandlerError struct {
	Name    string
	Message string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("muxrpc: '%s' failed: %s", e.Name, e.Message)
}

type errorBody struct {
	Err interface{} `json:"err"`
}

func errorFromFrame(name string, f *Frame) *HandlerError {
	e := &HandlerError{Name: name, Message: string(f.Body.data)}
	var body errorBody
	if f.Body.isJSON && json.Unmarshal(f.Body.data, &body) == nil {
		if s, ok := body.Err.(string); ok {
			e.Message = s
		}
	}
	return e
}

func noHandler(name string) error {
	return fmt.Errorf("no handler for '%s'", name)
}
