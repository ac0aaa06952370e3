// Copyright 2026 Galen Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/galenhq/galen/pkg/storage"
)

// DefaultHTTPToolTimeout is the hard per-invocation timeout for
// HTTP-backed tools.
const DefaultHTTPToolTimeout = 90 * time.Second

// HTTPTool is a dynamically defined tool that POSTs its argument map as
// a JSON body to a configured endpoint and returns the response body.
// Store records of kind "function" get the same treatment: dynamic code
// is never evaluated in-process.
type HTTPTool struct {
	symbol               string
	description          string
	scope                Scope
	assignedSpecialistID *int64
	endpoint             string
	schema               map[string]any
	client               *http.Client
}

var _ Tool = (*HTTPTool)(nil)

// NewHTTPTool builds a tool from a store record.
func NewHTTPTool(record *storage.ToolRecord, timeout time.Duration) (*HTTPTool, error) {
	if record.Endpoint == "" {
		return nil, fmt.Errorf("tool %s: endpoint is required for kind %s", record.Symbol, record.Kind)
	}
	scope := Scope(record.Scope)
	if !scope.Valid() {
		return nil, fmt.Errorf("tool %s: invalid scope %q", record.Symbol, record.Scope)
	}
	if timeout <= 0 {
		timeout = DefaultHTTPToolTimeout
	}

	var schema map[string]any
	if record.ParamsSchemaJSON != "" {
		if err := json.Unmarshal([]byte(record.ParamsSchemaJSON), &schema); err != nil {
			return nil, fmt.Errorf("tool %s: invalid params schema: %w", record.Symbol, err)
		}
	}

	description := record.Description
	if description == "" {
		description = record.DisplayName
	}

	return &HTTPTool{
		symbol:               record.Symbol,
		description:          description,
		scope:                scope,
		assignedSpecialistID: record.AssignedSpecialistID,
		endpoint:             record.Endpoint,
		schema:               schema,
		client:               &http.Client{Timeout: timeout},
	}, nil
}

func (t *HTTPTool) Symbol() string               { return t.symbol }
func (t *HTTPTool) Description() string          { return t.description }
func (t *HTTPTool) Schema() map[string]any       { return t.schema }
func (t *HTTPTool) Scope() Scope                 { return t.scope }
func (t *HTTPTool) AssignedSpecialistID() *int64 { return t.assignedSpecialistID }

// Call POSTs the argument map to the endpoint and returns the body.
func (t *HTTPTool) Call(ctx context.Context, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to marshal arguments: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("tool endpoint request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read tool response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("tool endpoint returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return string(respBody), nil
}
