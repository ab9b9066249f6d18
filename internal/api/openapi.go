package api

import (
	"sort"

	"github.com/mattjoyce/tether/internal/manager"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the engine API. The
// route set is fixed; the discovered plugins only feed the function enum on
// the execute request schema.
func buildOpenAPIDoc(version string, plugins []manager.PluginStatus) map[string]any {
	var functions []string
	for _, p := range plugins {
		functions = append(functions, p.Functions...)
	}
	sort.Strings(functions)

	functionSchema := map[string]any{"type": "string"}
	if len(functions) > 0 {
		functionSchema["enum"] = functions
	}

	executeRequest := map[string]any{
		"type":     "object",
		"required": []string{"function"},
		"properties": map[string]any{
			"function":  functionSchema,
			"arguments": map[string]any{"type": "object"},
			"context": map[string]any{
				"type":  "array",
				"items": map[string]any{"$ref": "#/components/schemas/ContextMessage"},
			},
		},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Tether Engine",
			"version": version,
		},
		"paths": map[string]any{
			"/healthz": map[string]any{
				"get": map[string]any{
					"operationId": "healthz",
					"summary":     "Engine health and session counts",
					"responses":   responses("200"),
				},
			},
			"/v1/plugins": map[string]any{
				"get": map[string]any{
					"operationId": "listPlugins",
					"summary":     "List discovered plugins and their functions",
					"security":    bearer(),
					"responses":   responses("200", "401"),
				},
			},
			"/v1/sessions": map[string]any{
				"get": map[string]any{
					"operationId": "listSessions",
					"summary":     "List live plugin sessions",
					"security":    bearer(),
					"responses":   responses("200", "401"),
				},
			},
			"/v1/sessions/{plugin}/shutdown": map[string]any{
				"post": map[string]any{
					"operationId": "shutdownSession",
					"summary":     "Gracefully shut down a plugin session",
					"security":    bearer(),
					"parameters": []any{map[string]any{
						"name":     "plugin",
						"in":       "path",
						"required": true,
						"schema":   map[string]any{"type": "string"},
					}},
					"responses": responses("200", "401", "404"),
				},
			},
			"/v1/execute": map[string]any{
				"post": map[string]any{
					"operationId": "execute",
					"summary":     "Run one function call and wait for its result",
					"security":    bearer(),
					"requestBody": map[string]any{
						"required": true,
						"content": map[string]any{
							"application/json": map[string]any{"schema": executeRequest},
						},
					},
					"responses": responses("200", "400", "401", "404", "409", "429", "502", "504"),
				},
			},
			"/v1/input": map[string]any{
				"post": map[string]any{
					"operationId": "sendInput",
					"summary":     "Send user input to the passthrough session",
					"security":    bearer(),
					"requestBody": map[string]any{
						"required": true,
						"content": map[string]any{
							"application/json": map[string]any{
								"schema": map[string]any{
									"type":     "object",
									"required": []string{"content"},
									"properties": map[string]any{
										"content": map[string]any{"type": "string"},
									},
								},
							},
						},
					},
					"responses": responses("200", "400", "401", "409", "502", "504"),
				},
			},
			"/v1/executions": map[string]any{
				"get": map[string]any{
					"operationId": "listExecutions",
					"summary":     "List journaled executions, newest first",
					"security":    bearer(),
					"parameters": []any{
						queryParam("plugin", "string"),
						queryParam("status", "string"),
						queryParam("limit", "integer"),
					},
					"responses": responses("200", "400", "401"),
				},
			},
			"/v1/executions/{executionID}": map[string]any{
				"get": map[string]any{
					"operationId": "getExecution",
					"summary":     "Fetch one execution with its event trail",
					"security":    bearer(),
					"parameters": []any{map[string]any{
						"name":     "executionID",
						"in":       "path",
						"required": true,
						"schema":   map[string]any{"type": "string"},
					}},
					"responses": responses("200", "401", "404"),
				},
			},
			"/v1/events": map[string]any{
				"get": map[string]any{
					"operationId": "streamEvents",
					"summary":     "Server-sent events feed of engine activity",
					"security":    bearer(),
					"responses": map[string]any{
						"200": map[string]any{
							"description": "event stream",
							"content": map[string]any{
								"text/event-stream": map[string]any{},
							},
						},
					},
				},
			},
		},
		"components": map[string]any{
			"schemas": map[string]any{
				"ContextMessage": map[string]any{
					"type":     "object",
					"required": []string{"role", "content"},
					"properties": map[string]any{
						"role":    map[string]any{"type": "string"},
						"content": map[string]any{"type": "string"},
					},
				},
			},
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func bearer() []any {
	return []any{map[string]any{"BearerAuth": []any{}}}
}

func queryParam(name, typ string) map[string]any {
	return map[string]any{
		"name":   name,
		"in":     "query",
		"schema": map[string]any{"type": typ},
	}
}

var statusDescriptions = map[string]string{
	"200": "OK",
	"400": "Bad request",
	"401": "Unauthorized",
	"404": "Not found",
	"409": "Conflict",
	"429": "Rate limited",
	"502": "Plugin failed",
	"503": "Shutting down",
	"504": "Deadline exceeded",
}

func responses(codes ...string) map[string]any {
	out := make(map[string]any, len(codes))
	for _, c := range codes {
		out[c] = map[string]any{"description": statusDescriptions[c]}
	}
	return out
}
