// Package docs is generated by swag from the handler annotations in
// internal/transport/http. Regenerate with:
//
//	swag init -g cmd/api/main.go -o docs
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/jobs": {
            "post": {
                "description": "Stores the job as pending and pushes it onto the lane of its priority.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Create a new job",
                "parameters": [
                    {
                        "description": "job (priority: default|high)",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/httptransport.createJobDTO"}
                    }
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/httptransport.createJobResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/jobs/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Get job by id",
                "parameters": [
                    {"type": "string", "description": "job id (uuid)", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.jobResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/admin/jobs": {
            "get": {
                "security": [{"BasicAuth": []}],
                "produces": ["application/json"],
                "tags": ["admin"],
                "summary": "List jobs",
                "parameters": [
                    {"type": "string", "description": "pending|processing|completed|failed", "name": "status", "in": "query"},
                    {"type": "string", "description": "job type", "name": "type", "in": "query"},
                    {"type": "string", "description": "default|high", "name": "priority", "in": "query"},
                    {"type": "integer", "description": "page size (default 50, max 500)", "name": "limit", "in": "query"},
                    {"type": "integer", "description": "rows to skip", "name": "offset", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.jobListResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/admin/failed": {
            "get": {
                "security": [{"BasicAuth": []}],
                "produces": ["application/json"],
                "tags": ["admin"],
                "summary": "List failed jobs, most recently updated first",
                "parameters": [
                    {"type": "integer", "description": "page size (default 50, max 500)", "name": "limit", "in": "query"},
                    {"type": "integer", "description": "rows to skip", "name": "offset", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.jobListResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/admin/jobs/{id}/retry": {
            "post": {
                "security": [{"BasicAuth": []}],
                "description": "Resets attempts and error and re-enqueues with the original priority.",
                "produces": ["application/json"],
                "tags": ["admin"],
                "summary": "Retry a failed job",
                "parameters": [
                    {"type": "string", "description": "job id (uuid)", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.okResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/admin/jobs/{id}/dlq": {
            "post": {
                "security": [{"BasicAuth": []}],
                "produces": ["application/json"],
                "tags": ["admin"],
                "summary": "Move a job to the dead-letter list",
                "parameters": [
                    {"type": "string", "description": "job id (uuid)", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.okResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/admin/dlq": {
            "get": {
                "security": [{"BasicAuth": []}],
                "produces": ["application/json"],
                "tags": ["admin"],
                "summary": "List ids on the dead-letter list, oldest first",
                "parameters": [
                    {"type": "integer", "description": "page size (default 50)", "name": "limit", "in": "query"},
                    {"type": "integer", "description": "entries to skip", "name": "offset", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.dlqResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        }
    },
    "definitions": {
        "httptransport.apiError": {
            "type": "object",
            "properties": {"message": {"type": "string"}}
        },
        "httptransport.createJobDTO": {
            "type": "object",
            "properties": {
                "payload": {"type": "object"},
                "priority": {"type": "string"},
                "type": {"type": "string"}
            }
        },
        "httptransport.createJobResp": {
            "type": "object",
            "properties": {"jobId": {"type": "string"}}
        },
        "httptransport.dlqResp": {
            "type": "object",
            "properties": {"jobIds": {"type": "array", "items": {"type": "string"}}}
        },
        "httptransport.jobListResp": {
            "type": "object",
            "properties": {"jobs": {"type": "array", "items": {"$ref": "#/definitions/httptransport.jobResp"}}}
        },
        "httptransport.jobResp": {
            "type": "object",
            "properties": {
                "attempts": {"type": "integer"},
                "createdAt": {"type": "string"},
                "error": {"type": "string"},
                "id": {"type": "string"},
                "payload": {"type": "object"},
                "priority": {"type": "string"},
                "result": {"type": "object"},
                "status": {"type": "string"},
                "type": {"type": "string"},
                "updatedAt": {"type": "string"}
            }
        },
        "httptransport.okResp": {
            "type": "object",
            "properties": {"ok": {"type": "boolean"}}
        }
    },
    "securityDefinitions": {
        "BasicAuth": {"type": "basic"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Job Queue Service API",
	Description:      "Priority job queue with retry and dead-letter routing.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
