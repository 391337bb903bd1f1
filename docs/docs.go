// Package docs holds the OpenAPI description served at /swagger. The template
// is maintained by hand and lists the main routes only; running go generate
// ./cmd/recapgw replaces it with the full description built from the handler
// annotations.
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
        "/projects": {
            "get": {"security": [{"BearerAuth": []}], "tags": ["projects"], "summary": "List projects", "responses": {"200": {"description": "OK"}}},
            "post": {"security": [{"BearerAuth": []}], "tags": ["projects"], "summary": "Create a new project", "responses": {"201": {"description": "Created"}, "400": {"description": "Bad Request"}}}
        },
        "/projects/{id}": {
            "get": {"security": [{"BearerAuth": []}], "tags": ["projects"], "summary": "Get a project", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}},
            "patch": {"security": [{"BearerAuth": []}], "tags": ["projects"], "summary": "Update a project", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}}},
            "delete": {"security": [{"BearerAuth": []}], "tags": ["projects"], "summary": "Delete a project", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"204": {"description": "No Content"}, "409": {"description": "Project has active jobs"}}}
        },
        "/uploads": {
            "post": {"security": [{"BearerAuth": []}], "tags": ["uploads"], "summary": "Upload a file", "consumes": ["multipart/form-data"], "responses": {"201": {"description": "Created"}, "409": {"description": "Use a resumable upload"}}}
        },
        "/uploads/direct": {
            "post": {"security": [{"BearerAuth": []}], "tags": ["uploads"], "summary": "Upload a small file in one request", "consumes": ["multipart/form-data"], "responses": {"201": {"description": "Created"}, "413": {"description": "Request Entity Too Large"}}}
        },
        "/uploads/init": {
            "post": {"security": [{"BearerAuth": []}], "tags": ["uploads"], "summary": "Open a resumable upload", "responses": {"201": {"description": "Created"}}}
        },
        "/uploads/{uploadId}/complete": {
            "post": {"security": [{"BearerAuth": []}], "tags": ["uploads"], "summary": "Finish a resumable upload", "parameters": [{"type": "string", "name": "uploadId", "in": "path", "required": true}], "responses": {"201": {"description": "Created"}, "410": {"description": "Session expired"}}}
        },
        "/jobs": {
            "get": {"security": [{"BearerAuth": []}], "tags": ["jobs"], "summary": "List jobs", "responses": {"200": {"description": "OK"}}},
            "post": {"security": [{"BearerAuth": []}], "tags": ["jobs"], "summary": "Create a processing job", "responses": {"201": {"description": "Created"}, "402": {"description": "Monthly job quota exhausted"}}}
        },
        "/jobs/{id}/progress": {
            "get": {"security": [{"BearerAuth": []}], "tags": ["jobs"], "summary": "Poll job progress", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}}}
        },
        "/jobs/{id}/actions": {
            "post": {"security": [{"BearerAuth": []}], "tags": ["jobs"], "summary": "Act on a job", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "409": {"description": "Conflict"}}}
        },
        "/callbacks/jobs/{jobId}": {
            "post": {"tags": ["callbacks"], "summary": "Backend job report", "parameters": [{"type": "string", "name": "jobId", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "401": {"description": "Bad signature"}}}
        },
        "/usage": {
            "get": {"security": [{"BearerAuth": []}], "tags": ["usage"], "summary": "Current usage against quotas", "responses": {"200": {"description": "OK"}}}
        }
    },
    "securityDefinitions": {
        "BearerAuth": {
            "description": "Type \"Bearer\" followed by a space and the access token.",
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "RecapFlow API Gateway",
	Description:      "Tenant-scoped projects, uploads and processing jobs for the movie recap pipeline.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
