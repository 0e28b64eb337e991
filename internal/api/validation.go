package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// maxBodyBytes limits JSON request bodies.
const maxBodyBytes = 1 << 20

const courseProperties = `
	"title":           {"type": "string", "minLength": 3},
	"description":     {"type": "string", "minLength": 10},
	"instructor":      {"type": "string", "minLength": 3},
	"topics":          {"type": ["array", "string"], "items": {"type": "string"}},
	"price":           {"type": "number", "minimum": 0},
	"thumbnail_image": {"type": ["string", "null"]}`

const moduleProperties = `
	"title":         {"type": "string", "minLength": 3},
	"description":   {"type": "string", "minLength": 5},
	"order":         {"type": "integer", "minimum": 1},
	"pdf_content":   {"type": ["string", "null"]},
	"video_content": {"type": ["string", "null"]}`

var (
	createCourseSchema = mustSchema(`{
		"type": "object",
		"properties": {` + courseProperties + `},
		"required": ["title", "description", "instructor", "price"]
	}`)

	updateCourseSchema = mustSchema(`{
		"type": "object",
		"properties": {` + courseProperties + `},
		"minProperties": 1
	}`)

	createModuleSchema = mustSchema(`{
		"type": "object",
		"properties": {` + moduleProperties + `},
		"required": ["title", "description"]
	}`)

	updateModuleSchema = mustSchema(`{
		"type": "object",
		"properties": {` + moduleProperties + `},
		"minProperties": 1
	}`)

	reorderSchema = mustSchema(`{
		"type": "object",
		"properties": {
			"module_order": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"properties": {
						"id":    {"type": "integer", "minimum": 1},
						"order": {"type": "integer", "minimum": 1}
					},
					"required": ["id", "order"]
				}
			}
		},
		"required": ["module_order"]
	}`)
)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("api: invalid schema: %v", err))
	}
	return schema
}

// errBadRequest marks a body that failed to parse or validate.
var errBadRequest = errors.New("bad request")

// decodeBody validates the request body against schema and decodes it into
// out. Errors wrap errBadRequest.
func decodeBody(r *http.Request, schema *gojsonschema.Schema, out interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("%w: failed to read request body", errBadRequest)
	}
	if len(body) > maxBodyBytes {
		return fmt.Errorf("%w: request body too large", errBadRequest)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: malformed JSON", errBadRequest)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", errBadRequest, strings.Join(msgs, "; "))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// topicList accepts either a JSON array of strings or one comma-separated
// string.
type topicList []string

func (t *topicList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*t = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return errors.New("topics must be a string or an array of strings")
	}
	*t = []string{single}
	return nil
}
