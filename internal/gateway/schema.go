package gateway

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// taskSubmissionSchema is the JSON Schema for the /api/tasks request body.
// It enforces what the hand-rolled `strings.TrimSpace(req.Prompt) == ""`
// check used to check, plus the field types submitTaskRequest assumes.
const taskSubmissionSchema = `{
	"type": "object",
	"required": ["prompt"],
	"properties": {
		"prompt":       {"type": "string", "minLength": 1, "pattern": "\\S"},
		"work_dir":     {"type": "string"},
		"priority":     {"type": "integer"},
		"entity_id":    {"type": "string"},
		"depends_on":   {"type": "array", "items": {"type": "string"}},
		"agent_config": {"type": ["object", "null"]}
	}
}`

var (
	taskSchemaOnce sync.Once
	taskSchema     *jsonschema.Schema
	taskSchemaErr  error
)

func compiledTaskSchema() (*jsonschema.Schema, error) {
	taskSchemaOnce.Do(func() {
		// jsonschema.UnmarshalJSON gives json.Number handling, as required by
		// the validator itself.
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(taskSubmissionSchema))
		if err != nil {
			taskSchemaErr = fmt.Errorf("gateway: unmarshal task schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("task-submission.json", doc); err != nil {
			taskSchemaErr = fmt.Errorf("gateway: add schema resource: %w", err)
			return
		}
		sch, err := c.Compile("task-submission.json")
		if err != nil {
			taskSchemaErr = fmt.Errorf("gateway: compile task schema: %w", err)
			return
		}
		taskSchema = sch
	})
	return taskSchema, taskSchemaErr
}

// validateTaskSubmission checks body against taskSubmissionSchema before it
// is unmarshaled into submitTaskRequest, catching malformed or missing
// fields with the same precision jsonschema gives the config validator.
func validateTaskSubmission(body []byte) error {
	sch, err := compiledTaskSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return err
	}
	return nil
}
