package tasksvc

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/coretask/boardqueue/internal/store"
)

// ErrInvalidPayload is returned when an integration task's payload fails
// JSON Schema validation; the caller maps this to ProtocolError (400).
var ErrInvalidPayload = fmt.Errorf("tasksvc: invalid payload")

// payloadSchemas holds one compiled JSON Schema per integration task_type.
// agent_run carries prompt_text instead of payload and is never validated
// here.
var payloadSchemas = map[store.TaskType]string{
	store.TaskJiraImport: `{
		"type": "object",
		"required": ["project_key"],
		"properties": {
			"project_key": {"type": "string", "minLength": 1},
			"jql": {"type": "string"}
		}
	}`,
	store.TaskJiraPush: `{
		"type": "object",
		"required": ["issue_key"],
		"properties": {
			"issue_key": {"type": "string", "minLength": 1},
			"summary": {"type": "string"},
			"description": {"type": "string"}
		}
	}`,
	store.TaskJiraSync: `{
		"type": "object",
		"required": ["project_key"],
		"properties": {
			"project_key": {"type": "string", "minLength": 1}
		}
	}`,
	store.TaskGitLabLink: `{
		"type": "object",
		"required": ["project_path"],
		"properties": {
			"project_path": {"type": "string", "minLength": 1}
		}
	}`,
	store.TaskGitLabCreateProject: `{
		"type": "object",
		"required": ["name", "namespace"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"namespace": {"type": "string", "minLength": 1},
			"visibility": {"type": "string", "enum": ["private", "internal", "public"]}
		}
	}`,
	store.TaskGitLabPush: `{
		"type": "object",
		"required": ["project_path", "branch"],
		"properties": {
			"project_path": {"type": "string", "minLength": 1},
			"branch": {"type": "string", "minLength": 1}
		}
	}`,
	store.TaskBoardPlan: `{
		"type": "object",
		"properties": {
			"goal": {"type": "string"}
		}
	}`,
	store.TaskCardGen: `{
		"type": "object",
		"required": ["topic"],
		"properties": {
			"topic": {"type": "string", "minLength": 1},
			"count": {"type": "integer", "minimum": 1}
		}
	}`,
}

var (
	compiledOnce sync.Once
	compiled     map[store.TaskType]*jsonschema.Schema
	compileErr   error
)

func compiledSchemas() (map[store.TaskType]*jsonschema.Schema, error) {
	compiledOnce.Do(func() {
		c := jsonschema.NewCompiler()
		out := make(map[store.TaskType]*jsonschema.Schema, len(payloadSchemas))
		for taskType, raw := range payloadSchemas {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
			if err != nil {
				compileErr = fmt.Errorf("unmarshal schema for %s: %w", taskType, err)
				return
			}
			resource := string(taskType) + ".json"
			if err := c.AddResource(resource, doc); err != nil {
				compileErr = fmt.Errorf("add schema resource for %s: %w", taskType, err)
				return
			}
			schema, err := c.Compile(resource)
			if err != nil {
				compileErr = fmt.Errorf("compile schema for %s: %w", taskType, err)
				return
			}
			out[taskType] = schema
		}
		compiled = out
	})
	return compiled, compileErr
}

// ValidatePayload checks an integration task's opaque payload bag against
// its task_type's JSON Schema before the task is queued (SPEC_FULL §4.4).
// agent_run tasks carry prompt_text, not payload, and always pass.
func ValidatePayload(taskType store.TaskType, payload string) error {
	if taskType == store.TaskAgentRun {
		return nil
	}
	schemas, err := compiledSchemas()
	if err != nil {
		return fmt.Errorf("compile payload schemas: %w", err)
	}
	schema, ok := schemas[taskType]
	if !ok {
		return nil
	}
	if strings.TrimSpace(payload) == "" {
		return fmt.Errorf("%w: %s requires a non-empty payload", ErrInvalidPayload, taskType)
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: payload is not valid JSON: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
