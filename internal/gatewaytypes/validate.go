package gatewaytypes

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// PayloadValidator compiles and applies a JSON Schema to the opaque fields
// the gateway actually consumes (dispatch.payload, workspace acknowledgement)
// while letting the remainder pass through unvalidated, per spec §9.
type PayloadValidator struct {
	schema *jsonschema.Schema
}

// NewPayloadValidator compiles schemaJSON into a reusable validator.
func NewPayloadValidator(schemaJSON string) (*PayloadValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &PayloadValidator{schema: schema}, nil
}

// Validate checks raw against the compiled schema.
func (v *PayloadValidator) Validate(raw []byte) error {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.schema.Validate(parsed); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// agentRunSchema validates the scheduler-relevant fields of an agent.run
// dispatch payload: nodeId, runId, workflowId, attemptCount, env.githubApiBaseUrl
// are required; everything else (node, secretRefs) passes through opaque.
const agentRunSchema = `{
	"type": "object",
	"required": ["nodeId", "runId", "workflowId", "attemptCount", "env"],
	"properties": {
		"nodeId": {"type": "string", "minLength": 1},
		"runId": {"type": "string", "minLength": 1},
		"workflowId": {"type": "string"},
		"attemptCount": {"type": "integer", "minimum": 1},
		"env": {
			"type": "object",
			"required": ["githubApiBaseUrl"],
			"properties": {
				"githubApiBaseUrl": {"type": "string", "minLength": 1}
			}
		},
		"secretRefs": {"type": "array", "items": {"type": "string"}}
	}
}`

// workspaceAckSchema validates the workspace acknowledgement a reply
// envelope may carry.
const workspaceAckSchema = `{
	"type": "object",
	"required": ["version", "objectKey"],
	"properties": {
		"version": {"type": "integer", "minimum": 0},
		"objectKey": {"type": "string", "minLength": 1},
		"etag": {"type": "string"}
	}
}`

var (
	agentRunValidator     *PayloadValidator
	workspaceAckValidator *PayloadValidator
)

func init() {
	var err error
	agentRunValidator, err = NewPayloadValidator(agentRunSchema)
	if err != nil {
		panic(fmt.Sprintf("gatewaytypes: compile agent.run schema: %v", err))
	}
	workspaceAckValidator, err = NewPayloadValidator(workspaceAckSchema)
	if err != nil {
		panic(fmt.Sprintf("gatewaytypes: compile workspace ack schema: %v", err))
	}
}

// ValidateAgentRunPayload parses and validates an `agent.run` dispatch
// payload, returning INVALID_AGENT_RUN_PAYLOAD on any violation.
func ValidateAgentRunPayload(raw json.RawMessage) (*AgentRunPayload, error) {
	if len(raw) == 0 {
		return nil, NewError(ErrInvalidAgentRunPayload, "empty payload")
	}
	if err := agentRunValidator.Validate(raw); err != nil {
		return nil, NewError(ErrInvalidAgentRunPayload, err.Error())
	}
	var payload AgentRunPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, NewError(ErrInvalidAgentRunPayload, err.Error())
	}
	return &payload, nil
}

// ValidateWorkspaceAck validates a workspace acknowledgement embedded in a
// reply envelope, returning GATEWAY_RESPONSE_INVALID on malformed input.
func ValidateWorkspaceAck(raw json.RawMessage) (*WorkspaceAck, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if err := workspaceAckValidator.Validate(raw); err != nil {
		return nil, NewError(ErrGatewayResponseInvalid, err.Error())
	}
	var ack WorkspaceAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, NewError(ErrGatewayResponseInvalid, err.Error())
	}
	return &ack, nil
}
