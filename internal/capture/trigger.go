package capture

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool names understood from the editing agent's hook payload.
const (
	ToolWrite     = "Write"
	ToolEdit      = "Edit"
	ToolMultiEdit = "MultiEdit"
)

// ErrInvalidTrigger is returned when hook input cannot be decoded.
var ErrInvalidTrigger = errors.New("capture: invalid trigger")

// Envelope is the data common to every trigger.
type Envelope struct {
	SessionID string
	Cwd       string
	FilePath  string
	Source    string
}

// Meta returns the envelope itself.
func (e Envelope) Meta() Envelope {
	return e
}

// Trigger is one editing action. The set of implementations is closed:
// WriteTrigger, EditTrigger, MultiEditTrigger and IgnoredTrigger.
type Trigger interface {
	Meta() Envelope
	trigger()
}

// WriteTrigger is a full-file overwrite. Content is what the agent wrote and
// is only used when the file cannot be read back.
type WriteTrigger struct {
	Envelope
	Content string
}

// EditTrigger replaces one span of text.
type EditTrigger struct {
	Envelope
	OldString string
	NewString string
}

// Span is one replacement inside a MultiEditTrigger.
type Span struct {
	OldString string
	NewString string
}

// MultiEditTrigger replaces several spans in order.
type MultiEditTrigger struct {
	Envelope
	Edits []Span
}

// IgnoredTrigger is any tool that does not write files.
type IgnoredTrigger struct {
	Envelope
	Tool string
}

func (WriteTrigger) trigger()     {}
func (EditTrigger) trigger()      {}
func (MultiEditTrigger) trigger() {}
func (IgnoredTrigger) trigger()   {}

// hookInput mirrors the agent's PostToolUse payload.
type hookInput struct {
	ToolName  string `json:"tool_name"`
	SessionID string `json:"session_id"`
	Cwd       string `json:"cwd"`
	ToolInput struct {
		FilePath  string `json:"file_path"`
		Content   string `json:"content"`
		OldString string `json:"old_string"`
		NewString string `json:"new_string"`
		Edits     []struct {
			OldString string `json:"old_string"`
			NewString string `json:"new_string"`
		} `json:"edits"`
	} `json:"tool_input"`
}

//go:embed schema/hook.schema.json
var hookSchemaJSON []byte

const hookSchemaURL = "https://edittrail.dev/schema/hook-input-v1.json"

var (
	hookSchema     *jsonschema.Schema
	hookSchemaErr  error
	hookSchemaOnce sync.Once
)

func compiledHookSchema() (*jsonschema.Schema, error) {
	hookSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(hookSchemaURL, bytes.NewReader(hookSchemaJSON)); err != nil {
			hookSchemaErr = fmt.Errorf("add hook schema: %w", err)
			return
		}
		hookSchema, hookSchemaErr = compiler.Compile(hookSchemaURL)
	})
	return hookSchema, hookSchemaErr
}

// ParseHookInput decodes the hook payload into a Trigger tagged with source.
// Unknown tool names yield an IgnoredTrigger.
func ParseHookInput(data []byte, source string) (Trigger, error) {
	schema, err := compiledHookSchema()
	if err != nil {
		return nil, err
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}

	var in hookInput
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}

	env := Envelope{
		SessionID: in.SessionID,
		Cwd:       in.Cwd,
		FilePath:  in.ToolInput.FilePath,
		Source:    source,
	}

	switch in.ToolName {
	case ToolWrite:
		return WriteTrigger{Envelope: env, Content: in.ToolInput.Content}, nil
	case ToolEdit:
		return EditTrigger{Envelope: env, OldString: in.ToolInput.OldString, NewString: in.ToolInput.NewString}, nil
	case ToolMultiEdit:
		spans := make([]Span, 0, len(in.ToolInput.Edits))
		for _, e := range in.ToolInput.Edits {
			spans = append(spans, Span{OldString: e.OldString, NewString: e.NewString})
		}
		return MultiEditTrigger{Envelope: env, Edits: spans}, nil
	default:
		return IgnoredTrigger{Envelope: env, Tool: in.ToolName}, nil
	}
}
