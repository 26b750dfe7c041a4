package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FrameworkSystem is the framework name used for control traffic.
const FrameworkSystem = "System"

// Meta-class commands
const (
	CmdMetaClassCreate          = "meta-class:create"
	CmdMetaClassSetType         = "meta-class:set-type"
	CmdMetaClassSetParent       = "meta-class:set-parent"
	CmdMetaClassAddExtension    = "meta-class:add-extension"
	CmdMetaClassRemoveExtension = "meta-class:remove-extension"
	CmdMetaClassAddInterface    = "meta-class:add-interface"
	CmdMetaClassRemoveInterface = "meta-class:remove-interface"
)

// Query commands
const (
	CmdQueryStart        = "query:start-query"
	CmdQueryEnd          = "query:end-query"
	CmdQueryClearHistory = "query:clear-query-history"
	CmdQuerySetQuerier   = "query:set-querier"
	CmdQuerySetInterface = "query:set-interface"
)

var knownCommands = map[string]bool{
	CmdMetaClassCreate:          true,
	CmdMetaClassSetType:         true,
	CmdMetaClassSetParent:       true,
	CmdMetaClassAddExtension:    true,
	CmdMetaClassRemoveExtension: true,
	CmdMetaClassAddInterface:    true,
	CmdMetaClassRemoveInterface: true,
	CmdQueryStart:               true,
	CmdQueryEnd:                 true,
	CmdQueryClearHistory:        true,
	CmdQuerySetQuerier:          true,
	CmdQuerySetInterface:        true,
}

// IsKnownCommand reports whether cmd belongs to the documented vocabulary.
// Unknown commands are still forwarded; this is informational.
func IsKnownCommand(cmd string) bool {
	return knownCommands[cmd]
}

// CommandNamespace returns the part before the first ':' ("meta-class" for
// "meta-class:create"), or "" if the command is not namespaced.
func CommandNamespace(cmd string) string {
	ns, _, ok := strings.Cut(cmd, ":")
	if !ok {
		return ""
	}
	return ns
}

// DecodePayload converts the opaque payload map into T by way of JSON.
func DecodePayload[T any](m Message) (T, error) {
	var out T
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return out, fmt.Errorf("encode payload for %s: %w", m.Command, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode payload for %s: %w", m.Command, err)
	}
	return out, nil
}

// EncodePayload converts v into an opaque payload map.
func EncodePayload(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("payload must encode to an object: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: payload encoded to null", ErrInvalidEnvelope)
	}
	return out, nil
}
