package tools

import (
	"fmt"
	"regexp"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/toolcall"
)

const smsSendSchema = `{
	"type": "object",
	"properties": {
		"to": {"type": "string"},
		"body": {"type": "string", "minLength": 1, "maxLength": 1600}
	},
	"required": ["to", "body"],
	"additionalProperties": true
}`

const listSchema = `{
	"type": "object",
	"properties": {
		"limit": {"type": "integer", "minimum": 1, "maximum": 100}
	},
	"additionalProperties": true
}`

const callMakeSchema = `{
	"type": "object",
	"properties": {
		"to": {"type": "string"}
	},
	"required": ["to"],
	"additionalProperties": true
}`

// e164 is validated in-dispatcher so malformed numbers never reach the
// provider or count against its retries.
var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

func registerMessaging(reg *toolcall.Registry, deps Deps) {
	reg.MustRegister("sms_send", smsSendSchema, func(ctx domain.Context, call domain.ToolCall) (any, error) {
		to := stringParam(call.Parameters, "to")
		if !e164.MatchString(to) {
			return nil, fmt.Errorf("op=tools.sms_send: %q is not an E.164 phone number: %w", to, domain.ErrInvalidArgument)
		}
		if deps.Messaging == nil {
			return nil, errNotConfigured("sms_send")
		}
		return deps.Messaging.SendSMS(ctx, to, stringParam(call.Parameters, "body"))
	})
	reg.MustRegister("sms_list", listSchema, func(ctx domain.Context, call domain.ToolCall) (any, error) {
		if deps.Messaging == nil {
			return nil, errNotConfigured("sms_list")
		}
		return deps.Messaging.ListSMS(ctx, intParam(call.Parameters, "limit", 20))
	})
	reg.MustRegister("call_make", callMakeSchema, func(ctx domain.Context, call domain.ToolCall) (any, error) {
		to := stringParam(call.Parameters, "to")
		if !e164.MatchString(to) {
			return nil, fmt.Errorf("op=tools.call_make: %q is not an E.164 phone number: %w", to, domain.ErrInvalidArgument)
		}
		if deps.Messaging == nil {
			return nil, errNotConfigured("call_make")
		}
		return deps.Messaging.MakeCall(ctx, to)
	})
	reg.MustRegister("call_list", listSchema, func(ctx domain.Context, call domain.ToolCall) (any, error) {
		if deps.Messaging == nil {
			return nil, errNotConfigured("call_list")
		}
		return deps.Messaging.ListCalls(ctx, intParam(call.Parameters, "limit", 20))
	})
}
