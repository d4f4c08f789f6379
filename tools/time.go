package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RegisterTime adds the get_time tool: returns the current time, optionally
// in a requested IANA timezone.
func RegisterTime(r *Registry) error {
	spec := Spec{
		Name:        "get_time",
		Description: "Get the current date and time, optionally in a specific IANA timezone.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"timezone": {
					"type": "string",
					"description": "IANA timezone name such as Europe/Berlin. Defaults to UTC."
				}
			},
			"additionalProperties": false
		}`),
		Timeout: 5 * time.Second,
	}
	return r.Register(spec, timeHandler)
}

func timeHandler(_ context.Context, args json.RawMessage, _ Invocation) (any, error) {
	var in struct {
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	loc := time.UTC
	if in.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(in.Timezone)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", in.Timezone)
		}
	}
	now := time.Now().In(loc)
	return map[string]string{
		"time":     now.Format(time.RFC3339),
		"timezone": loc.String(),
		"weekday":  now.Weekday().String(),
	}, nil
}
