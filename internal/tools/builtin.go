package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RegisterBuiltins adds the tools that need no external services.
func RegisterBuiltins(r *Registry) {
	r.Register(&Tool{
		Name:        "current_time",
		Description: "Get the current date and time, optionally in a named IANA timezone.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA timezone name, e.g. Europe/Oslo. Defaults to the server timezone.",
				},
			},
		},
		Handler: currentTime,
	})

	r.Register(&Tool{
		Name:        "sender_location",
		Description: "Get the message sender's last reported GPS position, if the channel provided one.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: senderLocation,
	})
}

func currentTime(ctx context.Context, args map[string]any) (string, error) {
	now := time.Now()
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", tz)
		}
		now = now.In(loc)
	}
	return now.Format("Monday, 2 January 2006 15:04:05 MST"), nil
}

func senderLocation(ctx context.Context, args map[string]any) (string, error) {
	loc, ok := LocationFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("no location is available for this sender")
	}
	out, err := json.Marshal(map[string]any{
		"latitude":    loc.Latitude,
		"longitude":   loc.Longitude,
		"reported_at": loc.At.Format(time.RFC3339),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
