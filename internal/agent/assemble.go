package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/herald-dev/herald/internal/convo"
)

// assembleUserTurn normalizes the event's message parts into one user
// turn and persists it. Persisting before model invocation is the
// durability point for the request: a turn that is not logged never
// reaches the model.
func (e *Engine) assembleUserTurn(ctx context.Context, ev *Event, res *resolution) (convo.Turn, error) {
	var parts []convo.Part

	if ev.Location != nil {
		parts = append(parts, convo.Part{
			Type: convo.PartText,
			Text: describeLocation(ev.Location),
		})
	}

	for _, p := range ev.Parts {
		switch p.Kind {
		case PartText:
			if strings.TrimSpace(p.Text) == "" {
				continue
			}
			parts = append(parts, convo.Part{Type: convo.PartText, Text: p.Text})
		case PartImage:
			if p.ImageURL == "" {
				continue
			}
			parts = append(parts, convo.Part{Type: convo.PartImage, ImageURL: p.ImageURL})
		case PartAudio:
			if len(p.Audio) == 0 {
				continue
			}
			format := p.Format
			if format == "" {
				format = "ogg"
			}
			parts = append(parts, convo.Part{
				Type:   convo.PartAudio,
				Audio:  base64.StdEncoding.EncodeToString(p.Audio),
				Format: format,
			})
		}
	}

	if len(parts) == 0 {
		return convo.Turn{}, fmt.Errorf("event: no usable content after normalization")
	}

	turn := convo.User(parts, e.clock())
	if err := e.persistTurn(ctx, ev, res, turn, nil); err != nil {
		return convo.Turn{}, err
	}
	return turn, nil
}

func describeLocation(loc *Location) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Sender location: %.5f, %.5f", loc.Latitude, loc.Longitude)
	if loc.Label != "" {
		fmt.Fprintf(&sb, " (%s)", loc.Label)
	}
	if !loc.At.IsZero() {
		fmt.Fprintf(&sb, ", reported %s", loc.At.Format("2006-01-02 15:04 MST"))
	}
	return sb.String()
}
