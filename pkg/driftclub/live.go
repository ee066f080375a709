package driftclub

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/Atomregen/startAmpelBLE/pkg/errors"
)

// Progress is the live state of a running session.
type Progress struct {
	State     string `json:"state"`
	Lap       int    `json:"lap"`
	TotalLaps int    `json:"totalLaps,omitempty"`
}

// Finished reports whether the leaderboard marks the session done.
func (p Progress) Finished() bool {
	return strings.EqualFold(p.State, "finished")
}

// Progress reads the leaderboard of a session. The lap is the highest lap
// count among the listed drivers unless the response states it directly.
func (c *Client) Progress(ctx context.Context, sessionID string) (Progress, error) {
	body, err := c.get(ctx, "leaderboard", pathLeaderboard, "sessionID", sessionID)
	if err != nil {
		return Progress{}, err
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return Progress{}, errors.APIMalformedError(pathLeaderboard, err.Error())
	}
	if inner, ok := obj["leaderboard"].(map[string]interface{}); ok {
		obj = inner
	}

	p := Progress{State: stringOf(obj["state"])}
	if p.State == "" {
		p.State = stringOf(obj["status"])
	}
	p.TotalLaps, _ = intOf(obj["totalLaps"])

	for _, key := range []string{"currentLap", "lap"} {
		if n, ok := intOf(obj[key]); ok {
			p.Lap = n
			return p, nil
		}
	}
	for _, key := range []string{"entries", "results", "drivers", "leaderboard"} {
		list, ok := obj[key].([]interface{})
		if !ok {
			continue
		}
		for _, item := range list {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			for _, lk := range []string{"laps", "lap", "lapCount"} {
				if n, ok := intOf(m[lk]); ok && n > p.Lap {
					p.Lap = n
				}
			}
		}
		break
	}
	return p, nil
}
