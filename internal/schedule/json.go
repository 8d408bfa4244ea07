package schedule

import (
	"encoding/json"
	"time"
)

// Config and TaskSpec carry time.Duration fields in memory but are persisted
// with whole-second integers ("interval", "timeout"), so both get custom
// JSON codecs.

type configJSON struct {
	Type      Type      `json:"type"`
	Cron      string    `json:"cron,omitempty"`
	Interval  int64     `json:"interval,omitempty"`
	RunAt     time.Time `json:"run_at,omitzero"`
	TimeOfDay string    `json:"time,omitempty"`
	Weekday   *int      `json:"weekday,omitempty"`
	MaxRuns   int       `json:"max_runs,omitempty"`
	Timezone  string    `json:"timezone,omitempty"`
}

func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(configJSON{
		Type:      c.Type,
		Cron:      c.Cron,
		Interval:  int64(c.Interval / time.Second),
		RunAt:     c.RunAt,
		TimeOfDay: c.TimeOfDay,
		Weekday:   c.Weekday,
		MaxRuns:   c.MaxRuns,
		Timezone:  c.Timezone,
	})
}

func (c *Config) UnmarshalJSON(b []byte) error {
	var raw configJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*c = Config{
		Type:      raw.Type,
		Cron:      raw.Cron,
		Interval:  time.Duration(raw.Interval) * time.Second,
		RunAt:     raw.RunAt,
		TimeOfDay: raw.TimeOfDay,
		Weekday:   raw.Weekday,
		MaxRuns:   raw.MaxRuns,
		Timezone:  raw.Timezone,
	}
	return nil
}

type taskSpecJSON struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Executor    string         `json:"executor"`
	Params      map[string]any `json:"params,omitempty"`
	Priority    string         `json:"priority,omitempty"`
	Timeout     int64          `json:"timeout,omitempty"`
}

func (t TaskSpec) MarshalJSON() ([]byte, error) {
	return json.Marshal(taskSpecJSON{
		Name:        t.Name,
		Description: t.Description,
		Executor:    t.Executor,
		Params:      t.Params,
		Priority:    t.Priority,
		Timeout:     int64(t.Timeout / time.Second),
	})
}

func (t *TaskSpec) UnmarshalJSON(b []byte) error {
	var raw taskSpecJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*t = TaskSpec{
		Name:        raw.Name,
		Description: raw.Description,
		Executor:    raw.Executor,
		Params:      raw.Params,
		Priority:    raw.Priority,
		Timeout:     time.Duration(raw.Timeout) * time.Second,
	}
	return nil
}
