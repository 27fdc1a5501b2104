package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the result of refreshing one channel.
type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// ChannelOutcome records what a sweep did for one channel.
type ChannelOutcome struct {
	ChannelID          int64  `json:"channel_id"`
	Name               string `json:"channel"`
	Status             Status `json:"status"`
	Inserted           int    `json:"inserted"`
	Duplicates         int    `json:"duplicates"`
	AttachmentFailures int    `json:"attachment_failures"`
	Attempts           int    `json:"attempts"`
	Error              string `json:"error,omitempty"`

	Err error `json:"-"`
}

func (o *ChannelOutcome) fail(err error) ChannelOutcome {
	o.Status = StatusFailed
	o.Err = err
	o.Error = err.Error()
	return *o
}

func (o *ChannelOutcome) skip(err error) ChannelOutcome {
	o.Status = StatusSkipped
	o.Err = err
	if err != nil {
		o.Error = err.Error()
	}
	return *o
}

// Report summarizes one sweep.
type Report struct {
	ID         string           `json:"id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Channels   []ChannelOutcome `json:"channels"`
}

func newReport(now time.Time) *Report {
	return &Report{ID: uuid.NewString(), StartedAt: now}
}

// Refreshed returns the number of channels refreshed successfully.
func (r *Report) Refreshed() int {
	n := 0
	for _, c := range r.Channels {
		if c.Status == StatusOK {
			n++
		}
	}
	return n
}

// Inserted returns the number of new items across all channels.
func (r *Report) Inserted() int {
	n := 0
	for _, c := range r.Channels {
		n += c.Inserted
	}
	return n
}

// Failures returns the outcomes of channels that were not refreshed.
func (r *Report) Failures() []ChannelOutcome {
	var out []ChannelOutcome
	for _, c := range r.Channels {
		if c.Status != StatusOK {
			out = append(out, c)
		}
	}
	return out
}

// Outcome returns the outcome for a channel, if the sweep covered it.
func (r *Report) Outcome(channelID int64) (ChannelOutcome, bool) {
	for _, c := range r.Channels {
		if c.ChannelID == channelID {
			return c, true
		}
	}
	return ChannelOutcome{}, false
}

// Summary renders e.g. "2 of 3 channels refreshed; failures: [busy: ...]".
func (r *Report) Summary() string {
	s := fmt.Sprintf("%d of %d channels refreshed", r.Refreshed(), len(r.Channels))
	failures := r.Failures()
	if len(failures) == 0 {
		return s
	}
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Name, f.Error))
	}
	return s + "; failures: [" + strings.Join(parts, "; ") + "]"
}
