package nightscout

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mrcode/nightscout-loop/internal/models"
)

// ErrNoProfile is returned when the server has no usable profile
var ErrNoProfile = errors.New("no profile stored in Nightscout")

// ServerStatus represents the Nightscout server status
type ServerStatus struct {
	Status     string         `json:"status"`
	Name       string         `json:"name"`
	Version    string         `json:"version"`
	ServerTime string         `json:"serverTime"`
	APIEnabled bool           `json:"apiEnabled"`
	Settings   ServerSettings `json:"settings,omitempty"`
}

// ServerSettings contains the Nightscout server settings the loop reads
type ServerSettings struct {
	Units string `json:"units"`
}

// ProfileDocument is one record of /api/v1/profile.json
type ProfileDocument struct {
	ID             string                     `json:"_id"`
	DefaultProfile string                     `json:"defaultProfile"`
	StartDate      string                     `json:"startDate"`
	Units          string                     `json:"units"`
	Store          map[string]ProfileSettings `json:"store"`
}

// ProfileSettings is one named profile inside a document
type ProfileSettings struct {
	DIA        flexFloat    `json:"dia"`
	CarbRatio  []timedValue `json:"carbratio"`
	Sens       []timedValue `json:"sens"`
	Basal      []timedValue `json:"basal"`
	TargetLow  []timedValue `json:"target_low"`
	TargetHigh []timedValue `json:"target_high"`
	Timezone   string       `json:"timezone"`
	Units      string       `json:"units"`
}

// timedValue is a schedule entry; Nightscout sends numbers as strings or numbers
type timedValue struct {
	Time          string     `json:"time"`
	Value         flexFloat  `json:"value"`
	TimeAsSeconds *flexFloat `json:"timeAsSeconds,omitempty"`
}

type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", s, err)
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

func (tv timedValue) offset() time.Duration {
	if tv.TimeAsSeconds != nil {
		return time.Duration(float64(*tv.TimeAsSeconds) * float64(time.Second))
	}
	var h, m int
	if _, err := fmt.Sscanf(tv.Time, "%d:%d", &h, &m); err != nil {
		return 0
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
}

// Active returns the profile document in effect at now: the newest one whose
// start date is not in the future
func Active(docs []ProfileDocument, now time.Time) (*ProfileDocument, error) {
	var best *ProfileDocument
	var bestStart time.Time
	for i := range docs {
		d := &docs[i]
		start, err := time.Parse(time.RFC3339, d.StartDate)
		if err != nil {
			start = time.Time{}
		}
		if start.After(now) {
			continue
		}
		if best == nil || start.After(bestStart) {
			best, bestStart = d, start
		}
	}
	if best == nil {
		return nil, ErrNoProfile
	}
	return best, nil
}

// ToProfile maps the default profile of a document into mg/dL schedules.
// Limits are left at zero; they come from settings or sanitizing.
func (d *ProfileDocument) ToProfile() (*models.Profile, error) {
	name := d.DefaultProfile
	ps, ok := d.Store[name]
	if !ok {
		names := make([]string, 0, len(d.Store))
		for n := range d.Store {
			names = append(names, n)
		}
		if len(names) == 0 {
			return nil, ErrNoProfile
		}
		sort.Strings(names)
		name = names[0]
		ps = d.Store[name]
	}

	units := ps.Units
	if units == "" {
		units = d.Units
	}
	toMgdl := func(v float64) float64 { return v }
	if strings.HasPrefix(strings.ToLower(units), "mmol") {
		toMgdl = models.ToMgdl
	}

	p := &models.Profile{
		Name:      name,
		ISF:       schedule(ps.Sens, toMgdl),
		CarbRatio: schedule(ps.CarbRatio, nil),
		Basal:     schedule(ps.Basal, nil),
		DIA:       float64(ps.DIA),
		Timezone:  ps.Timezone,
	}
	for i, low := range ps.TargetLow {
		high := low
		if i < len(ps.TargetHigh) {
			high = ps.TargetHigh[i]
		}
		p.Targets = append(p.Targets, models.TargetEntry{
			Offset: low.offset(),
			Low:    toMgdl(float64(low.Value)),
			High:   toMgdl(float64(high.Value)),
		})
	}
	return p, nil
}

func schedule(values []timedValue, convert func(float64) float64) models.Schedule {
	out := make(models.Schedule, 0, len(values))
	for _, tv := range values {
		v := float64(tv.Value)
		if convert != nil {
			v = convert(v)
		}
		out = append(out, models.ScheduleEntry{Offset: tv.offset(), Value: v})
	}
	return out
}
