package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// pushSeconds is the sync-rate sentinel for push-only packages:
// upstream notifies, the timer never fires.
const pushSeconds = -1

// maxRateSeconds caps formattable sync rates at 31 days.
const maxRateSeconds = 31*24*3600 - 1

var isoDuration = regexp.MustCompile(
	`^P((?P<years>\d+)Y)?((?P<months>\d+)M)?((?P<weeks>\d+)W)?((?P<days>\d+)D)?` +
		`(T((?P<hours>\d+)H)?((?P<minutes>\d+)M)?((?P<seconds>\d+)S)?)?$`)

// ParseSyncRate parses an ISO 8601 duration into seconds. Only days,
// hours, minutes, and seconds contribute. "PUSH" yields the push-only
// sentinel and an empty string yields zero.
func ParseSyncRate(text string) (int64, error) {
	if text == "" {
		return 0, nil
	}
	if text == "PUSH" {
		return pushSeconds, nil
	}

	match := isoDuration.FindStringSubmatch(text)
	if match == nil {
		return 0, errors.New("invalid ISO 8601 duration: " + text)
	}

	groups := make(map[string]string)
	for i, name := range isoDuration.SubexpNames() {
		if name != "" && match[i] != "" {
			groups[name] = match[i]
		}
	}
	if len(groups) == 0 {
		return 0, errors.New("empty ISO 8601 duration: " + text)
	}

	var seconds int64
	seconds += atoi(groups["days"]) * 24 * 3600
	seconds += atoi(groups["hours"]) * 3600
	seconds += atoi(groups["minutes"]) * 60
	seconds += atoi(groups["seconds"])
	return seconds, nil
}

func atoi(s string) int64 {
	var n int64
	for _, r := range s {
		n = n*10 + int64(r-'0')
	}
	return n
}

// FormatSyncRate renders seconds back as an ISO 8601 duration,
// inverting ParseSyncRate for every value it can produce.
func FormatSyncRate(seconds int64) (string, error) {
	if seconds == pushSeconds {
		return "PUSH", nil
	}
	if seconds < 0 {
		return "", errors.New("sync rate must not be negative")
	}
	if seconds > maxRateSeconds {
		return "", errors.Newf("sync rate %ds exceeds 31 days", seconds)
	}
	if seconds == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("P")

	days := seconds / 86400
	seconds %= 86400
	if days > 0 {
		fmt.Fprintf(&b, "%dD", days)
	}

	if seconds > 0 {
		b.WriteString("T")
		hours := seconds / 3600
		seconds %= 3600
		if hours > 0 {
			fmt.Fprintf(&b, "%dH", hours)
		}
		minutes := seconds / 60
		seconds %= 60
		if minutes > 0 {
			fmt.Fprintf(&b, "%dM", minutes)
		}
		if seconds > 0 {
			fmt.Fprintf(&b, "%dS", seconds)
		}
	}
	return b.String(), nil
}

// SyncRate is a package's configured minimum time between automatic
// syncs, decoded from an ISO 8601 duration string or "PUSH".
type SyncRate struct {
	Seconds int64
}

// UnmarshalText implements toml decoding.
func (r *SyncRate) UnmarshalText(text []byte) error {
	seconds, err := ParseSyncRate(string(text))
	if err != nil {
		return err
	}
	r.Seconds = seconds
	return nil
}

// IsPush reports whether timer-based triggering is disabled.
func (r SyncRate) IsPush() bool {
	return r.Seconds == pushSeconds
}

// Duration converts the rate for elapsed-time comparison. Push-only
// rates have no meaningful duration; callers check IsPush first.
func (r SyncRate) Duration() time.Duration {
	return time.Duration(r.Seconds) * time.Second
}

// String renders the rate for display and the status document.
func (r SyncRate) String() string {
	text, err := FormatSyncRate(r.Seconds)
	if err != nil {
		return fmt.Sprintf("%ds", r.Seconds)
	}
	return text
}

// tomlDuration decodes Go duration strings ("90s", "5m") from TOML.
type tomlDuration struct {
	time.Duration
}

func (d *tomlDuration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}
