// Package util provides small helpers used by both the icp client and server.
package util

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"
)

var (
	durationStrSecondsOnlyRegex = regexp.MustCompile(`(?i)^(\d+)$`)
	durationStrDaysOnlyRegex    = regexp.MustCompile(`(?i)^(\d+)d$`)
	sizeStrRegex                = regexp.MustCompile(`(?i)^(\d+)([gmkb])?$`)
)

// ExpandHome replaces "~" with the user's home directory
func ExpandHome(path string) string {
	return os.ExpandEnv(strings.ReplaceAll(path, "~", "$HOME"))
}

// CollapseHome shortens a path that contains a user's home directory with "~"
func CollapseHome(path string) string {
	home := os.Getenv("HOME")
	if home != "" && strings.HasPrefix(path, home) {
		return fmt.Sprintf("~%s", strings.TrimPrefix(path, home))
	}
	return path
}

// BytesToHuman converts bytes to human readable format, e.g. 10 KB or 10.8 MB
func BytesToHuman(b int64) string {
	// From: https://yourbasic.org/golang/formatting-byte-size-to-human-readable-format/
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB",
		float64(b)/float64(div), "kMGTPE"[exp])
}

// DurationToHuman converts a duration to a human readable format
func DurationToHuman(d time.Duration) (str string) {
	d = d.Round(time.Second)
	days := d / time.Hour / 24
	if days > 0 {
		str += fmt.Sprintf("%dd", days)
	}
	d -= days * time.Hour * 24

	hours := d / time.Hour
	if hours > 0 {
		str += fmt.Sprintf("%dh", hours)
	}
	d -= hours * time.Hour

	minutes := d / time.Minute
	if minutes > 0 {
		str += fmt.Sprintf("%dm", minutes)
	}
	d -= minutes * time.Minute

	seconds := d / time.Second
	if seconds > 0 {
		str += fmt.Sprintf("%ds", seconds)
	}
	return
}

// ParseDuration is a wrapper around Go's time.ParseDuration to support days ("2d") and values without any
// unit ("1234"), which are interpreted as seconds. This is obviously inaccurate, but enough for the use case.
func ParseDuration(s string) (time.Duration, error) {
	matches := durationStrSecondsOnlyRegex.FindStringSubmatch(s)
	if matches != nil {
		seconds, err := strconv.Atoi(matches[1])
		if err != nil {
			return -1, fmt.Errorf("cannot convert number %s", matches[1])
		}
		return time.Duration(seconds) * time.Second, nil
	}
	matches = durationStrDaysOnlyRegex.FindStringSubmatch(s)
	if matches != nil {
		days, err := strconv.Atoi(matches[1])
		if err != nil {
			return -1, fmt.Errorf("cannot convert number %s", matches[1])
		}
		return time.Duration(days) * time.Hour * 24, nil
	}
	return time.ParseDuration(s)
}

// ParseSize parses a size string like 2K or 2M into bytes. If no unit is found, e.g. 123, bytes is assumed.
func ParseSize(s string) (int64, error) {
	matches := sizeStrRegex.FindStringSubmatch(s)
	if matches == nil {
		return -1, fmt.Errorf("invalid size %s", s)
	}
	value, err := strconv.Atoi(matches[1])
	if err != nil {
		return -1, fmt.Errorf("cannot convert number %s", matches[1])
	}
	switch strings.ToUpper(matches[2]) {
	case "G":
		return int64(value) * 1024 * 1024 * 1024, nil
	case "M":
		return int64(value) * 1024 * 1024, nil
	case "K":
		return int64(value) * 1024, nil
	default:
		return int64(value), nil
	}
}

// ReadAPIKey will read an API key from STDIN. If the terminal supports it, it will not print the
// input characters to the screen. If not, it'll just read using normal readline semantics (useful for testing).
func ReadAPIKey(in io.Reader) (string, error) {
	if f, ok := in.(*os.File); ok {
		stat, err := f.Stat()
		if err != nil {
			return "", err
		}
		if (stat.Mode() & os.ModeCharDevice) == os.ModeCharDevice {
			key, err := term.ReadPassword(int(f.Fd()))
			if err != nil {
				return "", err
			}
			return string(key), nil
		}
	}
	reader := bufio.NewReader(in)
	key, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(key, "\n"), nil
}
