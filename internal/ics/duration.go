package ics

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// span is an RFC 5545 DURATION split into nominal days and exact time.
// Days are applied with AddDate so they follow wall-clock days across DST.
type span struct {
	days int
	dur  time.Duration
}

func (s span) addTo(t time.Time) time.Time {
	return t.AddDate(0, 0, s.days).Add(s.dur)
}

// parseDuration parses values such as "PT1H30M", "P1D", "P2W", "-PT15M".
func parseDuration(v string) (span, error) {
	s := strings.ToUpper(strings.TrimSpace(v))
	sign := 1
	switch {
	case strings.HasPrefix(s, "-"):
		sign = -1
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 3 {
		return span{}, fmt.Errorf("invalid duration %q", v)
	}
	s = s[1:]

	var out span
	inTime := false
	num := ""
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
			continue
		case r == 'T':
			if inTime || num != "" {
				return span{}, fmt.Errorf("invalid duration %q", v)
			}
			inTime = true
			continue
		}
		if num == "" {
			return span{}, fmt.Errorf("invalid duration %q", v)
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			return span{}, fmt.Errorf("invalid duration %q: %w", v, err)
		}
		num = ""
		switch {
		case r == 'W' && !inTime:
			out.days += 7 * n
		case r == 'D' && !inTime:
			out.days += n
		case r == 'H' && inTime:
			out.dur += time.Duration(n) * time.Hour
		case r == 'M' && inTime:
			out.dur += time.Duration(n) * time.Minute
		case r == 'S' && inTime:
			out.dur += time.Duration(n) * time.Second
		default:
			return span{}, fmt.Errorf("invalid duration %q", v)
		}
	}
	if num != "" {
		return span{}, fmt.Errorf("invalid duration %q", v)
	}
	out.days *= sign
	out.dur *= time.Duration(sign)
	return out, nil
}
