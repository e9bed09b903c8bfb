// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var durationRegexp = regexp.MustCompile(`^(-?\d+\.?\d*)([µa-z]+)$`)

// FormatDuration pretty prints duration without a long list of decimal points: durations under
// a minute are printed with 2 decimals in their largest unit ("1.50s", "2.00ms"), longer ones are
// rounded to the second ("1m30s").
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "0s"
	}
	if d >= time.Minute || d <= -time.Minute {
		return d.Round(time.Second).String()
	}
	s := d.String()
	matches := durationRegexp.FindStringSubmatch(s)
	if len(matches) != 3 {
		return s
	}
	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", num, matches[2])
}
