// Copyright (C) The Farmout Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package farmout

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Duration is time.Duration but looks like "12s" in JSON, rather than
// a number of nanoseconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if data[0] == '"' {
		return d.Set(string(data[1 : len(data)-1]))
	}
	// Mimic error message returned by ParseDuration for a number
	// without units.
	return fmt.Errorf("missing unit in duration %q", data)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Duration returns a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Set implements the flag.Value interface and sets the duration from a
// string like "1h30m".
func (d *Duration) Set(s string) error {
	dur, err := time.ParseDuration(s)
	if err != nil {
		if _, numerr := strconv.ParseFloat(s, 64); numerr == nil {
			err = fmt.Errorf("missing unit in duration %q", s)
		}
	}
	*d = Duration(dur)
	return err
}
