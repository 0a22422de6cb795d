// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package config is a caller convenience for loading window layouts
// from YAML files. The engine itself never touches a filesystem or
// flag set; callers that want to, say, reload limits without a
// rebuild can use LoadWindows instead of hand-rolling a decoder.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"sigs.k8s.io/yaml"

	"go.gatekeep.dev/throttle/ratelimit"
)

// windowDocument mirrors a single YAML window entry. Duration is a
// Go duration string ("500ms", "1m30s", "24h") rather than a bare
// number, to avoid an ambiguous unit.
type windowDocument struct {
	Duration    string `json:"duration"`
	MaxAttempts int    `json:"max_attempts"`
}

// LoadWindows parses a YAML document of the form
//
//	windows:
//	  - duration: 1m
//	    max_attempts: 5
//	  - duration: 1h
//	    max_attempts: 20
//
// into a []ratelimit.WindowSpec ready to pass to ratelimit.New.
func LoadWindows(r io.Reader) ([]ratelimit.WindowSpec, error) {
	blob, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("cannot read configuration: %w", err)
	}

	blob, err = yaml.YAMLToJSON(blob)
	if err != nil {
		return nil, fmt.Errorf("cannot convert yaml to json: %w", err)
	}

	var doc struct {
		Windows []windowDocument `json:"windows"`
	}
	if err := json.Unmarshal(blob, &doc); err != nil {
		return nil, fmt.Errorf("cannot decode configuration: %w", err)
	}

	windows := make([]ratelimit.WindowSpec, 0, len(doc.Windows))
	for i, w := range doc.Windows {
		d, err := time.ParseDuration(w.Duration)
		if err != nil {
			return nil, fmt.Errorf("cannot parse window %d duration %q: %w", i, w.Duration, err)
		}

		windows = append(windows, ratelimit.WindowSpec{
			Duration:    d,
			MaxAttempts: w.MaxAttempts,
		})
	}

	return windows, nil
}

// LoadWindowsFromFile opens filename and delegates to LoadWindows.
func LoadWindowsFromFile(filename string) ([]ratelimit.WindowSpec, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("cannot open file: %w", err)
	}
	defer file.Close()

	windows, err := LoadWindows(file)
	if err != nil {
		return nil, fmt.Errorf("cannot load %q: %w", filename, err)
	}

	return windows, nil
}
