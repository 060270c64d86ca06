// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// logScan is the result of reading the event log.
type logScan struct {
	events []Event

	// validSize is the byte length of the well-formed prefix.
	validSize int64

	// torn is set when the file ends in an unterminated line, the mark of
	// an append interrupted by a crash.
	torn bool

	// corruptLine is the 1-based line number of the first malformed line
	// that is followed by a newline. Zero when there is none.
	corruptLine int

	// gap describes the first sequence discontinuity, if any.
	gap string
}

func (s *logScan) lastSeq() uint64 {
	if len(s.events) == 0 {
		return 0
	}
	return s.events[len(s.events)-1].Seq
}

// damaged reports problems that automatic recovery must not paper over.
func (s *logScan) damaged() error {
	switch {
	case s.corruptLine > 0:
		return fmt.Errorf("event log line %d is malformed", s.corruptLine)
	case s.gap != "":
		return fmt.Errorf("event log sequence gap: %s", s.gap)
	}
	return nil
}

// readLog parses path. A missing file is an empty log. Parsing stops at the
// first malformed line; events after it are not returned.
func readLog(path string) (*logScan, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &logScan{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	return parseLog(data), nil
}

func parseLog(data []byte) *logScan {
	scan := &logScan{}
	var offset int64
	for lineNo := 1; len(data) > 0; lineNo++ {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			scan.torn = true
			return scan
		}
		line := data[:nl]
		data = data[nl+1:]

		if len(bytes.TrimSpace(line)) == 0 {
			offset += int64(nl + 1)
			scan.validSize = offset
			continue
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil || ev.Seq == 0 {
			scan.corruptLine = lineNo
			return scan
		}
		if want := scan.lastSeq() + 1; ev.Seq != want && scan.gap == "" {
			scan.gap = fmt.Sprintf("expected seq %d, found %d at line %d", want, ev.Seq, lineNo)
		}
		scan.events = append(scan.events, ev)
		offset += int64(nl + 1)
		scan.validSize = offset
	}
	return scan
}

func encodeEvents(events []Event) ([]byte, error) {
	var buf bytes.Buffer
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encode event %d: %w", ev.Seq, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
