// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package session

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/relabs-tech/bci_actuator/internal/biosignal"
)

const labelColumn = "event"

// WriteCSV exports ts as a table: one row per sample, columns
// timestamp, ch0..chN-1, event. The label is always the last column.
func WriteCSV(w io.Writer, ts TrainingSet) error {
	width, err := ts.Validate()
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)

	header := make([]string, 0, width+2)
	header = append(header, "timestamp")
	for i := 0; i < width; i++ {
		header = append(header, fmt.Sprintf("ch%d", i))
	}
	header = append(header, labelColumn)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	row := make([]string, width+2)
	for _, b := range []LabeledBatch{ts.Rest, ts.Move} {
		label := strconv.Itoa(int(b.Label))
		for _, s := range b.Samples {
			row[0] = strconv.FormatFloat(s.Timestamp, 'g', -1, 64)
			for i, v := range s.Values {
				row[i+1] = strconv.FormatFloat(v, 'g', -1, 64)
			}
			row[width+1] = label
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("write csv row: %w", err)
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

// ReadCSV imports a table written by WriteCSV, splitting rows back into the
// rest and move batches by their label column.
func ReadCSV(r io.Reader) (TrainingSet, error) {
	cr := csv.NewReader(r)

	header, err := cr.Read()
	if err != nil {
		return TrainingSet{}, fmt.Errorf("read csv header: %w", err)
	}
	if len(header) < 3 || header[len(header)-1] != labelColumn {
		return TrainingSet{}, fmt.Errorf("csv header %v: want timestamp, channels..., %s", header, labelColumn)
	}
	width := len(header) - 2
	cr.FieldsPerRecord = len(header)

	ts := TrainingSet{
		Rest: LabeledBatch{Label: biosignal.Rest},
		Move: LabeledBatch{Label: biosignal.Intent},
	}

	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return TrainingSet{}, fmt.Errorf("csv line %d: %w", line, err)
		}

		ts0, err := strconv.ParseFloat(rec[0], 64)
		if err != nil {
			return TrainingSet{}, fmt.Errorf("csv line %d: invalid timestamp %q: %w", line, rec[0], err)
		}
		values := make([]float64, width)
		for i := range values {
			values[i], err = strconv.ParseFloat(rec[i+1], 64)
			if err != nil {
				return TrainingSet{}, fmt.Errorf("csv line %d: invalid value %q: %w", line, rec[i+1], err)
			}
		}
		s := biosignal.Sample{Timestamp: ts0, Values: values}

		switch rec[width+1] {
		case "0":
			ts.Rest.Samples = append(ts.Rest.Samples, s)
		case "1":
			ts.Move.Samples = append(ts.Move.Samples, s)
		default:
			return TrainingSet{}, fmt.Errorf("csv line %d: invalid label %q", line, rec[width+1])
		}
	}

	return ts, nil
}
