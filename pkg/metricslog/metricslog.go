// Package metricslog reads and writes the CSV logs with the per-epoch averages of a run.
//
// The train log has one row per epoch, appended as epochs complete. The test log has a single row
// with the averages over the evaluation data.
// Averages with no data are written as "NaN".
package metricslog

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

const (
	TrainFileName = "fid_losses_train.csv"
	TestFileName  = "fid_losses_test.csv"
)

var (
	TrainHeader = []string{"Epoch Num", "Average FID", "Average Generator Loss", "Average Discriminator Loss"}
	TestHeader  = []string{"Average FID", "Average Generator Loss", "Average Discriminator Loss"}
)

// Record holds the averages of one epoch. Epoch is not used in the test log.
type Record struct {
	Epoch    int
	FID      float64
	GenLoss  float64
	DiscLoss float64
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// AppendTrain writes r to the train log in logsDir, creating it with its header if needed.
//
// Rows of epochs at or after r.Epoch are dropped first, so training from epoch 0, or resuming from a
// checkpoint older than the last logged epoch, rewrites the log from there on.
func AppendTrain(logsDir string, r Record) error {
	filePath := filepath.Join(logsDir, TrainFileName)
	existing, err := ReadTrain(logsDir)
	if err != nil {
		if _, statErr := os.Stat(filePath); statErr == nil {
			return err
		}
		existing = nil
	}
	rows := [][]string{TrainHeader}
	for _, prev := range existing {
		if prev.Epoch < r.Epoch {
			rows = append(rows, recordRow(prev))
		}
	}
	if existing != nil && len(rows) == len(existing)+1 {
		return writeRows(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, [][]string{recordRow(r)})
	}
	rows = append(rows, recordRow(r))
	return writeRows(filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, rows)
}

func recordRow(r Record) []string {
	return []string{strconv.Itoa(r.Epoch), formatFloat(r.FID), formatFloat(r.GenLoss), formatFloat(r.DiscLoss)}
}

// WriteTest writes the test log in logsDir, replacing any previous one.
func WriteTest(logsDir string, r Record) error {
	filePath := filepath.Join(logsDir, TestFileName)
	return writeRows(filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, [][]string{
		TestHeader,
		{formatFloat(r.FID), formatFloat(r.GenLoss), formatFloat(r.DiscLoss)},
	})
}

func writeRows(filePath string, flags int, rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0777); err != nil {
		return errors.Wrapf(err, "creating directory for %q", filePath)
	}
	f, err := os.OpenFile(filePath, flags, 0666)
	if err != nil {
		return errors.Wrapf(err, "opening metrics log %q", filePath)
	}
	w := csv.NewWriter(f)
	if err = w.WriteAll(rows); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing metrics log %q", filePath)
	}
	return errors.Wrapf(f.Close(), "closing metrics log %q", filePath)
}

// ReadTrain reads all records of the train log in logsDir.
func ReadTrain(logsDir string) ([]Record, error) {
	filePath := filepath.Join(logsDir, TrainFileName)
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening metrics log %q", filePath)
	}
	defer func() { _ = f.Close() }()
	return parseTrain(f, filePath)
}

func parseTrain(r io.Reader, name string) ([]Record, error) {
	rows, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, errors.Wrapf(err, "parsing metrics log %q", name)
	}
	if len(rows) == 0 {
		return nil, errors.Errorf("metrics log %q is empty, missing header", name)
	}
	records := make([]Record, 0, len(rows)-1)
	for lineNum, row := range rows[1:] {
		if len(row) != len(TrainHeader) {
			return nil, errors.Errorf("metrics log %q, line %d: expected %d columns, got %d",
				name, lineNum+2, len(TrainHeader), len(row))
		}
		var rec Record
		if rec.Epoch, err = strconv.Atoi(row[0]); err != nil {
			return nil, errors.Wrapf(err, "metrics log %q, line %d", name, lineNum+2)
		}
		for ii, dst := range []*float64{&rec.FID, &rec.GenLoss, &rec.DiscLoss} {
			if *dst, err = strconv.ParseFloat(row[ii+1], 64); err != nil {
				return nil, errors.Wrapf(err, "metrics log %q, line %d", name, lineNum+2)
			}
		}
		records = append(records, rec)
	}
	return records, nil
}
