package main

import (
	"fmt"
	"math"
	"os"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"

	"github.com/chekfung/James-TompGAN/pkg/ganckpt"
	"github.com/chekfung/James-TompGAN/pkg/metricslog"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	bestRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "2", Dark: "10"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

// highlightTable is a table where selected rows are rendered with bestRowStyle.
type highlightTable struct {
	Table       *lgtable.Table
	Count       int
	Highlighted map[int]bool
}

func (t *highlightTable) Row(highlight bool, row ...string) {
	if highlight {
		t.Highlighted[t.Count] = true
	}
	t.Table.Row(row...)
	t.Count++
}

func (t *highlightTable) Render() string { return t.Table.Render() }

func newPlainTable(alignments ...lipgloss.Position) *highlightTable {
	t := &highlightTable{Highlighted: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				s = headerRowStyle
				return
			}
			switch {
			case t.Highlighted[row]:
				s = bestRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			s = s.Align(alignment)
			return
		})
	return t
}

// loadLog reads a metrics log with the given header, all columns typed as floats.
func loadLog(filePath string, header []string) (dataframe.DataFrame, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return dataframe.DataFrame{}, errors.Wrapf(err, "opening %q", filePath)
	}
	defer func() { _ = f.Close() }()
	columnTypes := make(map[string]series.Type, len(header))
	for _, name := range header {
		columnTypes[name] = series.Float
	}
	df := dataframe.ReadCSV(f, dataframe.HasHeader(true), dataframe.WithTypes(columnTypes))
	if df.Err != nil {
		return df, errors.Wrapf(df.Err, "parsing %q", filePath)
	}
	for _, name := range header {
		if !hasColumn(df, name) {
			return df, errors.Errorf("%q has no column %q", filePath, name)
		}
	}
	return df, nil
}

func hasColumn(df dataframe.DataFrame, name string) bool {
	for _, n := range df.Names() {
		if n == name {
			return true
		}
	}
	return false
}

func loadTrainLog(filePath string) (dataframe.DataFrame, error) {
	return loadLog(filePath, metricslog.TrainHeader)
}

func loadTestLog(filePath string) (dataframe.DataFrame, error) {
	return loadLog(filePath, metricslog.TestHeader)
}

// records converts the rows of a train log.
func records(df dataframe.DataFrame) []metricslog.Record {
	epochs := df.Col(metricslog.TrainHeader[0]).Float()
	fids := df.Col(metricslog.TrainHeader[1]).Float()
	genLosses := df.Col(metricslog.TrainHeader[2]).Float()
	discLosses := df.Col(metricslog.TrainHeader[3]).Float()
	rs := make([]metricslog.Record, len(epochs))
	for ii := range rs {
		rs[ii] = metricslog.Record{Epoch: int(epochs[ii]), FID: fids[ii], GenLoss: genLosses[ii], DiscLoss: discLosses[ii]}
	}
	return rs
}

// bestEpoch returns the record with the lowest FID. It returns false if no epoch has one.
func bestEpoch(df dataframe.DataFrame) (best metricslog.Record, ok bool) {
	for _, r := range records(df) {
		if math.IsNaN(r.FID) {
			continue
		}
		if !ok || r.FID < best.FID {
			best, ok = r, true
		}
	}
	return
}

func formatMetric(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return fmt.Sprintf("%.4g", v)
}

// trainTable lists the epochs of the train log, highlighting the one with the best FID.
func trainTable(df dataframe.DataFrame) *highlightTable {
	table := newPlainTable(lipgloss.Right)
	table.Table.Headers(metricslog.TrainHeader...)
	best, hasBest := bestEpoch(df)
	for _, r := range records(df) {
		table.Row(hasBest && r.Epoch == best.Epoch,
			humanize.Comma(int64(r.Epoch)), formatMetric(r.FID), formatMetric(r.GenLoss), formatMetric(r.DiscLoss))
	}
	return table
}

func testTable(df dataframe.DataFrame) *highlightTable {
	table := newPlainTable(lipgloss.Right)
	table.Table.Headers(metricslog.TestHeader...)
	columns := make([][]float64, len(metricslog.TestHeader))
	for ii, name := range metricslog.TestHeader {
		columns[ii] = df.Col(name).Float()
	}
	for row := range df.Nrow() {
		values := make([]string, len(columns))
		for ii, col := range columns {
			values[ii] = formatMetric(col[row])
		}
		table.Row(false, values...)
	}
	return table
}

// checkpointsTable lists the committed checkpoints in dir, highlighting the latest.
func checkpointsTable(dir string) (*highlightTable, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, errors.Wrapf(err, "checkpoint directory %q", dir)
	}
	manager, err := ganckpt.New(dir).ReadOnly().Done()
	if err != nil {
		return nil, err
	}
	list, err := manager.List()
	if err != nil {
		return nil, err
	}
	latest, _ := manager.Latest()
	table := newPlainTable(lipgloss.Left, lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Left)
	table.Table.Headers("Checkpoint", "Epoch", "Global Step", "# Variables", "Saved")
	for _, baseName := range list {
		info, err := manager.Describe(baseName)
		if err != nil {
			return nil, err
		}
		table.Row(baseName == latest, baseName, humanize.Comma(int64(info.Epoch)), humanize.Comma(info.GlobalStep),
			humanize.Comma(int64(info.NumVariables)), humanize.Time(info.SavedAt))
	}
	return table, nil
}
