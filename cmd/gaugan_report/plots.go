package main

import (
	"encoding/base64"
	"encoding/json"
	"html/template"
	"io"
	"math"
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/janpfeifer/gonb/gonbui/plotly"
	"github.com/pkg/errors"

	grob "github.com/MetalBlueberry/go-plotly/generated/v2.34.0/graph_objects"
	ptypes "github.com/MetalBlueberry/go-plotly/pkg/types"

	"github.com/chekfung/James-TompGAN/pkg/metricslog"
)

// plotLine is one line of a figure, with NaN points removed.
type plotLine struct {
	name          string
	epochs, value []float64
}

func newPlotLine(name string, epochs, values []float64) plotLine {
	line := plotLine{name: name}
	for ii, v := range values {
		if math.IsNaN(v) {
			continue
		}
		line.epochs = append(line.epochs, epochs[ii])
		line.value = append(line.value, v)
	}
	return line
}

func newFigure(title string, lines ...plotLine) *grob.Fig {
	fig := &grob.Fig{
		Layout: &grob.Layout{
			Title: &grob.LayoutTitle{
				Text: ptypes.S(title),
			},
			Xaxis: &grob.LayoutXaxis{
				Showgrid: ptypes.B(true),
				Title:    &grob.LayoutXaxisTitle{Text: ptypes.S("epoch")},
			},
			Yaxis: &grob.LayoutYaxis{
				Showgrid: ptypes.B(true),
			},
		},
	}
	for _, line := range lines {
		fig.Data = append(fig.Data, &grob.Scatter{
			Name: ptypes.S(line.name),
			Line: &grob.ScatterLine{
				Shape: grob.ScatterLineShapeLinear,
			},
			Mode: "lines+markers",
			X:    ptypes.DataArray(line.epochs),
			Y:    ptypes.DataArray(line.value),
		})
	}
	return fig
}

// buildFigures returns the FID and the losses figures of a train log, serialized as JSON.
func buildFigures(df dataframe.DataFrame) ([][]byte, error) {
	epochs := df.Col(metricslog.TrainHeader[0]).Float()
	column := func(ii int) plotLine {
		name := metricslog.TrainHeader[ii]
		return newPlotLine(name, epochs, df.Col(name).Float())
	}
	figs := []*grob.Fig{
		newFigure("FID", column(1)),
		newFigure("Losses", column(2), column(3)),
	}
	serialized := make([][]byte, 0, len(figs))
	for _, fig := range figs {
		figAsJSON, err := json.Marshal(fig)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal plotly figure")
		}
		serialized = append(serialized, figAsJSON)
	}
	return serialized, nil
}

var (
	singleFileHTML = `<!DOCTYPE html>
	<head>
		<meta charset="utf-8">
		<script src="{{ .CDN }}"></script>
	</head>
	<body>
{{- range $i, $f := .Figures }}
		<div id="plot{{ $i }}"></div>
{{- end }}
	<script>
{{- range $i, $f := .Figures }}
		data = JSON.parse(atob('{{ $f }}'))
		Plotly.newPlot('plot{{ $i }}', data);
{{- end }}
	</script>
	</body>
</html>`
	singleFileHTMLTmpl = template.Must(template.New("plotly").Parse(singleFileHTML))
)

// writePlotlyAsHTML renders the Plotly figures (given as JSON) to an HTML page.
func writePlotlyAsHTML(w io.Writer, figuresAsJSON ...[]byte) error {
	data := &struct {
		CDN     string
		Figures []string
	}{
		CDN: plotly.PlotlySrc,
	}
	for _, fig := range figuresAsJSON {
		data.Figures = append(data.Figures, base64.StdEncoding.EncodeToString(fig))
	}
	if err := singleFileHTMLTmpl.Execute(w, data); err != nil {
		return errors.Wrap(err, "failed to render plotly")
	}
	return nil
}

// writePlots writes the HTML page with the plots of the train log df to fileName.
func writePlots(fileName string, df dataframe.DataFrame) error {
	figs, err := buildFigures(df)
	if err != nil {
		return err
	}
	f, err := os.Create(fileName)
	if err != nil {
		return errors.Wrapf(err, "failed to create file %q", fileName)
	}
	if err = writePlotlyAsHTML(f, figs...); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "closing %q", fileName)
}
