package viz

import (
	"bufio"
	"os"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

// Curve is one named loss history, one value per epoch.
type Curve struct {
	Name   string
	Values []float64
}

var curveColors = []drawing.Color{
	chart.ColorBlue,
	chart.ColorRed,
	chart.ColorGreen,
	{R: 255, G: 165, B: 0, A: 255},
}

// WriteLossChart plots the curves against epoch number. Nothing is written
// until there are two epochs to draw.
func WriteLossChart(path string, curves ...Curve) error {
	var series []chart.Series
	for i, c := range curves {
		if len(c.Values) < 2 {
			continue
		}
		epochs := make([]float64, len(c.Values))
		for e := range epochs {
			epochs[e] = float64(e + 1)
		}
		series = append(series, chart.ContinuousSeries{
			Name:    c.Name,
			XValues: epochs,
			YValues: c.Values,
			Style: chart.Style{
				StrokeColor: curveColors[i%len(curveColors)],
				StrokeWidth: 2,
			},
		})
	}
	if len(series) == 0 {
		return nil
	}

	graph := chart.Chart{
		Width:  800,
		Height: 400,
		XAxis:  chart.XAxis{Name: "epoch"},
		YAxis:  chart.YAxis{Name: "loss"},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := graph.Render(chart.PNG, w); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
