package visualization

import (
	"fmt"
	"image/color"
	"sort"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotBaselineOccupancy saves a line plot of the flagged fraction of every
// baseline. The image format follows the file extension.
func PlotBaselineOccupancy(perBaseline []float64, filename string) error {
	if len(perBaseline) == 0 {
		return fmt.Errorf("no baselines to plot")
	}

	p := plot.New()
	p.Title.Text = "Flag occupancy per baseline"
	p.X.Label.Text = "Baseline"
	p.Y.Label.Text = "Flagged fraction"
	p.Y.Min = 0
	p.Y.Max = 1

	pts := make(plotter.XYs, len(perBaseline))
	for i, v := range perBaseline {
		pts[i] = plotter.XY{X: float64(i), Y: v}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("failed to create occupancy line: %w", err)
	}
	line.Width = vg.Points(1)
	line.Color = color.RGBA{R: 200, G: 30, B: 30, A: 255}
	p.Add(plotter.NewGrid(), line)

	if err := p.Save(10*vg.Inch, 4*vg.Inch, filename); err != nil {
		return fmt.Errorf("failed to save occupancy plot: %w", err)
	}
	return nil
}

// PlotChannelOccupancy saves a bar chart of the flagged fraction of every
// coarse channel, labelled by gpubox id.
func PlotChannelOccupancy(perChannel map[int]float64, filename string) error {
	if len(perChannel) == 0 {
		return fmt.Errorf("no channels to plot")
	}
	ids := make([]int, 0, len(perChannel))
	for id := range perChannel {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	values := make(plotter.Values, len(ids))
	labels := make([]string, len(ids))
	for i, id := range ids {
		values[i] = perChannel[id]
		labels[i] = strconv.Itoa(id)
	}

	p := plot.New()
	p.Title.Text = "Flag occupancy per coarse channel"
	p.X.Label.Text = "Gpubox"
	p.Y.Label.Text = "Flagged fraction"
	p.Y.Min = 0
	p.Y.Max = 1

	bars, err := plotter.NewBarChart(values, vg.Points(12))
	if err != nil {
		return fmt.Errorf("failed to create occupancy bars: %w", err)
	}
	bars.Color = color.RGBA{R: 60, G: 90, B: 200, A: 255}
	p.Add(bars)
	p.NominalX(labels...)

	if err := p.Save(8*vg.Inch, 4*vg.Inch, filename); err != nil {
		return fmt.Errorf("failed to save occupancy plot: %w", err)
	}
	return nil
}
