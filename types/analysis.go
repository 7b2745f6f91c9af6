package types

import (
	"fmt"
	"os"
	"path"
	"strconv"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// FitnessDataSet holds the per generation fitness statistics of a run
type FitnessDataSet struct {
	Best []float64
	Mean []float64
	Min  []float64
}

type fitnessAnalyzer struct {
	data *FitnessDataSet
}

// FitnessAnalyzer records the best, mean and minimum fitness of every generation
func FitnessAnalyzer() Analyzer {
	return &fitnessAnalyzer{data: &FitnessDataSet{}}
}

func (f *fitnessAnalyzer) Analyze(_ int, _ string, s GenerationSummary) {
	f.data.Best = append(f.data.Best, s.Best)
	f.data.Mean = append(f.data.Mean, s.Mean)
	f.data.Min = append(f.data.Min, s.Min)
}

func (f *fitnessAnalyzer) DataSet() DataSet {
	return f.data
}

func fitnessLine(values []float64) (*plotter.Line, error) {
	points := make(plotter.XYs, len(values))
	for i, v := range values {
		points[i] = plotter.XY{
			X: float64(i),
			Y: v,
		}
	}
	return plotter.NewLine(points)
}

// FitnessPlotComparator plots the best and mean fitness of every experiment of a run
func FitnessPlotComparator(plotPath string) Comparator {
	return func(run int, names []string, ds []DataSet) error {
		if err := os.MkdirAll(plotPath, os.ModePerm); err != nil {
			return fmt.Errorf("creating plot folder: %w", err)
		}
		p := plot.New()
		p.Title.Text = "Comparison"
		p.X.Label.Text = "Generation"
		p.Y.Label.Text = "Fitness"
		for i := 0; i < len(names); i++ {
			data, ok := ds[i].(*FitnessDataSet)
			if !ok || len(data.Best) == 0 {
				continue
			}
			best, err := fitnessLine(data.Best)
			if err != nil {
				return err
			}
			best.Color = plotutil.Color(i)
			mean, err := fitnessLine(data.Mean)
			if err != nil {
				return err
			}
			mean.Color = plotutil.Color(i)
			mean.Dashes = plotutil.Dashes(1)

			p.Add(best, mean)
			p.Legend.Add(names[i]+" best", best)
			p.Legend.Add(names[i]+" mean", mean)
		}
		return p.Save(8*vg.Inch, 8*vg.Inch, path.Join(plotPath, strconv.Itoa(run)+"_fitness.png"))
	}
}

// FitnessPrintComparator prints the final and overall best fitness of every experiment
func FitnessPrintComparator() Comparator {
	return func(run int, names []string, ds []DataSet) error {
		for i, name := range names {
			data, ok := ds[i].(*FitnessDataSet)
			if !ok || len(data.Best) == 0 {
				continue
			}
			fmt.Printf("Run %d, experiment %s: final best %.3f, final mean %.3f, best overall %.3f\n",
				run, name, data.Best[len(data.Best)-1], data.Mean[len(data.Mean)-1], floats.Max(data.Best))
		}
		return nil
	}
}
