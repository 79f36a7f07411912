// session-report renders an HTML report for one measurement session: the
// per-trial offset trace for each spec and the converged thresholds, read
// from the results database.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/percept-lab/hapticbench/internal/db"
)

var (
	dbFile    = flag.String("db", "results.db", "Results database path")
	sessionID = flag.String("session", "", "Session ID (defaults to the newest session)")
	outFile   = flag.String("out", "session-report.html", "Output HTML path")
)

func main() {
	flag.Parse()

	store, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("failed to open results database: %v", err)
	}
	defer store.Close()

	id := *sessionID
	if id == "" {
		ids, err := store.SessionIDs()
		if err != nil {
			log.Fatalf("failed to list sessions: %v", err)
		}
		if len(ids) == 0 {
			log.Fatal("no sessions in database")
		}
		id = ids[0]
	}

	trials, err := store.SessionTrials(id)
	if err != nil {
		log.Fatalf("failed to load trials: %v", err)
	}
	if len(trials) == 0 {
		log.Fatalf("session %s has no trials", id)
	}
	thresholds, err := store.SessionThresholds(id)
	if err != nil {
		log.Fatalf("failed to load thresholds: %v", err)
	}

	page := components.NewPage()
	page.PageTitle = "Session " + id

	page.AddCharts(offsetChart(id, trials))
	if len(thresholds) > 0 {
		page.AddCharts(thresholdChart(thresholds))
	}

	f, err := os.Create(*outFile)
	if err != nil {
		log.Fatalf("failed to create output file: %v", err)
	}
	defer f.Close()

	if err := page.Render(f); err != nil {
		log.Fatalf("failed to render report: %v", err)
	}
	log.Printf("wrote %s (%d trials, %d thresholds)", *outFile, len(trials), len(thresholds))
}

// offsetChart plots the signed stimulus offset per trial, one line per spec.
func offsetChart(sessionID string, trials []db.TrialRow) *charts.Line {
	bySpec := make(map[string][]db.TrialRow)
	for _, t := range trials {
		bySpec[t.SpecName] = append(bySpec[t.SpecName], t)
	}
	names := make([]string, 0, len(bySpec))
	for name := range bySpec {
		names = append(names, name)
	}
	sort.Strings(names)

	maxTrials := 0
	for _, rows := range bySpec {
		if len(rows) > maxTrials {
			maxTrials = len(rows)
		}
	}
	xAxis := make([]string, maxTrials)
	for i := range xAxis {
		xAxis[i] = fmt.Sprintf("%d", i+1)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Stimulus offset per trial",
			Subtitle: fmt.Sprintf("session=%s trials=%d", sessionID, len(trials)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "trial"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "offset (m)"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	line.SetXAxis(xAxis)

	for _, name := range names {
		rows := bySpec[name]
		data := make([]opts.LineData, 0, len(rows))
		for _, t := range rows {
			symbol := "circle"
			if !t.DetectedReported {
				symbol = "triangle"
			}
			data = append(data, opts.LineData{Value: t.Offset, Symbol: symbol})
		}
		line.AddSeries(name, data,
			charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}))
	}
	return line
}

// thresholdChart renders the converged threshold per spec.
func thresholdChart(thresholds []db.ThresholdRow) *charts.Bar {
	sort.Slice(thresholds, func(i, j int) bool {
		return thresholds[i].SpecName < thresholds[j].SpecName
	})

	names := make([]string, 0, len(thresholds))
	data := make([]opts.BarData, 0, len(thresholds))
	for _, th := range thresholds {
		names = append(names, th.SpecName)
		data = append(data, opts.BarData{Name: th.SpecName, Value: th.Threshold})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Converged thresholds"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "threshold (m)"}),
	)
	bar.SetXAxis(names)
	bar.AddSeries("threshold", data)
	return bar
}
