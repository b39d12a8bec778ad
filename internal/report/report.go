package report

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/signalnine/hporun/internal/result"
)

type OptimizerSummary struct {
	Name           string         `json:"name"`
	Repeats        int            `json:"repeats"`
	BudgetExceeded int            `json:"budget_exceeded"`
	Failed         int            `json:"failed"`
	MeanTrials     float64        `json:"mean_trials"`
	MeanConsumed   float64        `json:"mean_consumed"`
	MeanBestLoss   *float64       `json:"mean_best_loss,omitempty"`
	BestLoss       *float64       `json:"best_loss,omitempty"`
	BestParams     map[string]any `json:"best_params,omitempty"`
}

// Generate reads every repeat's meta.json under repeatsDir and writes a
// per-optimizer summary.
func Generate(repeatsDir, format string, w io.Writer) error {
	metas, err := result.ListRepeatMetas(repeatsDir)
	if err != nil {
		return err
	}
	if len(metas) == 0 {
		return fmt.Errorf("no repeat results under %s", repeatsDir)
	}

	summaries := aggregate(metas)

	switch format {
	case "markdown":
		return writeMarkdown(summaries, w)
	case "json":
		return writeJSON(summaries, w)
	default:
		return writeTable(summaries, w)
	}
}

func aggregate(metas []*result.RepeatMeta) []OptimizerSummary {
	type accum struct {
		count    int
		exceeded int
		failed   int
		trials   float64
		consumed float64
		lossSum  float64
		lossN    int
		best     *result.RepeatMeta
	}
	byOpt := map[string]*accum{}

	for _, m := range metas {
		a, ok := byOpt[m.Optimizer]
		if !ok {
			a = &accum{}
			byOpt[m.Optimizer] = a
		}
		a.count++
		a.trials += float64(m.Trials)
		a.consumed += m.Consumed
		switch m.Status {
		case result.StatusBudgetExceeded:
			a.exceeded++
		case result.StatusFailed:
			a.failed++
		}
		if m.BestLoss != nil && !math.IsInf(*m.BestLoss, 0) {
			a.lossSum += *m.BestLoss
			a.lossN++
			if a.best == nil || *m.BestLoss < *a.best.BestLoss {
				a.best = m
			}
		}
	}

	var summaries []OptimizerSummary
	for name, a := range byOpt {
		s := OptimizerSummary{
			Name:           name,
			Repeats:        a.count,
			BudgetExceeded: a.exceeded,
			Failed:         a.failed,
			MeanTrials:     a.trials / float64(a.count),
			MeanConsumed:   a.consumed / float64(a.count),
		}
		if a.lossN > 0 {
			mean := a.lossSum / float64(a.lossN)
			s.MeanBestLoss = &mean
			s.BestLoss = a.best.BestLoss
			s.BestParams = a.best.BestParams
		}
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Name < summaries[j].Name
	})
	return summaries
}

func formatLoss(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *v)
}

func writeTable(summaries []OptimizerSummary, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OPTIMIZER\tREPEATS\tBUDGET EXCEEDED\tFAILED\tMEAN TRIALS\tMEAN CONSUMED\tMEAN BEST LOSS\tBEST LOSS")
	fmt.Fprintln(tw, strings.Repeat("-", 100))
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.1f\t%.1f\t%s\t%s\n",
			s.Name, s.Repeats, s.BudgetExceeded, s.Failed, s.MeanTrials, s.MeanConsumed,
			formatLoss(s.MeanBestLoss), formatLoss(s.BestLoss))
	}
	return tw.Flush()
}

func writeMarkdown(summaries []OptimizerSummary, w io.Writer) error {
	fmt.Fprintln(w, "| Optimizer | Repeats | Budget Exceeded | Failed | Mean Trials | Mean Consumed | Mean Best Loss | Best Loss |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|---|---|")
	for _, s := range summaries {
		fmt.Fprintf(w, "| %s | %d | %d | %d | %.1f | %.1f | %s | %s |\n",
			s.Name, s.Repeats, s.BudgetExceeded, s.Failed, s.MeanTrials, s.MeanConsumed,
			formatLoss(s.MeanBestLoss), formatLoss(s.BestLoss))
	}
	return nil
}

func writeJSON(summaries []OptimizerSummary, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summaries)
}
