package report

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

// WriteText renders the summary as a table for terminals.
func (s *Summary) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "workflow %s: %s", s.Workflow, s.Status)
	if !s.StartedAt.IsZero() {
		fmt.Fprintf(w, " (started %s, took %s)", humanize.Time(s.StartedAt), round(s.Duration()))
	}
	fmt.Fprintln(w)
	if s.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", s.Error)
	}
	if len(s.Jobs) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTEP\tSTATUS\tDURATION\tDETAIL")
	for _, j := range s.Jobs {
		detail := j.Error
		if j.AllowFailure && detail == "" {
			detail = "allowed to fail"
		}
		fmt.Fprintf(tw, "%s\t\t%s\t%s\t%s\n", j.Name, j.Status, round(j.Duration()), detail)

		for _, st := range j.Steps {
			detail := st.Error
			if st.ExitCode != 0 {
				detail = fmt.Sprintf("exit %d", st.ExitCode)
			}
			fmt.Fprintf(tw, "\t%s\t%s\t%s\t%s\n", st.Name, st.Status, round(st.Duration()), detail)
		}

		for _, c := range j.Cache {
			fmt.Fprintf(tw, "\tcache %s\t%s\t\t%s\n", c.Key, cacheOutcome(c), c.Error)
		}
	}
	return tw.Flush()
}

func cacheOutcome(c CacheResult) string {
	switch {
	case c.Saved:
		return "saved " + humanize.Bytes(uint64(c.Size))
	case c.Match != "":
		return c.Match
	default:
		return "unchanged"
	}
}

func round(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}
