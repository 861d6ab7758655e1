package snaprun

import (
	"fmt"
	"io"
	"time"

	"github.com/function61/ebsfreeze/pkg/ebssnapshot"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
)

// Accumulated outcome of one run. Rendered to the user at the end of every
// run (stderr on the fatal path) and recorded to the run log.
type Report struct {
	Started    time.Time
	Finished   time.Time
	InstanceID string
	Region     string
	Results    []ebssnapshot.Result
}

func NewReport() *Report {
	return &Report{Started: time.Now()}
}

func (r *Report) FailedCount() int {
	return lo.CountBy(r.Results, func(result ebssnapshot.Result) bool {
		return result.Err != nil
	})
}

func (r *Report) Render(output io.Writer) {
	if r.InstanceID != "" {
		fmt.Fprintf(output, "instance %s (%s)\n\n", r.InstanceID, r.Region)
	}

	tblBuilder := tablewriter.NewWriter(output)
	tblBuilder.SetAutoFormatHeaders(false)
	tblBuilder.SetBorder(false)
	tblBuilder.SetHeader([]string{"Volume", "Snapshot", "Error"})

	for _, result := range r.Results {
		errorText := ""
		if result.Err != nil {
			errorText = result.Err.Error()
		}

		tblBuilder.Append([]string{result.VolumeID, result.SnapshotID, errorText})
	}

	tblBuilder.Render()

	if failed := r.FailedCount(); failed > 0 {
		fmt.Fprintf(
			output,
			"\nWARNING: %d/%d snapshot(s) failed (exit code is still 0 when freeze/unfreeze succeeded)\n",
			failed,
			len(r.Results))
	}
}
