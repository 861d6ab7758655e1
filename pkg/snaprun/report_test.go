package snaprun

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/function61/ebsfreeze/pkg/ebssnapshot"
	"github.com/function61/gokit/assert"
)

func TestReportRender(t *testing.T) {
	report := &Report{
		InstanceID: "i-123",
		Region:     "us-east-1",
		Results: []ebssnapshot.Result{
			{VolumeID: "vol-1", SnapshotID: "snap-1"},
			{VolumeID: "vol-2", Err: errors.New("RequestLimitExceeded")},
		},
	}

	rendered := &bytes.Buffer{}
	report.Render(rendered)

	assert.Assert(t, strings.Contains(rendered.String(), "instance i-123 (us-east-1)"))
	assert.Assert(t, strings.Contains(rendered.String(), "vol-1"))
	assert.Assert(t, strings.Contains(rendered.String(), "snap-1"))
	assert.Assert(t, strings.Contains(rendered.String(), "RequestLimitExceeded"))
	assert.Assert(t, strings.Contains(rendered.String(), "WARNING: 1/2 snapshot(s) failed"))
}

func TestReportRenderAllOk(t *testing.T) {
	report := &Report{
		Results: []ebssnapshot.Result{{VolumeID: "vol-1", SnapshotID: "snap-1"}},
	}

	rendered := &bytes.Buffer{}
	report.Render(rendered)

	assert.Assert(t, !strings.Contains(rendered.String(), "WARNING"))
	assert.Assert(t, report.FailedCount() == 0)
}
