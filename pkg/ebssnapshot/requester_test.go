package ebssnapshot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/function61/gokit/assert"
	"github.com/function61/gokit/logex"
)

type fakeEC2 struct {
	ec2iface.EC2API

	mu    sync.Mutex
	calls []*ec2.CreateSnapshotInput
	fail  map[string]error
}

func (f *fakeEC2) CreateSnapshotWithContext(ctx aws.Context, input *ec2.CreateSnapshotInput, opts ...request.Option) (*ec2.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, input)

	if err, has := f.fail[*input.VolumeId]; has {
		return nil, err
	}

	return &ec2.Snapshot{
		SnapshotId: aws.String("snap-" + strings.TrimPrefix(*input.VolumeId, "vol-")),
	}, nil
}

func TestRequestSnapshots(t *testing.T) {
	fake := &fakeEC2{}
	requester := New(fake, logex.Discard)

	results := requester.RequestSnapshots(
		context.Background(),
		[]string{"vol-1", "vol-2"},
		"pre-upgrade backup",
		[]TagPair{{Key: "Env", Value: "prod"}})

	assert.Assert(t, len(results) == 2)
	assert.EqualString(t, results[0].VolumeID, "vol-1")
	assert.EqualString(t, results[0].SnapshotID, "snap-1")
	assert.Assert(t, results[0].Err == nil)
	assert.EqualString(t, results[1].SnapshotID, "snap-2")

	// each call carried description + tag specification
	for _, call := range fake.calls {
		assert.EqualString(t, *call.Description, "pre-upgrade backup")
		assert.Assert(t, len(call.TagSpecifications) == 1)
		assert.EqualString(t, *call.TagSpecifications[0].ResourceType, "snapshot")
		assert.EqualString(t, *call.TagSpecifications[0].Tags[0].Key, "Env")
		assert.EqualString(t, *call.TagSpecifications[0].Tags[0].Value, "prod")
	}
}

func TestRequestSnapshotsOneVolumeFailing(t *testing.T) {
	fake := &fakeEC2{fail: map[string]error{
		"vol-2": errors.New("UnauthorizedOperation"),
	}}
	requester := New(fake, logex.Discard)

	results := requester.RequestSnapshots(
		context.Background(),
		[]string{"vol-1", "vol-2", "vol-3"},
		"",
		nil)

	// failure of #2 did not prevent #1 and #3; results stay in input order
	assert.Assert(t, len(results) == 3)
	assert.EqualString(t, results[0].SnapshotID, "snap-1")
	assert.Assert(t, results[1].Err != nil)
	assert.EqualString(t, results[1].VolumeID, "vol-2")
	assert.EqualString(t, results[1].SnapshotID, "")
	assert.EqualString(t, results[2].SnapshotID, "snap-3")

	assert.Assert(t, len(fake.calls) == 3)
}

func TestRequestSnapshotsNoTagsNoDescription(t *testing.T) {
	fake := &fakeEC2{}
	requester := New(fake, logex.Discard)

	requester.RequestSnapshots(context.Background(), []string{"vol-1"}, "", nil)

	// empty inputs must not produce empty-but-present request fields
	assert.Assert(t, fake.calls[0].Description == nil)
	assert.Assert(t, fake.calls[0].TagSpecifications == nil)
}
