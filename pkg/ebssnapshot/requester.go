// Creates EBS snapshots: one create call per volume, collecting a per-volume
// result instead of stopping at the first failure.
package ebssnapshot

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/function61/gokit/logex"
	"github.com/samber/lo"
)

type Result struct {
	VolumeID   string
	SnapshotID string // empty on failure
	Err        error  // nil on success
}

type Requester struct {
	ec2  ec2iface.EC2API
	logl *logex.Leveled
}

func New(client ec2iface.EC2API, logger *log.Logger) *Requester {
	return &Requester{
		ec2:  client,
		logl: logex.Levels(logex.NonNil(logger)),
	}
}

func NewInRegion(region string, logger *log.Logger) (*Requester, error) {
	sess, err := session.NewSession(aws.NewConfig().WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("ec2 session: %v", err)
	}

	return New(ec2.New(sess), logger), nil
}

// One CreateSnapshot per volume. Dispatched concurrently - filesystems are
// frozen while we're here, so wall clock time matters - but we always wait
// for every call to finish before returning. A volume failing does not stop
// the others; each volume gets a Result, in input order. No retries (a retry
// would stretch the freeze window).
func (r *Requester) RequestSnapshots(ctx context.Context, volumeIDs []string, description string, tags []TagPair) []Result {
	results := make([]Result, len(volumeIDs))

	requests := sync.WaitGroup{}
	for idx, volumeID := range volumeIDs {
		requests.Add(1)

		go func(idx int, volumeID string) {
			defer requests.Done()

			results[idx] = r.requestOne(ctx, volumeID, description, tags)
		}(idx, volumeID)
	}
	requests.Wait()

	return results
}

func (r *Requester) requestOne(ctx context.Context, volumeID string, description string, tags []TagPair) Result {
	input := &ec2.CreateSnapshotInput{
		VolumeId: aws.String(volumeID),
	}

	if description != "" {
		input.Description = aws.String(description)
	}

	if len(tags) > 0 {
		input.TagSpecifications = []*ec2.TagSpecification{{
			ResourceType: aws.String(ec2.ResourceTypeSnapshot),
			Tags: lo.Map(tags, func(tag TagPair, _ int) *ec2.Tag {
				return &ec2.Tag{Key: aws.String(tag.Key), Value: aws.String(tag.Value)}
			}),
		}}
	}

	snapshot, err := r.ec2.CreateSnapshotWithContext(ctx, input)
	if err != nil {
		r.logl.Error.Printf("%s: CreateSnapshot: %v", volumeID, err)

		return Result{VolumeID: volumeID, Err: fmt.Errorf("CreateSnapshot: %v", err)}
	}

	r.logl.Info.Printf("%s => %s", volumeID, *snapshot.SnapshotId)

	return Result{VolumeID: volumeID, SnapshotID: *snapshot.SnapshotId}
}
