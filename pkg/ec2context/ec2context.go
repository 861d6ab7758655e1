// Answers "which instance am I, in which region, with which EBS volumes
// attached" using the EC2 instance metadata service.
package ec2context

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/ec2metadata"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/retry"
)

type InstanceContext struct {
	InstanceID string
	Region     string

	ec2  ec2iface.EC2API
	logl *logex.Leveled
}

// Resolves instance identity from the metadata service. Metadata reads are
// retried with bounded backoff - all of this happens before any filesystem is
// frozen, so taking a moment here costs nothing.
func Discover(ctx context.Context, logger *log.Logger) (*InstanceContext, error) {
	logl := logex.Levels(logex.NonNil(logger))

	sess, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("AWS session: %v", err)
	}

	metadata := ec2metadata.New(sess)

	instanceID, err := metadataWithRetry(ctx, metadata, "instance-id", logl)
	if err != nil {
		return nil, err
	}

	availabilityZone, err := metadataWithRetry(ctx, metadata, "placement/availability-zone", logl)
	if err != nil {
		return nil, err
	}

	region, err := regionFromAZ(availabilityZone)
	if err != nil {
		return nil, err
	}

	logl.Info.Printf("instance %s in %s", instanceID, region)

	return &InstanceContext{
		InstanceID: instanceID,
		Region:     region,
		ec2:        ec2.New(sess, aws.NewConfig().WithRegion(region)),
		logl:       logl,
	}, nil
}

// All EBS volumes attached to this instance. Errors rather than returns a
// partial list - nothing gets frozen unless the full volume set is known.
func (i *InstanceContext) AttachedVolumes(ctx context.Context) ([]string, error) {
	volumeIDs := []string{}

	if err := i.ec2.DescribeVolumesPagesWithContext(ctx, &ec2.DescribeVolumesInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("attachment.instance-id"),
			Values: []*string{aws.String(i.InstanceID)},
		}},
	}, func(page *ec2.DescribeVolumesOutput, lastPage bool) bool {
		for _, volume := range page.Volumes {
			volumeIDs = append(volumeIDs, *volume.VolumeId)
		}

		return true
	}); err != nil {
		return nil, fmt.Errorf("DescribeVolumes: %v", err)
	}

	return volumeIDs, nil
}

func metadataWithRetry(ctx context.Context, metadata *ec2metadata.EC2Metadata, path string, logl *logex.Leveled) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	value := ""
	if err := retry.Retry(ctx, func(ctx context.Context) error {
		var err error
		value, err = metadata.GetMetadata(path)
		return err
	}, retry.DefaultBackoff(), func(err error) {
		logl.Error.Printf("metadata %s: try failure: %v", path, err)
	}); err != nil {
		return "", fmt.Errorf("metadata %s: %v", path, err)
	}

	return value, nil
}

// "us-east-1a" => "us-east-1" (the zone letter is not part of the region name)
func regionFromAZ(availabilityZone string) (string, error) {
	if len(availabilityZone) < 2 || !isZoneLetter(availabilityZone[len(availabilityZone)-1]) {
		return "", fmt.Errorf("availability zone in unexpected format: %q", availabilityZone)
	}

	return availabilityZone[:len(availabilityZone)-1], nil
}

func isZoneLetter(char byte) bool {
	return char >= 'a' && char <= 'z'
}
