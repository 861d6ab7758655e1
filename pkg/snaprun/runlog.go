package snaprun

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/function61/ebsfreeze/pkg/ebssnapshot"
	"github.com/samber/lo"
	bolt "go.etcd.io/bbolt"
)

const DefaultRunLogPath = "/var/lib/ebsfreeze/runlog.db"

var runsBucketKey = []byte("runs")

type RunRecord struct {
	Started    time.Time      `json:"started"`
	Finished   time.Time      `json:"finished"`
	InstanceID string         `json:"instance_id"`
	Region     string         `json:"region"`
	Volumes    []VolumeRecord `json:"volumes"`
	FatalError string         `json:"fatal_error,omitempty"`
}

type VolumeRecord struct {
	VolumeID   string `json:"volume_id"`
	SnapshotID string `json:"snapshot_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// History of runs. The backing file also doubles as our single-instance lock:
// Bolt takes an exclusive flock on it, so a second concurrent invocation
// fails here - before anything gets frozen - instead of racing the first one
// on freeze/unfreeze.
type RunLog struct {
	db *bolt.DB
}

func OpenRunLog(path string) (*RunLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("runlog: %v", err)
	}

	db, err := bolt.Open(path, 0700, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("runlog %s: %v (another run in progress?)", path, err)
	}

	return &RunLog{db}, nil
}

func (r *RunLog) Close() error {
	return r.db.Close()
}

func (r *RunLog) Record(report *Report, fatal error) error {
	record := recordFromReport(report, fatal)

	serialized, err := json.Marshal(&record)
	if err != nil {
		return err
	}

	return r.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(runsBucketKey)
		if err != nil {
			return err
		}

		return bucket.Put([]byte(record.Started.UTC().Format(time.RFC3339Nano)), serialized)
	})
}

// newest first
func (r *RunLog) List(limit int) ([]RunRecord, error) {
	records := []RunRecord{}

	if err := r.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(runsBucketKey)
		if bucket == nil { // no runs recorded yet
			return nil
		}

		cursor := bucket.Cursor()
		for key, value := cursor.Last(); key != nil && len(records) < limit; key, value = cursor.Prev() {
			record := RunRecord{}
			if err := json.Unmarshal(value, &record); err != nil {
				return err
			}

			records = append(records, record)
		}

		return nil
	}); err != nil {
		return nil, err
	}

	return records, nil
}

func recordFromReport(report *Report, fatal error) RunRecord {
	record := RunRecord{
		Started:    report.Started,
		Finished:   report.Finished,
		InstanceID: report.InstanceID,
		Region:     report.Region,
		Volumes: lo.Map(report.Results, func(result ebssnapshot.Result, _ int) VolumeRecord {
			volume := VolumeRecord{
				VolumeID:   result.VolumeID,
				SnapshotID: result.SnapshotID,
			}
			if result.Err != nil {
				volume.Error = result.Err.Error()
			}

			return volume
		}),
	}

	if fatal != nil {
		record.FatalError = fatal.Error()
	}

	return record
}
