package reconciliation

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/quantsentinel/trading-core/internal/types"
	"github.com/quantsentinel/trading-core/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// ReportStore persists reconciliation passes and end-of-day reports.
type ReportStore interface {
	// SaveReconciliation appends one reconciliation pass.
	SaveReconciliation(report types.ReconciliationReport) error
	// Reconciliations returns the most recent passes, oldest first, up to limit.
	Reconciliations(limit int) ([]types.ReconciliationReport, error)
	// SaveEndOfDay stores the report keyed by its date, overwriting an earlier
	// report for the same day.
	SaveEndOfDay(report types.EndOfDayReport) error
	// EndOfDay returns the report for a date, or found=false.
	EndOfDay(date string) (report types.EndOfDayReport, found bool, err error)
}

var (
	reconciliationBucket = []byte("reconciliation_reports")
	endOfDayBucket       = []byte("eod_reports")
)

// BoltReportStore implements ReportStore on a bbolt database file.
type BoltReportStore struct {
	db *bolt.DB
}

// OpenBoltReportStore opens (creating if needed) the bbolt database at path.
func OpenBoltReportStore(path string) (*BoltReportStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeStoreUnavailable, err, "failed to open report store %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(reconciliationBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(endOfDayBucket)

		return err
	})
	if err != nil {
		_ = db.Close()

		return nil, errors.Wrap(errors.ErrCodeStoreUnavailable, "failed to create report buckets", err)
	}

	return &BoltReportStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltReportStore) Close() error {
	return s.db.Close()
}

func (s *BoltReportStore) SaveReconciliation(report types.ReconciliationReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreWriteFailed, "failed to encode reconciliation report", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(reconciliationBucket)

		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}

		return bucket.Put(itob(seq), data)
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreWriteFailed, "failed to persist reconciliation report", err)
	}

	return nil
}

func (s *BoltReportStore) Reconciliations(limit int) ([]types.ReconciliationReport, error) {
	var reports []types.ReconciliationReport

	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(reconciliationBucket).Cursor()

		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			if limit > 0 && len(reports) >= limit {
				break
			}

			var report types.ReconciliationReport
			if err := json.Unmarshal(v, &report); err != nil {
				return err
			}

			reports = append(reports, report)
		}

		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreReadFailed, "failed to read reconciliation reports", err)
	}

	// Cursor walked newest first; flip to append order.
	for i, j := 0, len(reports)-1; i < j; i, j = i+1, j-1 {
		reports[i], reports[j] = reports[j], reports[i]
	}

	return reports, nil
}

func (s *BoltReportStore) SaveEndOfDay(report types.EndOfDayReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreWriteFailed, "failed to encode end of day report", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(endOfDayBucket).Put([]byte(report.Date), data)
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreWriteFailed, "failed to persist end of day report", err)
	}

	return nil
}

func (s *BoltReportStore) EndOfDay(date string) (types.EndOfDayReport, bool, error) {
	var (
		report types.EndOfDayReport
		found  bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(endOfDayBucket).Get([]byte(date))
		if data == nil {
			return nil
		}

		found = true

		return json.Unmarshal(data, &report)
	})
	if err != nil {
		return types.EndOfDayReport{}, false, errors.Wrap(errors.ErrCodeStoreReadFailed, "failed to read end of day report", err)
	}

	return report, found, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)

	return b
}

var _ ReportStore = (*BoltReportStore)(nil)
