package killswitch

import (
	"encoding/json"
	"time"

	"github.com/quantsentinel/trading-core/internal/types"
	"github.com/quantsentinel/trading-core/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// PersistedState is the durable form of the switch position. Engaged means the
// switch is ON; Auto means a risk engine HALT escalates it to ON.
type PersistedState struct {
	Engaged bool `json:"engaged"`
	Auto    bool `json:"auto"`
}

// StateStore persists kill switch state and its append-only event log. The
// transition write must complete before the switch acknowledges the caller.
type StateStore interface {
	// SaveTransition atomically appends the event and stores the new state.
	SaveTransition(state PersistedState, event types.KillSwitchEvent) error
	// Load returns the last persisted state, or found=false when none exists.
	Load() (state PersistedState, found bool, err error)
	// Events returns the full event log in append order.
	Events() ([]types.KillSwitchEvent, error)
}

var (
	stateBucket  = []byte("kill_switch_state")
	eventBucket  = []byte("kill_switch_events")
	currentState = []byte("current")
)

// BoltStore implements StateStore on a bbolt database file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if needed) the bbolt database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeStoreUnavailable, err, "failed to open kill switch store %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(stateBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(eventBucket)

		return err
	})
	if err != nil {
		_ = db.Close()

		return nil, errors.Wrap(errors.ErrCodeStoreUnavailable, "failed to create kill switch buckets", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveTransition implements StateStore. The event append and the state write
// share one transaction so a crash cannot separate them.
func (s *BoltStore) SaveTransition(state PersistedState, event types.KillSwitchEvent) error {
	stateData, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreWriteFailed, "failed to encode kill switch state", err)
	}

	eventData, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreWriteFailed, "failed to encode kill switch event", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(eventBucket)

		seq, err := events.NextSequence()
		if err != nil {
			return err
		}

		if err := events.Put(itob(seq), eventData); err != nil {
			return err
		}

		return tx.Bucket(stateBucket).Put(currentState, stateData)
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreWriteFailed, "failed to persist kill switch transition", err)
	}

	return nil
}

// Load implements StateStore.
func (s *BoltStore) Load() (PersistedState, bool, error) {
	var (
		state PersistedState
		found bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(stateBucket).Get(currentState)
		if data == nil {
			return nil
		}

		found = true

		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return PersistedState{}, false, errors.Wrap(errors.ErrCodeStoreReadFailed, "failed to load kill switch state", err)
	}

	return state, found, nil
}

// Events implements StateStore.
func (s *BoltStore) Events() ([]types.KillSwitchEvent, error) {
	var events []types.KillSwitchEvent

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(eventBucket).ForEach(func(_, v []byte) error {
			var event types.KillSwitchEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}

			events = append(events, event)

			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreReadFailed, "failed to read kill switch events", err)
	}

	return events, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}

	return b
}

// Ensure BoltStore implements StateStore.
var _ StateStore = (*BoltStore)(nil)
