package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/quentingllmt/host-supervisor/internal/apierr"
	"github.com/quentingllmt/host-supervisor/internal/types"
)

var (
	bucketTargetApps       = []byte("target_apps")
	bucketLocal            = []byte("local_config")
	bucketCurrentApps      = []byte("current_apps")
	bucketImages           = []byte("images")
	bucketCommits          = []byte("commits")
	bucketAppliedLocal     = []byte("applied_local_config")
	bucketIntermediateApps = []byte("intermediate_target_apps")
)

const (
	localConfigKey         = "local"
	appliedLocalConfigKey  = "applied"
)

// BoltStore is the bbolt-backed Store implementation: one bucket per
// entity, values JSON-marshaled, mutations wrapped in a single
// transaction each.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the database file under
// dataDir and ensures every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "supervisor.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTargetApps, bucketLocal, bucketCurrentApps, bucketImages, bucketCommits, bucketAppliedLocal, bucketIntermediateApps} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func appKey(id types.AppID) []byte {
	return []byte(fmt.Sprintf("%d", int64(id)))
}

// GetTargetApps returns every application currently in target state.
func (s *BoltStore) GetTargetApps() (types.TargetApps, error) {
	apps := make(types.TargetApps)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTargetApps)
		return b.ForEach(func(k, v []byte) error {
			var app types.Application
			if err := json.Unmarshal(v, &app); err != nil {
				return fmt.Errorf("decode target app %s: %w", k, err)
			}
			apps[app.AppID] = &app
			return nil
		})
	})
	return apps, err
}

// SetTargetApps replaces the entire target application set atomically.
func (s *BoltStore) SetTargetApps(apps types.TargetApps) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTargetApps)
		// Drop keys no longer present before writing the new set.
		existing := make([][]byte, 0)
		if err := b.ForEach(func(k, _ []byte) error {
			key := append([]byte(nil), k...)
			existing = append(existing, key)
			return nil
		}); err != nil {
			return err
		}
		for _, k := range existing {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("clear target app %s: %w", k, err)
			}
		}
		for _, app := range apps {
			data, err := json.Marshal(app)
			if err != nil {
				return fmt.Errorf("encode target app %d: %w", app.AppID, err)
			}
			if err := b.Put(appKey(app.AppID), data); err != nil {
				return fmt.Errorf("put target app %d: %w", app.AppID, err)
			}
		}
		return nil
	})
}

// GetTargetApp returns one target application by id.
func (s *BoltStore) GetTargetApp(appID types.AppID) (*types.Application, error) {
	var app types.Application
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTargetApps)
		data := b.Get(appKey(appID))
		if data == nil {
			return apierr.NotFound("target app %d", appID)
		}
		return json.Unmarshal(data, &app)
	})
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// SetTargetApp upserts one target application.
func (s *BoltStore) SetTargetApp(app *types.Application) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTargetApps)
		data, err := json.Marshal(app)
		if err != nil {
			return fmt.Errorf("encode target app %d: %w", app.AppID, err)
		}
		return b.Put(appKey(app.AppID), data)
	})
}

// DeleteTargetApp removes one target application.
func (s *BoltStore) DeleteTargetApp(appID types.AppID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTargetApps).Delete(appKey(appID))
	})
}

// GetLocalConfig reads the device-level local configuration.
func (s *BoltStore) GetLocalConfig() (types.LocalConfig, error) {
	var cfg types.LocalConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocal)
		data := b.Get([]byte(localConfigKey))
		if data == nil {
			return nil // zero-value LocalConfig until a target is ever written
		}
		return json.Unmarshal(data, &cfg)
	})
	return cfg, err
}

// SetLocalConfig persists the device-level local configuration.
func (s *BoltStore) SetLocalConfig(cfg types.LocalConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encode local config: %w", err)
		}
		return tx.Bucket(bucketLocal).Put([]byte(localConfigKey), data)
	})
}

// GetCurrentApps returns the cached current-state view.
func (s *BoltStore) GetCurrentApps() (types.CurrentApps, error) {
	apps := make(types.CurrentApps)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCurrentApps)
		return b.ForEach(func(k, v []byte) error {
			var app types.Application
			if err := json.Unmarshal(v, &app); err != nil {
				return fmt.Errorf("decode current app %s: %w", k, err)
			}
			apps[app.AppID] = &app
			return nil
		})
	})
	return apps, err
}

// SetCurrentApps replaces the entire cached current-state view.
func (s *BoltStore) SetCurrentApps(apps types.CurrentApps) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCurrentApps)
		existing := make([][]byte, 0)
		if err := b.ForEach(func(k, _ []byte) error {
			existing = append(existing, append([]byte(nil), k...))
			return nil
		}); err != nil {
			return err
		}
		for _, k := range existing {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("clear current app %s: %w", k, err)
			}
		}
		for _, app := range apps {
			data, err := json.Marshal(app)
			if err != nil {
				return fmt.Errorf("encode current app %d: %w", app.AppID, err)
			}
			if err := b.Put(appKey(app.AppID), data); err != nil {
				return fmt.Errorf("put current app %d: %w", app.AppID, err)
			}
		}
		return nil
	})
}

// SetCurrentApp upserts one cached current application.
func (s *BoltStore) SetCurrentApp(app *types.Application) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCurrentApps)
		data, err := json.Marshal(app)
		if err != nil {
			return fmt.Errorf("encode current app %d: %w", app.AppID, err)
		}
		return b.Put(appKey(app.AppID), data)
	})
}

// DeleteCurrentApp removes one cached current application, e.g. after
// its last service, network and volume have all been purged.
func (s *BoltStore) DeleteCurrentApp(appID types.AppID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCurrentApps).Delete(appKey(appID))
	})
}

// GetCommitForApp returns the last fully-applied release commit for an
// app, or the empty string if no release has ever completed.
func (s *BoltStore) GetCommitForApp(appID types.AppID) (string, error) {
	var commit string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCommits).Get(appKey(appID))
		if data == nil {
			return nil
		}
		commit = string(data)
		return nil
	})
	return commit, err
}

// SetCommitForApp records commit as the last fully-applied release for
// appID. Called only once every step of an apply cycle for that app has
// succeeded (§3 invariant 5, §8 testable property 2).
func (s *BoltStore) SetCommitForApp(appID types.AppID, commit string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCommits).Put(appKey(appID), []byte(commit))
	})
}

// GetAppliedLocalConfig reads the device config last successfully
// applied by a device-config step.
func (s *BoltStore) GetAppliedLocalConfig() (types.LocalConfig, error) {
	var cfg types.LocalConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAppliedLocal).Get([]byte(appliedLocalConfigKey))
		if data == nil {
			return nil // zero-value LocalConfig until any device-config step has ever applied
		}
		return json.Unmarshal(data, &cfg)
	})
	return cfg, err
}

// SetAppliedLocalConfig records cfg as the device config now in effect
// on the host, called only after an ActionDeviceConfig step succeeds.
func (s *BoltStore) SetAppliedLocalConfig(cfg types.LocalConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encode applied local config: %w", err)
		}
		return tx.Bucket(bucketAppliedLocal).Put([]byte(appliedLocalConfigKey), data)
	})
}

// GetIntermediateTargetApps returns the short-lived intermediate target,
// or an empty set if none is installed.
func (s *BoltStore) GetIntermediateTargetApps() (types.TargetApps, error) {
	apps := make(types.TargetApps)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIntermediateApps)
		return b.ForEach(func(k, v []byte) error {
			var app types.Application
			if err := json.Unmarshal(v, &app); err != nil {
				return fmt.Errorf("decode intermediate target app %s: %w", k, err)
			}
			apps[app.AppID] = &app
			return nil
		})
	})
	return apps, err
}

// SetIntermediateTargetApps replaces the intermediate target set
// atomically, mirroring SetTargetApps.
func (s *BoltStore) SetIntermediateTargetApps(apps types.TargetApps) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIntermediateApps)
		existing := make([][]byte, 0)
		if err := b.ForEach(func(k, _ []byte) error {
			existing = append(existing, append([]byte(nil), k...))
			return nil
		}); err != nil {
			return err
		}
		for _, k := range existing {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("clear intermediate target app %s: %w", k, err)
			}
		}
		for _, app := range apps {
			data, err := json.Marshal(app)
			if err != nil {
				return fmt.Errorf("encode intermediate target app %d: %w", app.AppID, err)
			}
			if err := b.Put(appKey(app.AppID), data); err != nil {
				return fmt.Errorf("put intermediate target app %d: %w", app.AppID, err)
			}
		}
		return nil
	})
}

// ClearIntermediateTargetApps removes the intermediate target entirely,
// returning planning to the main target document.
func (s *BoltStore) ClearIntermediateTargetApps() error {
	return s.SetIntermediateTargetApps(types.TargetApps{})
}

func imageKey(id int64) []byte {
	return []byte(fmt.Sprintf("%d", id))
}

// GetImage looks up a tracked image by id.
func (s *BoltStore) GetImage(imageID int64) (*types.Image, error) {
	var img types.Image
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		data := b.Get(imageKey(imageID))
		if data == nil {
			return apierr.NotFound("image %d", imageID)
		}
		return json.Unmarshal(data, &img)
	})
	if err != nil {
		return nil, err
	}
	return &img, nil
}

// PutImage upserts a tracked image's pull/removal state.
func (s *BoltStore) PutImage(img *types.Image) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		data, err := json.Marshal(img)
		if err != nil {
			return fmt.Errorf("encode image %d: %w", img.ImageID, err)
		}
		return b.Put(imageKey(img.ImageID), data)
	})
}

// ListImages returns every tracked image.
func (s *BoltStore) ListImages() ([]*types.Image, error) {
	var imgs []*types.Image
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		return b.ForEach(func(k, v []byte) error {
			var img types.Image
			if err := json.Unmarshal(v, &img); err != nil {
				return fmt.Errorf("decode image %s: %w", k, err)
			}
			imgs = append(imgs, &img)
			return nil
		})
	})
	return imgs, err
}

// DeleteImage removes a tracked image's record.
func (s *BoltStore) DeleteImage(imageID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).Delete(imageKey(imageID))
	})
}
