package picamera

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const bucket = "alpaca"

// Config holds the per-camera settings edited on the camera setup page.
type Config struct {
	DefaultGain   int
	PreviewWidth  int
	PreviewHeight int
	BufferCount   int
}

var defaultConfig = Config{
	DefaultGain:   1,
	PreviewWidth:  640,
	PreviewHeight: 480,
	BufferCount:   2,
}

func (c Config) validate() error {
	if c.PreviewWidth <= 0 || c.PreviewHeight <= 0 {
		return fmt.Errorf("invalid preview size %dx%d", c.PreviewWidth, c.PreviewHeight)
	}
	if c.BufferCount < 1 || c.BufferCount > 8 {
		return fmt.Errorf("buffer count must be between 1 and 8, got %d", c.BufferCount)
	}
	return nil
}

type store struct {
	db  *bolt.DB
	key []byte
}

// NewStore creates a store for camera number and sets default values if they
// are not already set.
func NewStore(db *bolt.DB, number int) (*store, error) {
	st := store{
		db:  db,
		key: []byte(fmt.Sprintf("camera_%d_config", number)),
	}

	if err := st.setDefaults(); err != nil {
		return nil, err
	}
	return &st, nil
}

// setDefaults sets the default configuration values if they are not already set in the database.
func (s *store) setDefaults() error {
	if _, err := s.GetConfig(); err != nil {
		log.Infof("Setting default camera config")
		return s.SetConfig(defaultConfig)
	}

	return nil
}

// SetConfig saves the camera configuration as a json string in the database.
func (s *store) SetConfig(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}

		value, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return b.Put(s.key, value)
	})
}

// GetConfig retrieves the camera configuration from the database.
func (s *store) GetConfig() (Config, error) {
	var cfg Config

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		value := b.Get(s.key)
		if value == nil {
			return fmt.Errorf("key %s not found", s.key)
		}

		return json.Unmarshal(value, &cfg)
	})

	return cfg, err
}
