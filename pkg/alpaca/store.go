package alpaca

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	bucket          = "alpaca"
	configKey       = "server_config"
	defaultMQTTHost = "tcp://localhost:1883"
	defaultTopic    = "rpicam"
)

// MQTTConfig is the broker used to publish device events. Publishing is off
// unless Enabled is set.
type MQTTConfig struct {
	Enabled   bool
	Host      string
	Username  string
	Password  string
	TopicRoot string
}

// Config holds the server wide settings edited on the /setup page.
type Config struct {
	Location string
	MQTT     MQTTConfig
}

var defaultConfig = Config{
	Location: "Observatory",
	MQTT: MQTTConfig{
		Host:      defaultMQTTHost,
		TopicRoot: defaultTopic,
	},
}

// Store persists the server configuration in a bbolt database shared with the
// device drivers.
type Store struct {
	db *bolt.DB
}

func NewStore(db *bolt.DB) (*Store, error) {
	st := Store{db: db}

	if err := st.setDefaults(); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) setDefaults() error {
	if _, err := s.GetConfig(); err != nil {
		log.Infof("Setting default server config")
		return s.SetConfig(defaultConfig)
	}

	return nil
}

// SetConfig saves the server configuration as a json string in the database.
func (s *Store) SetConfig(cfg Config) error {
	if cfg.MQTT.Enabled && cfg.MQTT.Host == "" {
		return fmt.Errorf("MQTT host cannot be empty")
	}
	if cfg.MQTT.Enabled && cfg.MQTT.TopicRoot == "" {
		return fmt.Errorf("MQTT topic root cannot be empty")
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
		return b.Put([]byte(configKey), value)
	})
}

// GetConfig retrieves the server configuration from the database.
func (s *Store) GetConfig() (Config, error) {
	var cfg Config

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		value := b.Get([]byte(configKey))
		if value == nil {
			return fmt.Errorf("key %s not found", configKey)
		}

		return json.Unmarshal(value, &cfg)
	})

	return cfg, err
}
