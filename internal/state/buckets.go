package state

import (
	"errors"
	"time"
)

// Bucket names.
const (
	// BucketAccessPoint holds the access-point credentials ("ssid",
	// "password", "authmode").
	BucketAccessPoint = "wifi_config"
	// BucketBoot records which app partition boots next.
	BucketBoot = "boot"
	// BucketSessions holds update session results keyed by session id.
	BucketSessions = "sessions"
)

// Buckets lists every bucket Open creates.
var Buckets = []string{BucketAccessPoint, BucketBoot, BucketSessions}

// Open opens the store at path and ensures the standard buckets exist.
func Open(opts Options) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(opts)
	if err != nil {
		return nil, err
	}
	for _, b := range Buckets {
		if err := s.EnsureBucket(b); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// BootSelection is the partition the bootloader should start next.
type BootSelection struct {
	Label     string    `json:"label"`
	SessionID string    `json:"session_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

const bootKey = "next"

// SetBoot records the next boot partition.
func SetBoot(s Store, sel BootSelection) error {
	return s.SetJSON(BucketBoot, bootKey, sel)
}

// GetBoot returns the next boot partition, or ok=false when none is set.
func GetBoot(s Store) (sel BootSelection, ok bool, err error) {
	err = s.GetJSON(BucketBoot, bootKey, &sel)
	if errors.Is(err, ErrNotFound) {
		return sel, false, nil
	}
	return sel, err == nil, err
}
