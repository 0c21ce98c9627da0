package entities

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type EpochStatus string

const (
	EpochOpen    EpochStatus = "open"
	EpochActive  EpochStatus = "active"
	EpochClosing EpochStatus = "closing"
	EpochSealed  EpochStatus = "sealed"
)

const epochKeyPrefix = "epoch-"

var natoAlphabet = [...]string{
	"Alpha", "Bravo", "Charlie", "Delta", "Echo", "Foxtrot", "Golf", "Hotel", "India", "Juliet", "Kilo", "Lima",
	"Mike", "November", "Oscar", "Papa", "Quebec", "Romeo", "Sierra", "Tango", "Uniform", "Victor", "Whiskey",
	"Xray", "Yankee", "Zulu",
}

type Epoch struct {
	ID        uint32
	Name      string
	StartTime time.Time
	EndTime   time.Time
	Status    EpochStatus
}

func NewEpoch(id uint32, start time.Time, duration time.Duration) Epoch {
	return Epoch{
		ID:        id,
		Name:      EpochName(id),
		StartTime: start,
		EndTime:   start.Add(duration),
		Status:    EpochOpen,
	}
}

// Contains reports whether t lies in [start, end).
func (e Epoch) Contains(t time.Time) bool {
	return !t.Before(e.StartTime) && t.Before(e.EndTime)
}

func (e Epoch) Key() string {
	return EpochKey(e.ID)
}

func EpochKey(id uint32) string {
	return fmt.Sprintf("%s%04d", epochKeyPrefix, id)
}

func ParseEpochKey(key string) (uint32, error) {
	key = strings.TrimSuffix(key, ".json")
	if !strings.HasPrefix(key, epochKeyPrefix) {
		return 0, errors.Errorf("invalid epoch key [%s]", key)
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(key, epochKeyPrefix), 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing epoch key [%s]", key)
	}
	return uint32(id), nil
}

func EpochName(id uint32) string {
	return natoAlphabet[id%uint32(len(natoAlphabet))]
}

// EpochSnapshot is the frozen collector state an epoch is sealed from.
type EpochSnapshot struct {
	Epoch  Epoch
	Jobs   []JobActivity
	Proofs int
}

type Heartbeat struct {
	Controller    string `json:"controller"`
	CurrentEpoch  string `json:"current_epoch"`
	EpochStatus   string `json:"epoch_status"`
	EpochProofs   int    `json:"epoch_proofs"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Timestamp     int64  `json:"timestamp"`
}
