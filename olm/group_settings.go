// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package olm

import (
	"fmt"
	"time"
)

const (
	// DefaultRotationPeriod is how long a group session is used before
	// being rotated.
	DefaultRotationPeriod = 7 * 24 * time.Hour

	// MinRotationPeriod is the lowest accepted rotation period.
	MinRotationPeriod = time.Hour

	// DefaultRotationPeriodMessages is the number of messages encrypted
	// with a group session before it is rotated.
	DefaultRotationPeriodMessages = 100
)

// HistoryVisibility controls who may read the history of a room.
type HistoryVisibility string

const (
	HistoryVisibilityInvited       HistoryVisibility = "invited"
	HistoryVisibilityJoined        HistoryVisibility = "joined"
	HistoryVisibilityShared        HistoryVisibility = "shared"
	HistoryVisibilityWorldReadable HistoryVisibility = "world_readable"
)

// ParseHistoryVisibility parses the string form of a history visibility.
func ParseHistoryVisibility(s string) (HistoryVisibility, error) {
	switch hv := HistoryVisibility(s); hv {
	case HistoryVisibilityInvited, HistoryVisibilityJoined,
		HistoryVisibilityShared, HistoryVisibilityWorldReadable:
		return hv, nil
	default:
		return "", fmt.Errorf("unknown history visibility %q", s)
	}
}

// EncryptionSettings controls the lifetime of outbound group sessions.
type EncryptionSettings struct {
	Algorithm              string            `json:"algorithm"`
	RotationPeriod         time.Duration     `json:"rotation_period"`
	RotationPeriodMessages uint64            `json:"rotation_period_msgs"`
	HistoryVisibility      HistoryVisibility `json:"history_visibility"`
}

// DefaultEncryptionSettings returns the default settings.
func DefaultEncryptionSettings() EncryptionSettings {
	return EncryptionSettings{
		Algorithm:              AlgorithmMegolmV1,
		RotationPeriod:         DefaultRotationPeriod,
		RotationPeriodMessages: DefaultRotationPeriodMessages,
		HistoryVisibility:      HistoryVisibilityShared,
	}
}

// normalize fills unset fields with defaults and clamps the rotation period.
func (s EncryptionSettings) normalize() EncryptionSettings {
	def := DefaultEncryptionSettings()
	if s.Algorithm == "" {
		s.Algorithm = def.Algorithm
	}
	if s.RotationPeriod == 0 {
		s.RotationPeriod = def.RotationPeriod
	} else if s.RotationPeriod < MinRotationPeriod {
		s.RotationPeriod = MinRotationPeriod
	}
	if s.RotationPeriodMessages == 0 {
		s.RotationPeriodMessages = def.RotationPeriodMessages
	}
	if s.HistoryVisibility == "" {
		s.HistoryVisibility = def.HistoryVisibility
	}
	return s
}
