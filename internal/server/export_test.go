// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package server

// LaneCount reports how many session lanes are live.
func (s *Services) LaneCount() int {
	return s.lanes.Len()
}
