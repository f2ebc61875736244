// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
)

// defaultConsumerName derives a broker consumer-group member name from
// the host and process ID, used when --consumer-name is not given.
// Distinct names matter only for ReclaimStale's idle-time accounting;
// a collision would just make two processes share reclaim credit, not
// corrupt state.
func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
