// Copyright 2024 The Godror Authors
//
//
// SPDX-License-Identifier: UPL-1.0 OR Apache-2.0

package ocibind

import "sync"

// Cannot pass *Subscription to the client library as the callback context,
// so pass an uint64 that is the key of the Environment's subscription pool.
var subscriptionIDs struct {
	sync.Mutex
	next uint64
}

// nextSubscriptionID returns a process-wide unique callback token.
func nextSubscriptionID() uint64 {
	subscriptionIDs.Lock()
	defer subscriptionIDs.Unlock()
	subscriptionIDs.next++
	return subscriptionIDs.next
}
