// Copyright 2020, 2024 The Godror Authors
//
// SPDX-License-Identifier: UPL-1.0 OR Apache-2.0

package ocibind

// Version of this module
const Version = "v0.1.0"
