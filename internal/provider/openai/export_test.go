// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package openai

// Exposed for white-box testing.
var (
	ConvertMessages = convertMessages
	BuildParams     = buildParams
)
