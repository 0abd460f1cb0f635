// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package anthropic

// Exposed for white-box testing.
var (
	ConvertMessages = convertMessages
	BuildParams     = buildParams
	ExtractSchema   = extractSchema
)
