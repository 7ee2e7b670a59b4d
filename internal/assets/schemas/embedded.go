// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so brief validation works regardless
// of the working directory or installation location.
package schemasassets

import _ "embed"

// JobBriefSchema is the embedded job-brief JSON schema.
//
//go:embed job-brief.schema.json
var JobBriefSchema []byte
