// Package schemas embeds the JSON Schemas for documents read from disk.
package schemas

import _ "embed"

// AdapterManifest is the schema every adapter package.json must satisfy
// before its fields are trusted.
//
//go:embed adapter_manifest.schema.json
var AdapterManifest []byte
