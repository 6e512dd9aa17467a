// Package configs provides embedded configuration templates for quarry.
//
// Templates are embedded at build time with //go:embed so they ship in
// every distribution, source builds included. `quarry init` writes the
// project template; `quarry config init` writes the user template to
// ~/.config/quarry/config.yaml.
package configs

import _ "embed"

// UserConfigTemplate is the machine-level configuration template. It holds
// settings that apply to every collection on this machine: the Ollama host,
// models, and logging.
//
//go:embed user-config.example.yaml
var UserConfigTemplate string

// ProjectConfigTemplate is the per-directory configuration template written
// as .quarry.yaml. It holds settings worth versioning with a document
// collection: retrieval tuning and the lexical backend.
//
//go:embed project-config.example.yaml
var ProjectConfigTemplate string
