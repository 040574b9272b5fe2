// Package configs embeds the configuration template written by
// `divan config init`.
package configs

import _ "embed"

// ProjectConfigTemplate is the commented .divan.yaml written into a
// project directory. It declares two example indexes over users/ documents.
//
//go:embed project-config.example.yaml
var ProjectConfigTemplate string
