package configs

import "embed"

// ProfileDefaults contains shipped default wrap-profile YAML files.
//
//go:embed profiles/*.yaml
var ProfileDefaults embed.FS
