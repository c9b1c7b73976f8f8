// Package defaults embeds the example configuration written by the
// stepwise init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the annotated example configuration.
//
//go:embed stepwise.example.yaml
var ConfigYAML []byte
