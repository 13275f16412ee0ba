// Package scripts embeds the Risor decoder scripts shipped with spindex.
package scripts

import "embed"

// FS holds decode/<language>.risor.
//
//go:embed decode/*.risor
var FS embed.FS
