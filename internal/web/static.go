package web

import "embed"

// staticFiles holds the control page served at "/".
//
//go:embed static/index.html
var staticFiles embed.FS
