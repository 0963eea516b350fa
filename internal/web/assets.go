package web

import (
	_ "embed"
)

// indexHTML is the single-page transcription UI.
//
//go:embed static/index.html
var indexHTML []byte
