// Package mimeguess guesses a response Content-Type from a filename's
// extension. It is implemented on stdlib's mime.TypeByExtension rather than
// a third-party library: the contract is extension-based, and the one MIME
// library in the example pack, gabriel-vasile/mimetype, sniffs file content
// instead, which doesn't fit a streaming-body contract where the content
// type must be known before the first byte is written.
package mimeguess

import (
	"mime"
	"path/filepath"
)

// Guesser guesses a MIME type from a filename's extension, mirroring
// original_source/main.py's mimetypes.guess_type(filename).
type Guesser struct{}

// New returns a Guesser.
func New() Guesser { return Guesser{} }

// Guess returns the MIME type for name's extension and whether one was found.
func (Guesser) Guess(name string) (mimeType string, known bool) {
	ext := filepath.Ext(name)
	if ext == "" {
		return "", false
	}
	t := mime.TypeByExtension(ext)
	if t == "" {
		return "", false
	}
	return t, true
}
