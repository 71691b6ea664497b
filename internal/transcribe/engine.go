// Package transcribe turns captured audio into an ordered stream of final
// transcript chunks.
package transcribe

import (
	"context"
)

// Engine is a streaming speech-to-text backend.
type Engine interface {
	Name() string
	// Supported reports why the engine cannot be used, or nil.
	Supported() error
	Open(ctx context.Context) (Stream, error)
}

// Stream is one live recognition session.
type Stream interface {
	// Feed queues PCM for sending. It never blocks on the network.
	Feed(pcm []byte) error
	// Results yields final transcripts in order and is closed when the
	// stream ends.
	Results() <-chan string
	// Err reports why the stream ended, or nil for a normal close.
	Err() error
	Close() error
}
