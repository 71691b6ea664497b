package notesync

import (
	"context"
	"fmt"

	"github.com/starford/voicenotes/internal/apperr"
)

// Source is the transcription side of dictation.
type Source interface {
	Supported() error
	Start(ctx context.Context) error
	Stop() error
}

// Dictation couples a transcription source to the core's draft: starting a
// recording clears the previous draft, and recording is refused outright when
// the source is unsupported.
type Dictation struct {
	core *Core
	src  Source
}

// NewDictation creates a Dictation. src may be nil when transcription is
// disabled.
func NewDictation(core *Core, src Source) *Dictation {
	return &Dictation{core: core, src: src}
}

// Probe runs the capability check and publishes the result to the core.
func (d *Dictation) Probe() error {
	err := d.supported()
	if setErr := d.core.SetSupported(err); setErr != nil {
		return setErr
	}
	return err
}

// Start clears the draft and begins capturing. A recording already in
// progress is left alone and ErrInvalidState is returned.
func (d *Dictation) Start(ctx context.Context) error {
	if err := d.supported(); err != nil {
		return err
	}
	v, err := d.core.View()
	if err != nil {
		return err
	}
	if v.Recording {
		return fmt.Errorf("notesync: already recording: %w", apperr.ErrInvalidState)
	}
	if err := d.core.ClearDraft(); err != nil {
		return err
	}
	return d.src.Start(ctx)
}

// Stop ends capturing. Chunks already delivered stay in the draft.
func (d *Dictation) Stop() error {
	if d.src == nil {
		return fmt.Errorf("notesync: dictation: %w", apperr.ErrUnsupported)
	}
	return d.src.Stop()
}

func (d *Dictation) supported() error {
	if d.src == nil {
		return fmt.Errorf("notesync: no transcription engine: %w", apperr.ErrUnsupported)
	}
	if err := d.src.Supported(); err != nil {
		return fmt.Errorf("notesync: %w: %w", apperr.ErrUnsupported, err)
	}
	return nil
}
