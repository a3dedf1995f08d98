package download

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind tells download progress from extraction progress.
type Kind string

const (
	// KindDownload is emitted while the response body is streamed.
	KindDownload Kind = "download"
	// KindExtract is emitted once per unpacked archive entry.
	KindExtract Kind = "extract"
)

// UnknownPercentage is reported when the total size cannot be determined.
const UnknownPercentage = -1

// Event is a progress snapshot of a job.
type Event struct {
	// JobID identifies the job the event belongs to.
	JobID uuid.UUID
	// Kind is the phase of the job.
	Kind Kind
	// Label is the human-readable name of the artifact.
	Label string
	// Percentage is 0..100, or UnknownPercentage.
	Percentage int
	// BytesTransferred is the number of bytes written so far.
	BytesTransferred int64
	// BytesTotal is the expected size, or zero when unknown.
	BytesTotal int64
	// Entry is the 1-based index of the extracted entry.
	Entry int
	// TotalEntries is the number of entries in the archive.
	TotalEntries int
	// EntryName is the archive path of the extracted entry.
	EntryName string
}

// String renders the event as a splash line.
func (e Event) String() string {
	label := e.Label
	if label == "" {
		label = "artifact"
	}

	switch e.Kind {
	case KindExtract:
		return fmt.Sprintf("Extracting %s: %d of %d", label, e.Entry, e.TotalEntries)
	default:
		if e.Percentage == UnknownPercentage {
			return fmt.Sprintf("Downloading %s: %s", label, humanBytes(e.BytesTransferred))
		}

		return fmt.Sprintf("Downloading %s: %d%% (%s of %s)",
			label, e.Percentage, humanBytes(e.BytesTransferred), humanBytes(e.BytesTotal))
	}
}

func humanBytes(n int64) string {
	const unit = 1024

	if n < unit {
		return fmt.Sprintf("%d B", n)
	}

	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
