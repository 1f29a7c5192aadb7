package model

import "time"

// FilteredArchive is the result of filtering a workflow archive.
type FilteredArchive struct {
	// Data is the filtered archive; empty when filtering was skipped.
	Data []byte
	// Skipped is set when the archive could not be unpacked; Raw then holds the original bytes.
	Skipped    bool
	SkipReason string
	Raw        []byte

	RemovedFiles   []RemovedFile
	RemovedEntries []RemovedEntry
	// Paths are the data paths referenced by node settings.
	Paths []string
}

// RemovedFile is an archive member dropped as intermediate data.
type RemovedFile struct {
	Name string `json:"name"`
	Size uint64 `json:"size"`
}

// RemovedEntry is a settings entry dropped by a filter rule.
type RemovedEntry struct {
	Node string `json:"node"`
	Path string `json:"path"`
	Rule string `json:"rule"`
}

// BackupBundle is everything persisted for one job.
type BackupBundle struct {
	Detection Detection
	Record    *JobRecord
	// Metadata and Summary are the documents as returned by the server.
	Metadata []byte
	Summary  []byte
	Archive  *FilteredArchive
	// Malformed holds raw payloads that could not be decoded, keyed by stage.
	Malformed map[string][]byte
	Stages    []StageReport
}

// Timestamp is the instant used to name the bundle: the job creation time
// reported by the server when known, else the detection time.
func (b *BackupBundle) Timestamp() time.Time {
	if b.Record != nil {
		if ts, ok := ParseSourceTime(b.Record.CreatedAt); ok {
			return ts
		}
	}
	return b.Detection.DetectedAt
}

// BackupManifest is written alongside every bundle.
type BackupManifest struct {
	JobID           string         `json:"job_id"`
	DetectedAt      time.Time      `json:"detected_at"`
	WrittenAt       time.Time      `json:"written_at"`
	Complete        bool           `json:"complete"`
	Stages          []StageReport  `json:"stages"`
	Files           []string       `json:"files"`
	FilterSkipped   bool           `json:"filter_skipped"`
	FilterSkipCause string         `json:"filter_skip_cause,omitempty"`
	RemovedFiles    []RemovedFile  `json:"removed_files,omitempty"`
	RemovedEntries  []RemovedEntry `json:"removed_entries,omitempty"`
	DataPaths       []string       `json:"data_paths,omitempty"`
}

// Complete reports whether every stage ended ok.
func Complete(stages []StageReport) bool {
	for _, s := range stages {
		if s.Status != StageOK && s.Status != StageSkipped {
			return false
		}
	}
	return true
}
