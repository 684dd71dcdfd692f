package domain

import "time"

// TransferOutcome is the result of one stage applied to one file.
type TransferOutcome struct {
	File  string
	Stage Stage
	OK    bool
	Err   error
}

// FetchSummary counts what the retriever did for one source.
type FetchSummary struct {
	Found           int
	Downloaded      int
	FailedDownloads int
	Deleted         int
	FailedDeletions int
	Outcomes        []TransferOutcome
	Elapsed         time.Duration
}

// HasFailures reports whether any download or deletion failed.
func (s FetchSummary) HasFailures() bool {
	return s.FailedDownloads > 0 || s.FailedDeletions > 0
}

// Record counts an outcome and keeps it for later inspection.
func (s *FetchSummary) Record(o TransferOutcome) {
	s.Outcomes = append(s.Outcomes, o)
	switch {
	case o.Stage == StageDownload && o.OK:
		s.Downloaded++
	case o.Stage == StageDownload:
		s.FailedDownloads++
	case o.Stage == StageDelete && o.OK:
		s.Deleted++
	case o.Stage == StageDelete:
		s.FailedDeletions++
	}
}

// UploadSummary counts what the uploader did for one source.
type UploadSummary struct {
	Candidates    int
	Uploaded      int
	FailedUploads int
	Moved         int
	FailedMoves   int
	Outcomes      []TransferOutcome
	Elapsed       time.Duration
}

// HasFailures reports whether any upload or move failed.
func (s UploadSummary) HasFailures() bool {
	return s.FailedUploads > 0 || s.FailedMoves > 0
}

// Record counts an outcome and keeps it for later inspection.
func (s *UploadSummary) Record(o TransferOutcome) {
	s.Outcomes = append(s.Outcomes, o)
	switch {
	case o.Stage == StageUpload && o.OK:
		s.Uploaded++
	case o.Stage == StageUpload:
		s.FailedUploads++
	case o.Stage == StageMove && o.OK:
		s.Moved++
	case o.Stage == StageMove:
		s.FailedMoves++
	}
}

// Files returns the names of files with a successful outcome for stage.
func Files(outcomes []TransferOutcome, stage Stage) []string {
	var names []string
	for _, o := range outcomes {
		if o.Stage == stage && o.OK {
			names = append(names, o.File)
		}
	}
	return names
}

// RunSummary merges both stages of one source.
type RunSummary struct {
	Fetch   FetchSummary
	Upload  UploadSummary
	Elapsed time.Duration
}

// SourceReport is the final state of one source after a run.
type SourceReport struct {
	Source  string
	State   SourceState
	Err     error
	Summary RunSummary
}

// Failed reports whether the source ended in a fatal state.
func (r SourceReport) Failed() bool {
	return r.State == StateFailedFatal
}

// RunReport aggregates every source processed in a run.
type RunReport struct {
	RunID     string
	StartedAt time.Time
	Elapsed   time.Duration
	Sources   []SourceReport
}

// Failed reports whether at least one source failed fatally.
func (r RunReport) Failed() bool {
	for _, s := range r.Sources {
		if s.Failed() {
			return true
		}
	}
	return false
}
