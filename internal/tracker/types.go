// Package tracker defines the core types shared across the link-tracking subsystems.
package tracker

import (
	"fmt"
	"strings"
	"time"
)

// Timing is the schedule class of a link.
type Timing string

// Timing tiers.
const (
	TimingDaily    Timing = "DAILY"
	TimingWeekly   Timing = "WEEKLY"
	TimingMonthly  Timing = "MONTHLY"
	TimingOnDemand Timing = "ON_DEMAND"
)

// ParseTiming converts user input into a Timing, ignoring case.
func ParseTiming(raw string) (Timing, error) {
	switch t := Timing(strings.ToUpper(strings.TrimSpace(raw))); t {
	case TimingDaily, TimingWeekly, TimingMonthly, TimingOnDemand:
		return t, nil
	case "ON-DEMAND", "ONDEMAND":
		return TimingOnDemand, nil
	default:
		return "", fmt.Errorf("unknown timing %q", raw)
	}
}

// Lower returns the timing as used in object keys.
func (t Timing) Lower() string {
	return strings.ToLower(string(t))
}

// Domain owns links and carries the query-string policy.
type Domain struct {
	ID            int64  `json:"id"`
	Name          string `json:"domain"`
	IncludeParams bool   `json:"include_params"`
	Active        bool   `json:"is_active"`
}

// Link is a tracked URL.
type Link struct {
	ID     int64  `json:"id"`
	URL    string `json:"url"`
	Hash   string `json:"hashed_url"`
	Timing Timing `json:"timing"`
	Active bool   `json:"is_active"`
	// Params is the stored query string re-applied when the domain keeps params.
	Params string `json:"params,omitempty"`
	Domain Domain `json:"domain"`
}

// IncludeParams reports whether the link's domain keeps query strings.
func (l Link) IncludeParams() bool {
	return l.Domain.IncludeParams
}

// RunStatus is the persisted lifecycle of a batch run.
type RunStatus string

// Run status values.
const (
	RunPending RunStatus = "PENDING"
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
)

// IsTerminal reports whether the status can no longer change.
func (s RunStatus) IsTerminal() bool {
	return s == RunSuccess || s == RunFailed
}

// RunLink is the snapshot of one link submitted to a run.
type RunLink struct {
	Key    string `json:"key"`
	URL    string `json:"url"`
	Hash   string `json:"hash"`
	Timing Timing `json:"timing"`
}

// Run is the cron-history record for one scheduler invocation.
type Run struct {
	ID            string     `json:"id"`
	Links         []RunLink  `json:"links"`
	Status        RunStatus  `json:"status"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	Summary       RunSummary `json:"data"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

// RunSummary is the free-form result payload stored with a run.
type RunSummary struct {
	Outcome     string                  `json:"outcome,omitempty"`
	Total       int                     `json:"total"`
	Succeeded   []string                `json:"succeeded,omitempty"`
	FailedLinks []string                `json:"failed_links,omitempty"`
	Artifacts   map[string]ArtifactKeys `json:"artifacts,omitempty"`
	Error       string                  `json:"error,omitempty"`
	JobID       string                  `json:"job_id,omitempty"`
}

// ArtifactKeys are the object-storage keys written for one capture.
type ArtifactKeys struct {
	HTML       string `json:"html"`
	Screenshot string `json:"screenshot"`
	Thumbnail  string `json:"thumbnail,omitempty"`
}

// ArtifactMetadata is attached to every stored object and to the capture row.
type ArtifactMetadata struct {
	OriginalURL string `json:"originalUrl"`
	HashedURL   string `json:"hashedUrl"`
	Timestamp   string `json:"timestamp"`
	Timezone    string `json:"timezone"`
}

// Map renders the metadata as object-store user metadata.
func (m ArtifactMetadata) Map() map[string]string {
	return map[string]string{
		"originalUrl": m.OriginalURL,
		"hashedUrl":   m.HashedURL,
		"timestamp":   m.Timestamp,
		"timezone":    m.Timezone,
	}
}

// CaptureStatus is the status of a capture row.
type CaptureStatus string

// CaptureSuccess is the only status written by the pipeline.
const CaptureSuccess CaptureStatus = "SUCCESS"

// CaptureImages lists image artifacts of a capture.
type CaptureImages struct {
	FullPage string `json:"fullPage"`
}

// Capture is the linkdata record written once per successful scrape.
type Capture struct {
	ID        string                      `json:"id"`
	Hash      string                      `json:"hashed_url"`
	Timing    Timing                      `json:"timing"`
	Status    CaptureStatus               `json:"status"`
	Keys      ArtifactKeys                `json:"keys"`
	Metadata  map[string]ArtifactMetadata `json:"metadata"`
	Images    CaptureImages               `json:"images"`
	Title     string                      `json:"title,omitempty"`
	CreatedAt time.Time                   `json:"created_at"`
}

// FailureReason classifies why a task did not produce a capture.
type FailureReason string

// Failure reasons reported in completions.
const (
	ReasonInvalidURL   FailureReason = "INVALID_URL"
	ReasonRenderFailed FailureReason = "RENDER_FAILED"
	ReasonUploadFailed FailureReason = "UPLOAD_FAILED"
	ReasonRecordFailed FailureReason = "RECORD_FAILED"
	ReasonAborted      FailureReason = "ABORTED"
)

// Completion is reported by every scrape task exactly once.
type Completion struct {
	RunID         string        `json:"cron_run_id,omitempty"`
	Key           string        `json:"key"`
	URL           string        `json:"url"`
	IncludeParams bool          `json:"include_params"`
	Success       bool          `json:"success"`
	Keys          ArtifactKeys  `json:"artifact_keys"`
	Reason        FailureReason `json:"reason,omitempty"`
	Err           string        `json:"error,omitempty"`
}

// Page is what a renderer returns for one URL.
type Page struct {
	HTML       string
	Screenshot []byte
	Thumbnail  []byte
	// ScreenshotType is the MIME type of Screenshot; empty means image/png.
	ScreenshotType string
	FinalURL       string
	StatusCode     int
}

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}
