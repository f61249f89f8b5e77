package store

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Status is a job's position in the queue state machine.
type Status string

// Job statuses as stored in the jobs.status column.
const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusUploading   Status = "uploading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusDownloading, StatusUploading,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// ParseStatus converts a stored or user-supplied string to a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}

	return "", fmt.Errorf("%w %q", errUnknownStatusText, s)
}

// Terminal reports whether no worker will touch the job again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether a worker currently holds the claim.
func (s Status) Active() bool {
	return s == StatusDownloading || s == StatusUploading
}

// Privacy values accepted by the publishing API.
const (
	PrivacyPrivate  = "private"
	PrivacyUnlisted = "unlisted"
	PrivacyPublic   = "public"
)

// Metadata limits enforced at enqueue time.
const (
	maxTitleRunes      = 100
	maxDescriptionSize = 5000
	maxTagsRunes       = 500
	maxFileNameBytes   = 255
	maxFingerprintLen  = 128
)

var (
	categoryPattern    = regexp.MustCompile(`^[0-9]+$`)
	fingerprintPattern = regexp.MustCompile(`^[A-Za-z0-9+/=_:-]+$`)
)

// SourceRef identifies the file to transfer. All fields are captured at
// enqueue time and never change afterwards.
type SourceRef struct {
	FileID      string // scheme-qualified reference, e.g. drive://<id>
	FileName    string
	Size        int64
	Fingerprint string // content hash; hex MD5 when the store provides one
	MimeType    string
	FolderPath  string
}

// SinkMeta configures the video created on the publishing API.
type SinkMeta struct {
	Title             string
	Description       string
	Tags              []string
	Privacy           string
	CategoryID        string
	MadeForKids       bool
	NotifySubscribers bool
}

// Job is one unit of transfer work.
type Job struct {
	ID      string
	OwnerID string
	BatchID string

	Source SourceRef
	Sink   SinkMeta

	Status       Status
	Progress     float64
	Message      string
	ErrorMessage string
	RetryCount   int
	MaxRetries   int
	WorkerID     string
	SinkID       string
	SinkURL      string

	AvailableAt time.Time
	ClaimedAt   time.Time // zero until first claim
	StartedAt   time.Time
	CompletedAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EnqueueRequest is one item of a bulk enqueue.
type EnqueueRequest struct {
	Source SourceRef
	Sink   SinkMeta
}

// validateRequest checks and normalizes an enqueue request. The returned
// copy has defaults applied and its title NFC-normalized.
func validateRequest(ownerID string, req EnqueueRequest, opts Options, now time.Time) (EnqueueRequest, error) {
	var errs []error

	if strings.TrimSpace(ownerID) == "" {
		errs = append(errs, &ValidationError{Field: "owner_id", Reason: "must not be empty"})
	}

	src, srcErrs := validateSource(req.Source)
	errs = append(errs, srcErrs...)

	meta, metaErrs := validateSinkMeta(req.Sink, src, opts, now)
	errs = append(errs, metaErrs...)

	if err := errors.Join(errs...); err != nil {
		return EnqueueRequest{}, err
	}

	return EnqueueRequest{Source: src, Sink: meta}, nil
}

func validateSource(src SourceRef) (SourceRef, []error) {
	var errs []error

	src.FileID = strings.TrimSpace(src.FileID)

	u, err := url.Parse(src.FileID)
	switch {
	case src.FileID == "":
		errs = append(errs, &ValidationError{Field: "source.file_id", Reason: "must not be empty"})
	case err != nil || u.Scheme == "" || (u.Host == "" && u.Opaque == ""):
		errs = append(errs, &ValidationError{
			Field:  "source.file_id",
			Reason: fmt.Sprintf("%q is not a scheme-qualified reference", src.FileID),
		})
	}

	src.FileName = strings.TrimSpace(src.FileName)
	if src.FileName == "" {
		errs = append(errs, &ValidationError{Field: "source.file_name", Reason: "must not be empty"})
	} else if len(src.FileName) > maxFileNameBytes {
		errs = append(errs, &ValidationError{Field: "source.file_name", Reason: "longer than 255 bytes"})
	}

	if src.Size <= 0 {
		errs = append(errs, &ValidationError{
			Field:  "source.size",
			Reason: fmt.Sprintf("must be positive, got %d", src.Size),
		})
	}

	if src.Fingerprint != "" &&
		(len(src.Fingerprint) > maxFingerprintLen || !fingerprintPattern.MatchString(src.Fingerprint)) {
		errs = append(errs, &ValidationError{Field: "source.fingerprint", Reason: "malformed content hash"})
	}

	if src.MimeType != "" && !strings.HasPrefix(src.MimeType, "video/") {
		errs = append(errs, &ValidationError{
			Field:  "source.mime_type",
			Reason: fmt.Sprintf("%q is not a video type", src.MimeType),
		})
	}

	return src, errs
}

func validateSinkMeta(meta SinkMeta, src SourceRef, opts Options, now time.Time) (SinkMeta, []error) {
	var errs []error

	meta.Title = norm.NFC.String(strings.TrimSpace(meta.Title))
	if meta.Title == "" && src.FileName != "" {
		meta.Title = templateTitle(src, opts.TitleTemplate, now)
	}

	if strings.TrimSpace(meta.Description) == "" {
		meta.Description = templateDescription(src, opts, now)
	}

	switch {
	case meta.Title == "":
		errs = append(errs, &ValidationError{Field: "sink.title", Reason: "must not be empty"})
	case utf8.RuneCountInString(meta.Title) > maxTitleRunes:
		errs = append(errs, &ValidationError{Field: "sink.title", Reason: "longer than 100 characters"})
	case strings.ContainsAny(meta.Title, "<>"):
		errs = append(errs, &ValidationError{Field: "sink.title", Reason: "must not contain < or >"})
	}

	if len(meta.Description) > maxDescriptionSize {
		errs = append(errs, &ValidationError{Field: "sink.description", Reason: "longer than 5000 bytes"})
	} else if strings.ContainsAny(meta.Description, "<>") {
		errs = append(errs, &ValidationError{Field: "sink.description", Reason: "must not contain < or >"})
	}

	tags := make([]string, 0, len(meta.Tags))
	total := 0

	for _, tag := range meta.Tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}

		total += utf8.RuneCountInString(tag)
		tags = append(tags, tag)
	}

	if total > maxTagsRunes {
		errs = append(errs, &ValidationError{Field: "sink.tags", Reason: "more than 500 characters in total"})
	}

	meta.Tags = tags

	if meta.Privacy == "" {
		meta.Privacy = opts.DefaultPrivacy
	}

	switch meta.Privacy {
	case PrivacyPrivate, PrivacyUnlisted, PrivacyPublic:
	default:
		errs = append(errs, &ValidationError{
			Field:  "sink.privacy",
			Reason: fmt.Sprintf("must be private, unlisted, or public, got %q", meta.Privacy),
		})
	}

	if meta.CategoryID == "" {
		meta.CategoryID = opts.DefaultCategory
	}

	if !categoryPattern.MatchString(meta.CategoryID) {
		errs = append(errs, &ValidationError{
			Field:  "sink.category_id",
			Reason: fmt.Sprintf("must be numeric, got %q", meta.CategoryID),
		})
	}

	return meta, errs
}

// Placeholders expanded by the title and description templates.
const (
	PlaceholderFileName   = "{filename}"
	PlaceholderFolder     = "{folder}"
	PlaceholderFolderPath = "{folder_path}"
	PlaceholderUploadDate = "{upload_date}"
)

// renderTemplate expands the metadata placeholders for src. The file name
// loses its extension and the upload date is the UTC calendar day of now.
func renderTemplate(tmpl string, src SourceRef, now time.Time) string {
	folder := ""
	if trimmed := strings.TrimRight(src.FolderPath, "/"); trimmed != "" {
		folder = path.Base(trimmed)
	}

	r := strings.NewReplacer(
		PlaceholderFileName, strings.TrimSuffix(src.FileName, path.Ext(src.FileName)),
		PlaceholderFolder, folder,
		PlaceholderFolderPath, src.FolderPath,
		PlaceholderUploadDate, now.UTC().Format(time.DateOnly),
	)

	return strings.TrimSpace(r.Replace(tmpl))
}

// templateTitle renders the title template, cut to the title limit. A
// template that renders empty falls back to the bare file name.
func templateTitle(src SourceRef, tmpl string, now time.Time) string {
	if tmpl == "" {
		tmpl = PlaceholderFileName
	}

	title := norm.NFC.String(renderTemplate(tmpl, src, now))
	if title == "" {
		title = norm.NFC.String(renderTemplate(PlaceholderFileName, src, now))
	}

	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = strings.TrimSpace(string([]rune(title)[:maxTitleRunes]))
	}

	return title
}

// templateDescription renders the description template and, when enabled,
// appends the content hash marker used to recognize earlier uploads.
func templateDescription(src SourceRef, opts Options, now time.Time) string {
	desc := renderTemplate(opts.DescriptionTemplate, src, now)

	if opts.AppendFingerprint && src.Fingerprint != "" {
		marker := "[MD5:" + src.Fingerprint + "]"
		if desc == "" {
			return marker
		}

		desc += "\n\n" + marker
	}

	return desc
}
