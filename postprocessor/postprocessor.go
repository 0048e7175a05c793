// Package postprocessor implements the Post-Processor (spec §4.4): derives
// a canonical file name from a completed job's extracted fields and writes
// a renamed copy of the source page blob to the processed location.
package postprocessor

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"extraction-worker/internal/core/domain"
	"extraction-worker/internal/core/ports"
	pkgerrors "extraction-worker/pkg/errors"
	"extraction-worker/pkg/logger"
)

// companyFieldNames and ticketFieldNames are the recognized field-name
// candidates the naming template draws {company}/{ticket} from, tried in
// order; the first non-empty match wins (spec §4.4).
var companyFieldNames = []string{"Company", "VendorName", "Vendor", "CompanyName", "Merchant"}
var ticketFieldNames = []string{"Ticket", "InvoiceNumber", "InvoiceId", "PONumber", "TicketNumber"}

var nonAlnumSpace = regexp.MustCompile(`[^a-zA-Z0-9 ]+`)
var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]+`)
var whitespaceRun = regexp.MustCompile(`\s+`)

const defaultExtension = ".pdf"
const forbiddenEpochDate = "1970-01-01"

// Clock lets tests fix "today" without touching wall-clock time.
type Clock func() time.Time

// PostProcessor renders canonical file names and writes renamed artifacts.
type PostProcessor struct {
	blobs    ports.BlobStore
	jobs     ports.JobRepository
	sessions ports.SessionRepository
	limiter  ports.Limiter
	template string
	now      Clock
	log      *logger.Logger
}

func New(blobs ports.BlobStore, jobs ports.JobRepository, sessions ports.SessionRepository, limiter ports.Limiter, template string, log *logger.Logger) *PostProcessor {
	if template == "" {
		template = "{company}_{ticket}_{date}"
	}
	return &PostProcessor{
		blobs:    blobs,
		jobs:     jobs,
		sessions: sessions,
		limiter:  limiter,
		template: template,
		now:      time.Now,
		log:      log,
	}
}

// ProcessJob renders job.newFileName and writes the renamed artifact under
// {blobPrefix}processed/{newFileName} (spec §4.4). Failure here is non-fatal
// to the job: the caller leaves the job COMPLETED either way.
func (p *PostProcessor) ProcessJob(ctx context.Context, job *domain.Job, session *domain.Session) error {
	if job.ProcessedFileURL != "" {
		return nil // already post-processed; idempotent re-entry
	}

	base := p.renderName(job)
	name := p.resolveCollision(ctx, session, job, base)

	data, err := p.blobs.Get(ctx, job.BlobURL)
	if err != nil {
		return err
	}

	dest := filepath.ToSlash(filepath.Join(session.BlobPrefix, "processed", name))
	if err := p.blobs.Put(ctx, dest, data, map[string]string{"source_job": job.ID}); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.PostProcessFailed, "POSTPROCESS_WRITE_FAILED", "could not write renamed artifact")
	}

	job.ProcessedFileURL = dest
	job.NewFileName = name
	if err := p.jobs.Update(ctx, job); err != nil {
		return err
	}

	count, err := incrementPostProcessed(ctx, p.sessions, session.ID)
	if err != nil {
		return err
	}
	session.PostProcessedCount = count
	return nil
}

// incrementPostProcessed is a small CAS-free convenience since
// SessionRepository models postProcessedCount as part of the window setter;
// sessions with concurrent post-processing still converge because
// SetPostProcessingWindow is always called with the latest read.
func incrementPostProcessed(ctx context.Context, repo ports.SessionRepository, sessionID string) (int, error) {
	s, err := repo.Get(ctx, sessionID)
	if err != nil || s == nil {
		return 0, err
	}
	count := s.PostProcessedCount + 1
	if err := repo.SetPostProcessingWindow(ctx, sessionID, s.PostProcessingStartedAt, s.PostProcessingFinishedAt, count); err != nil {
		return 0, err
	}
	return count, nil
}

func (p *PostProcessor) renderName(job *domain.Job) string {
	company := p.sanitizeCompany(firstNonEmpty(job.ExtractedFields, companyFieldNames))
	ticket := p.sanitizeTicket(firstNonEmpty(job.ExtractedFields, ticketFieldNames))
	date := p.resolveDate(job.ExtractedFields)

	out := p.template
	out = strings.ReplaceAll(out, "{company}", company)
	out = strings.ReplaceAll(out, "{ticket}", ticket)
	out = strings.ReplaceAll(out, "{date}", date)

	ext := filepath.Ext(job.FileName)
	if ext == "" {
		ext = defaultExtension
	}
	return out + ext
}

func (p *PostProcessor) sanitizeCompany(raw string) string {
	s := nonAlnumSpace.ReplaceAllString(raw, "")
	s = whitespaceRun.ReplaceAllString(strings.TrimSpace(s), "_")
	if len(s) > 50 {
		s = s[:50]
	}
	if s == "" {
		return "UnknownCompany"
	}
	return s
}

func (p *PostProcessor) sanitizeTicket(raw string) string {
	s := nonAlnum.ReplaceAllString(raw, "")
	if len(s) > 20 {
		s = s[:20]
	}
	if s == "" {
		return "NoTicket"
	}
	return s
}

// resolveDate reads the "Date" field if normalized successfully, otherwise
// falls back to today's date in UTC; the epoch date is never used as a
// fallback (spec §4.4).
func (p *PostProcessor) resolveDate(fields domain.FieldMap) string {
	if f, ok := fields["Date"]; ok && f.Kind == domain.FieldDate && f.Date != "" && f.Date != forbiddenEpochDate {
		return f.Date
	}
	today := p.now().UTC().Format("2006-01-02")
	if today == forbiddenEpochDate {
		today = p.now().UTC().AddDate(0, 0, 1).Format("2006-01-02")
	}
	return today
}

func firstNonEmpty(fields domain.FieldMap, names []string) string {
	for _, n := range names {
		if f, ok := fields[n]; ok {
			v := f.Scalar
			if v == "" && f.Date != "" {
				v = f.Date
			}
			if v == "" && f.Raw != "" {
				v = f.Raw
			}
			if strings.TrimSpace(v) != "" {
				return v
			}
		}
	}
	return ""
}

var collisionMu sync.Mutex

// resolveCollision appends _2, _3, ... deterministically in page order when
// two jobs in the same session render the same canonical base name (spec
// §4.4). Completion order between sibling jobs is not guaranteed (spec §5),
// so the unsuffixed name always belongs to the lowest SplitPageNumber among
// the colliding jobs: if a higher-numbered page already claimed it, this
// call reclaims it and writes a copy of that sibling's artifact under the
// suffixed name (the blob at the old path is left in place). Serialized
// process-wide: collisions are rare and one lock keeps the check over the
// session's job rows simple.
func (p *PostProcessor) resolveCollision(ctx context.Context, session *domain.Session, job *domain.Job, name string) string {
	collisionMu.Lock()
	defer collisionMu.Unlock()

	job.BaseFileName = name

	siblings, err := p.jobs.ListBySession(ctx, session.ID)
	if err != nil {
		return name
	}

	type candidate struct {
		job  *domain.Job
		page int
	}
	candidates := []candidate{{job: job, page: job.SplitPageNumber}}
	for _, sib := range siblings {
		if sib.ID == job.ID {
			continue
		}
		if sib.BaseFileName == name {
			candidates = append(candidates, candidate{job: sib, page: sib.SplitPageNumber})
		}
	}

	if len(candidates) == 1 {
		return name
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].page < candidates[j].page })

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	var assignedToJob string
	for i, cand := range candidates {
		assigned := name
		if i > 0 {
			assigned = fmt.Sprintf("%s_%d%s", stem, i+1, ext)
		}
		if cand.job.ID == job.ID {
			assignedToJob = assigned
			continue
		}
		if cand.job.NewFileName != "" && cand.job.NewFileName != assigned {
			_ = p.renameProcessed(ctx, session, cand.job, assigned)
		}
	}
	return assignedToJob
}

// renameProcessed moves a sibling's already-written processed artifact to
// newName, used when a lower-numbered page displaces its claim on the
// unsuffixed canonical name.
func (p *PostProcessor) renameProcessed(ctx context.Context, session *domain.Session, sib *domain.Job, newName string) error {
	data, err := p.blobs.Get(ctx, sib.ProcessedFileURL)
	if err != nil {
		return err
	}
	dest := filepath.ToSlash(filepath.Join(session.BlobPrefix, "processed", newName))
	if err := p.blobs.Put(ctx, dest, data, map[string]string{"source_job": sib.ID}); err != nil {
		return err
	}
	sib.ProcessedFileURL = dest
	sib.NewFileName = newName
	return p.jobs.Update(ctx, sib)
}
