package attachments

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/nexussync/internal/errs"
	"github.com/agentworkforce/nexussync/internal/nexus"
)

const DefaultConcurrency = 4

type UploadClient interface {
	Upload(ctx context.Context, token string, data []byte, filename, contentType string) (nexus.UploadResult, error)
}

type DownloadClient interface {
	Download(ctx context.Context, token string) ([]byte, error)
}

type UploadState string

const (
	UploadVerified         UploadState = "verified"
	UploadStoredUnverified UploadState = "stored_unverified"
	UploadFailed           UploadState = "failed"
)

type UploadOutcome struct {
	EntityID string
	Filename string
	Checksum string
	State    UploadState
	Err      error
}

// Settled is true only when the server stored the bytes and verified their checksum.
func (o UploadOutcome) Settled() bool {
	return o.State == UploadVerified
}

type Uploader struct {
	client      UploadClient
	index       *Index
	concurrency int
	logger      *zap.Logger
}

func NewUploader(client UploadClient, index *Index, concurrency int, logger *zap.Logger) *Uploader {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{client: client, index: index, concurrency: concurrency, logger: logger}
}

// UploadPending sends every pending upload and reports one outcome per item, in input order.
func (u *Uploader) UploadPending(ctx context.Context, pending []nexus.PendingUpload) []UploadOutcome {
	outcomes := make([]UploadOutcome, len(pending))
	var g errgroup.Group
	g.SetLimit(u.concurrency)
	for i, item := range pending {
		g.Go(func() error {
			outcomes[i] = u.uploadOne(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (u *Uploader) uploadOne(ctx context.Context, item nexus.PendingUpload) UploadOutcome {
	out := UploadOutcome{EntityID: item.EntityID, Filename: item.Filename, State: UploadFailed}
	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}
	path, ok := u.index.Lookup(item.EntityID, item.Filename)
	if !ok {
		out.Err = fmt.Errorf("%w: attachment %s for entity %s", errs.ErrNotFound, item.Filename, item.EntityID)
		u.logger.Warn("attachment not found for pending upload",
			zap.String("entity_id", item.EntityID),
			zap.String("filename", item.Filename),
		)
		return out
	}
	data, err := os.ReadFile(path)
	if err != nil {
		out.Err = err
		return out
	}
	out.Checksum = Checksum(data)
	res, err := u.client.Upload(ctx, item.UploadURL, data, item.Filename, DetectContentType(item.Filename, data))
	if err != nil {
		out.Err = err
		u.logger.Warn("attachment upload failed",
			zap.String("entity_id", item.EntityID),
			zap.String("filename", item.Filename),
			zap.Error(err),
		)
		return out
	}
	switch {
	case res.Stored && res.ChecksumVerified:
		out.State = UploadVerified
	case res.Stored:
		out.State = UploadStoredUnverified
		u.logger.Warn("attachment stored but checksum not verified",
			zap.String("entity_id", item.EntityID),
			zap.String("filename", item.Filename),
			zap.String("checksum", out.Checksum),
		)
	default:
		out.Err = fmt.Errorf("server did not store %s", item.Filename)
	}
	return out
}

type DownloadOutcome struct {
	EntityID  string
	PatientID string
	Filename  string
	Path      string
	Err       error
}

type Downloader struct {
	client      DownloadClient
	store       *MediaStore
	index       *Index
	concurrency int
	logger      *zap.Logger
}

func NewDownloader(client DownloadClient, store *MediaStore, index *Index, concurrency int, logger *zap.Logger) *Downloader {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{client: client, store: store, index: index, concurrency: concurrency, logger: logger}
}

// DownloadForChanges fetches every attachment referenced by changes. Changes
// without attachments or without a patient id are skipped.
func (d *Downloader) DownloadForChanges(ctx context.Context, changes []nexus.PullChange) []DownloadOutcome {
	type job struct {
		change nexus.PullChange
		ref    nexus.PullAttachment
	}
	var jobs []job
	for _, change := range changes {
		if len(change.Attachments) == 0 || change.PatientID == "" {
			continue
		}
		for _, ref := range change.Attachments {
			jobs = append(jobs, job{change: change, ref: ref})
		}
	}
	outcomes := make([]DownloadOutcome, len(jobs))
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, j := range jobs {
		g.Go(func() error {
			outcomes[i] = d.downloadOne(ctx, j.change, j.ref)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (d *Downloader) downloadOne(ctx context.Context, change nexus.PullChange, ref nexus.PullAttachment) DownloadOutcome {
	out := DownloadOutcome{EntityID: change.EntityID, PatientID: change.PatientID, Filename: ref.Filename}
	if _, err := d.store.Path(change.PatientID, change.EntityID, ref.Filename); err != nil {
		out.Err = err
		return out
	}
	data, err := d.client.Download(ctx, ref.DownloadURL)
	if err != nil {
		out.Err = err
		d.logger.Warn("attachment download failed",
			zap.String("entity_id", change.EntityID),
			zap.String("filename", ref.Filename),
			zap.Error(err),
		)
		return out
	}
	path, err := d.store.Write(change.PatientID, change.EntityID, ref.Filename, data)
	if err != nil {
		out.Err = err
		return out
	}
	d.index.Add(path)
	out.Path = path
	return out
}
