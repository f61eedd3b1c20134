package main

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Backup uploads every file under localRoot that is missing from, or newer
// than, its object under target. Per-file failures are recorded in the report;
// the returned error is for failures of the run as a whole.
func (e *Engine) Backup(ctx context.Context, localRoot string, target SyncTarget) (*Report, error) {
	report := newReport("backup", target, localRoot)
	defer report.finish()

	log.Info(fmt.Sprintf("Backup starting for %s -> %s", localRoot, target))
	bucketMissing, err := e.ensureBucket(ctx, target.Bucket)
	if err != nil {
		log.Error("Backup aborted: ", err)
		return report, err
	}

	// in-flight uploads finish even when ctx is cancelled between files
	transferCtx := context.WithoutCancel(ctx)
	pool := newWorkerPool(e.concurrency())
	walkErr := walkDirectory(e.Fs, localRoot, e.Exclude, func(entry LocalEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		pool.Go(func() {
			report.Add(e.backupFile(transferCtx, target, entry, bucketMissing))
		})
		return nil
	})
	pool.Wait()
	report.finish()

	if walkErr != nil {
		log.Error("Backup walk stopped: ", walkErr)
		e.notify(report)
		return report, walkErr
	}

	log.Info(fmt.Sprintf("Backup complete for %s. Took %s", localRoot, report.Duration()))
	e.notify(report)
	return report, nil
}

// backupFile runs probe, decide and upload for one file, in that order.
func (e *Engine) backupFile(ctx context.Context, target SyncTarget, entry LocalEntry, bucketMissing bool) TransferDecision {
	key := ToRemoteKey(target.Prefix, entry.RelativePath)
	fields := log.Fields{"path": entry.AbsolutePath, "key": key}

	remote := RemoteEntry{Key: key}
	if !bucketMissing {
		var err error
		remote, err = e.probe().ObjectMetadata(ctx, target.Bucket, key)
		if err != nil {
			log.WithFields(fields).Warn("Error probing remote object: ", err)
			return TransferDecision{
				Action:    ActionSkip,
				Key:       key,
				LocalPath: entry.AbsolutePath,
				Size:      entry.Size,
				Err:       err,
			}
		}
	}

	decision := Decide(entry, remote)
	fields["reason"] = decision.Reason
	if decision.Action == ActionSkip {
		log.WithFields(fields).Debug("Already exists in bucket and hasn't been modified, skipping upload")
		return decision
	}
	if e.DryRun {
		log.WithFields(fields).Info("Would upload file")
		return decision
	}

	decision.Err = e.uploadFile(ctx, target.Bucket, key, entry)
	if decision.Err != nil {
		log.WithFields(fields).Warn("Upload error: ", decision.Err)
	} else {
		log.WithFields(fields).Info("Uploaded file")
	}

	return decision
}

func (e *Engine) uploadFile(ctx context.Context, bucket, key string, entry LocalEntry) error {
	fd, err := e.Fs.Open(entry.AbsolutePath)
	if err != nil {
		return newTransferError("upload", bucket, key, err)
	}
	defer fd.Close()

	// the file may have changed since the walk; upload what is there now
	info, err := fd.Stat()
	if err != nil {
		return newTransferError("upload", bucket, key, err)
	}
	contentType, err := detectContentType(fd)
	if err != nil {
		return newTransferError("upload", bucket, key, err)
	}

	return newTransferError("upload", bucket, key, e.Client.UploadFile(ctx, bucket, key, fd, info.Size(), contentType))
}
