package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/roach88/canary/internal/backend"
	"github.com/roach88/canary/internal/batch"
	"github.com/roach88/canary/internal/chain"
	"github.com/roach88/canary/internal/engine"
	"github.com/roach88/canary/internal/wait"
)

func (p *Probe) connect(ctx context.Context, rc *engine.RunContext) error {
	if rc.Chain == nil && p.dial != nil {
		client, err := attempt(ctx, p, rc, "dial chain", p.dial)
		if err != nil {
			return fmt.Errorf("connect to chain: %w", err)
		}
		rc.Chain = client
		if rc.Submitter == nil && rc.Signer != nil {
			rc.Submitter = chain.NewSequentialSubmitter(client, rc.Signer, rc.Logger)
		}
	}
	if err := requireClients(rc); err != nil {
		return err
	}
	head, err := attempt(ctx, p, rc, "finalized head", rc.Chain.FinalizedHead)
	if err != nil {
		return fmt.Errorf("read finalized head: %w", err)
	}
	rc.Logger.Info("chain reachable", "finalized", head.Number, "hash", head.Hash)

	if _, err := attempt(ctx, p, rc, "backend reachable", rc.Backend.Health); err != nil {
		return fmt.Errorf("reach backend: %w", err)
	}
	return nil
}

func (p *Probe) health(ctx context.Context, rc *engine.RunContext) error {
	h, err := attempt(ctx, p, rc, "backend health", rc.Backend.Health)
	if err != nil {
		return fmt.Errorf("read backend health: %w", err)
	}
	if h.Status != healthyStatus {
		return fmt.Errorf("backend reports status %q", h.Status)
	}
	if bad := h.Unhealthy(); len(bad) > 0 {
		slices.Sort(bad)
		return fmt.Errorf("unhealthy backend components: %s", strings.Join(bad, ", "))
	}
	rc.Logger.Info("backend healthy", "version", h.Version, "components", len(h.Components))
	return nil
}

// authenticate signs the backend's challenge and stores the new session.
// It is both the auth stage and the reauthentication hook.
func (p *Probe) authenticate(ctx context.Context, rc *engine.RunContext) error {
	ch, err := rc.Backend.Challenge(ctx, rc.Signer.Account())
	if err != nil {
		return fmt.Errorf("request challenge: %w", err)
	}
	sig := rc.Signer.Sign([]byte(ch.Message))
	s, err := rc.Backend.Verify(ctx, ch.Message, sig)
	if err != nil {
		return fmt.Errorf("verify challenge: %w", err)
	}
	if s.Token == "" {
		return errors.New("verify challenge: backend returned an empty session token")
	}
	rc.SetSession(s)
	rc.Logger.Debug("session established", "address", s.Address)
	return nil
}

// refreshOnExpiry reauthenticates when a poll check was rejected for an
// expired session, so the poll does not spend its budget on 401s.
func (p *Probe) refreshOnExpiry(ctx context.Context, rc *engine.RunContext, err error) {
	if err == nil || !Classify(err).NeedsReauth {
		return
	}
	if rerr := p.authenticate(ctx, rc); rerr != nil {
		rc.Logger.Warn("reauthentication failed during poll", "error", rerr)
	}
}

func (p *Probe) auth(ctx context.Context, rc *engine.RunContext) error {
	if err := p.authenticate(ctx, rc); err != nil {
		return err
	}
	if _, err := attempt(ctx, p, rc, "list buckets", rc.Backend.ListBuckets); err != nil {
		return fmt.Errorf("use session: %w", err)
	}
	return nil
}

func (p *Probe) createBucket(ctx context.Context, rc *engine.RunContext) error {
	name := bucketName(rc.RunID)
	call := chain.Call{
		Module: moduleFileSystem,
		Name:   callCreateBucket,
		Args:   map[string]any{"name": name, "private": false},
	}
	receipt, err := p.submit(ctx, rc, call)
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", name, err)
	}
	id, ok := eventField(receipt.Events, moduleFileSystem, eventNewBucket, fieldBucketID)
	if !ok {
		return fmt.Errorf("create bucket %s: receipt %s has no %s.%s event", name, receipt.Hash, moduleFileSystem, eventNewBucket)
	}
	bucket := BucketRef{ID: id, Name: name, CreatedIn: receipt.BlockNumber}
	if err := rc.Put(KeyBucket, bucket); err != nil {
		return err
	}
	rc.Logger.Info("bucket created", "bucket", id, "block", receipt.BlockNumber)

	if _, err := wait.WaitForFinalization(ctx, rc.Chain, receipt.BlockNumber, p.settings.Finalization); err != nil {
		return err
	}
	if _, err := wait.WaitForState(ctx, "bucket on chain", p.settings.StatePoll,
		p.bucketOnChain(rc, id), func(found bool) bool { return found }); err != nil {
		return err
	}
	return wait.PollService(ctx, "bucket indexed", p.settings.BackendPoll, func(ctx context.Context) (bool, error) {
		_, err := rc.Backend.GetBucket(ctx, id)
		p.refreshOnExpiry(ctx, rc, err)
		if errors.Is(err, backend.ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	})
}

func (p *Probe) bucketOnChain(rc *engine.RunContext, id string) func(ctx context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		_, found, err := rc.Chain.QueryState(ctx, pathBuckets, id)
		return found, err
	}
}

func storageRequestCall(bucket BucketRef, it Item, replicas int) chain.Call {
	return chain.Call{
		Module: moduleFileSystem,
		Name:   callStorageRequest,
		Args: map[string]any{
			"bucketId":    bucket.ID,
			"fileKey":     it.FileKey,
			"location":    it.Location,
			"fingerprint": it.Fingerprint,
			"size":        it.Size,
			"replicas":    replicas,
		},
	}
}

func (p *Probe) requestStorage(ctx context.Context, rc *engine.RunContext) error {
	bucket, err := engine.Require[BucketRef](rc, KeyBucket)
	if err != nil {
		return err
	}
	items, err := NewItems(p.rand, rc.Signer.Account(), bucket.ID, p.settings.Items, p.settings.PayloadSize)
	if err != nil {
		return err
	}
	ledger := NewLedger()
	if err := rc.Put(KeyItems, items); err != nil {
		return err
	}
	if err := rc.Put(KeyLedger, ledger); err != nil {
		return err
	}

	// One identity, one nonce sequence: submissions never overlap.
	err = batch.Sequential(ctx, items, func(ctx context.Context, _ int, it Item) error {
		hash, err := rc.Submitter.Submit(ctx, storageRequestCall(bucket, it, p.settings.Replicas))
		if err != nil {
			return fmt.Errorf("request storage for %s: %w", it.Location, err)
		}
		ledger.Requested(it.FileKey, hash)
		return nil
	})
	if err != nil {
		return err
	}

	return batch.Run(ctx, items, p.settings.Width, func(ctx context.Context, _ int, it Item) error {
		e, _ := ledger.Get(it.FileKey)
		if _, err := p.confirm(ctx, rc, storageRequestCall(bucket, it, p.settings.Replicas), e.RequestTx); err != nil {
			var txErr *chain.TxError
			if errors.As(err, &txErr) {
				return err
			}
			return fmt.Errorf("confirm storage request for %s: %w", it.Location, err)
		}
		ledger.Advance(it.FileKey, ItemConfirmed)
		return nil
	})
}

func (p *Probe) upload(ctx context.Context, rc *engine.RunContext) error {
	bucket, items, ledger, err := requireItems(rc)
	if err != nil {
		return err
	}
	owner := rc.Signer.Account()
	return batch.Run(ctx, items, p.settings.Width, func(ctx context.Context, _ int, it Item) error {
		res, err := attempt(ctx, p, rc, "upload "+it.Location, func(ctx context.Context) (backend.UploadResult, error) {
			return rc.Backend.UploadFile(ctx, backend.UploadRequest{
				BucketID: bucket.ID,
				FileKey:  it.FileKey,
				Owner:    owner,
				Location: it.Location,
				Data:     it.Data,
			})
		})
		if err != nil {
			return fmt.Errorf("upload %s: %w", it.Location, err)
		}
		if res.FileKey != "" && res.FileKey != it.FileKey {
			return fmt.Errorf("upload %s: backend stored file key %s, expected %s", it.Location, res.FileKey, it.FileKey)
		}
		ledger.Advance(it.FileKey, ItemUploaded)
		return nil
	})
}

func (p *Probe) awaitFulfillment(ctx context.Context, rc *engine.RunContext) error {
	bucket, items, ledger, err := requireItems(rc)
	if err != nil {
		return err
	}
	return batch.Run(ctx, items, p.settings.Width, func(ctx context.Context, _ int, it Item) error {
		// A fulfilled request is removed from chain state. Only wait for the
		// event while the request is still open, or the wait could never end.
		open, err := attempt(ctx, p, rc, "storage request state", func(ctx context.Context) (bool, error) {
			_, found, err := rc.Chain.QueryState(ctx, pathStorageRequests, it.FileKey)
			return found, err
		})
		if err != nil {
			return fmt.Errorf("read storage request for %s: %w", it.Location, err)
		}
		if open {
			match := wait.EventMatch{
				Module: moduleFileSystem,
				Name:   eventStorageFulfilled,
				Fields: map[string]string{fieldFileKey: it.FileKey},
			}
			if _, err := wait.WaitForEvent(ctx, rc.Chain, match, p.settings.EventTimeout); err != nil {
				return fmt.Errorf("fulfillment of %s: %w", it.Location, err)
			}
		}

		info, err := wait.WaitForState(ctx, "file ready "+it.Location, p.settings.BackendPoll,
			func(ctx context.Context) (backend.FileInfo, error) {
				info, err := rc.Backend.GetFileInfo(ctx, bucket.ID, it.FileKey)
				p.refreshOnExpiry(ctx, rc, err)
				return info, err
			},
			backend.FileInfo.Ready)
		if err != nil {
			return err
		}
		if info.Fingerprint != "" && info.Fingerprint != it.Fingerprint {
			return fmt.Errorf("file %s indexed with fingerprint %s, expected %s", it.Location, info.Fingerprint, it.Fingerprint)
		}
		ledger.Advance(it.FileKey, ItemFulfilled)
		return nil
	})
}

func (p *Probe) verifyDownload(ctx context.Context, rc *engine.RunContext) error {
	_, items, ledger, err := requireItems(rc)
	if err != nil {
		return err
	}
	return batch.Run(ctx, items, p.settings.Width, func(ctx context.Context, _ int, it Item) error {
		data, err := attempt(ctx, p, rc, "download "+it.Location, func(ctx context.Context) ([]byte, error) {
			body, err := rc.Backend.DownloadFile(ctx, it.FileKey)
			if err != nil {
				return nil, err
			}
			defer body.Close()
			return io.ReadAll(body)
		})
		if err != nil {
			return fmt.Errorf("download %s: %w", it.Location, err)
		}
		if got := Fingerprint(data); got != it.Fingerprint {
			return fmt.Errorf("download %s: fingerprint %s does not match %s (%d bytes)", it.Location, got, it.Fingerprint, len(data))
		}
		ledger.Advance(it.FileKey, ItemVerified)
		return nil
	})
}

func (p *Probe) delete(ctx context.Context, rc *engine.RunContext) error {
	bucket, items, ledger, err := requireItems(rc)
	if err != nil {
		return err
	}
	err = batch.Sequential(ctx, ledger.Live(items), func(ctx context.Context, _ int, it Item) error {
		return p.deleteFile(ctx, rc, bucket, it, ledger)
	})
	if err != nil {
		return err
	}
	return p.deleteBucket(ctx, rc, bucket)
}

func (p *Probe) deleteFile(ctx context.Context, rc *engine.RunContext, bucket BucketRef, it Item, ledger *Ledger) error {
	call := chain.Call{
		Module: moduleFileSystem,
		Name:   callDeleteFile,
		Args: map[string]any{
			"bucketId":    bucket.ID,
			"fileKey":     it.FileKey,
			"location":    it.Location,
			"fingerprint": it.Fingerprint,
			"size":        it.Size,
		},
	}
	if _, err := p.submit(ctx, rc, call); err != nil {
		return fmt.Errorf("delete file %s: %w", it.Location, err)
	}
	ledger.Advance(it.FileKey, ItemDeleted)
	return nil
}

func (p *Probe) deleteBucket(ctx context.Context, rc *engine.RunContext, bucket BucketRef) error {
	call := chain.Call{
		Module: moduleFileSystem,
		Name:   callDeleteBucket,
		Args:   map[string]any{"bucketId": bucket.ID},
	}
	receipt, err := p.submit(ctx, rc, call)
	if err != nil {
		return fmt.Errorf("delete bucket %s: %w", bucket.ID, err)
	}
	rc.Logger.Info("bucket deleted", "bucket", bucket.ID, "block", receipt.BlockNumber)
	return rc.Put(KeyBucketDeleted, receipt.Hash)
}

func (p *Probe) verifyAbsence(ctx context.Context, rc *engine.RunContext) error {
	bucket, err := engine.Require[BucketRef](rc, KeyBucket)
	if err != nil {
		return err
	}
	if _, err := engine.Require[chain.TxHash](rc, KeyBucketDeleted); err != nil {
		return err
	}
	if _, err := wait.WaitForState(ctx, "bucket removed on chain", p.settings.StatePoll,
		p.bucketOnChain(rc, bucket.ID), func(found bool) bool { return !found }); err != nil {
		return err
	}
	return wait.PollService(ctx, "bucket unindexed", p.settings.BackendPoll, func(ctx context.Context) (bool, error) {
		_, err := rc.Backend.GetBucket(ctx, bucket.ID)
		p.refreshOnExpiry(ctx, rc, err)
		switch {
		case errors.Is(err, backend.ErrNotFound):
			return true, nil
		case err != nil:
			return false, err
		default:
			return false, nil
		}
	})
}

func (p *Probe) cleanupItems(ctx context.Context, rc *engine.RunContext) error {
	bucket, items, ledger, err := requireItems(rc)
	if err != nil {
		return err
	}
	live := ledger.Live(items)
	if len(live) == 0 {
		return engine.ErrNothingToClean
	}
	var errs []error
	for _, it := range live {
		if err := p.deleteFile(ctx, rc, bucket, it, ledger); err != nil {
			rc.Logger.Warn("cleanup could not delete file", "file", it.Location, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Probe) cleanupBucket(ctx context.Context, rc *engine.RunContext) error {
	if rc.Has(KeyBucketDeleted) {
		return engine.ErrNothingToClean
	}
	bucket, err := engine.Require[BucketRef](rc, KeyBucket)
	if err != nil {
		return err
	}
	return p.deleteBucket(ctx, rc, bucket)
}

func requireItems(rc *engine.RunContext) (BucketRef, []Item, *Ledger, error) {
	bucket, err := engine.Require[BucketRef](rc, KeyBucket)
	if err != nil {
		return BucketRef{}, nil, nil, err
	}
	items, err := engine.Require[[]Item](rc, KeyItems)
	if err != nil {
		return BucketRef{}, nil, nil, err
	}
	ledger, err := engine.Require[*Ledger](rc, KeyLedger)
	if err != nil {
		return BucketRef{}, nil, nil, err
	}
	return bucket, items, ledger, nil
}
