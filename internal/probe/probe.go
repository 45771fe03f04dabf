// Package probe defines the storage canary: the fixed list of stages that
// walk a file through the storage network and back out again, and the
// cleanup steps that remove whatever a failed run left behind.
package probe

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/canary/internal/chain"
	"github.com/roach88/canary/internal/engine"
	"github.com/roach88/canary/internal/retry"
	"github.com/roach88/canary/internal/wait"
)

// Stage IDs in execution order. They double as checkpoint names and badge
// file names, so they never change.
const (
	StageConnect          engine.StageID = "connect"
	StageHealth           engine.StageID = "health"
	StageAuth             engine.StageID = "auth"
	StageCreateBucket     engine.StageID = "create-bucket"
	StageRequestStorage   engine.StageID = "request-storage"
	StageUpload           engine.StageID = "upload"
	StageAwaitFulfillment engine.StageID = "await-fulfillment"
	StageVerifyDownload   engine.StageID = "verify-download"
	StageDelete           engine.StageID = "delete"
	StageVerifyAbsence    engine.StageID = "verify-absence"
)

// Artifact keys.
const (
	KeyBucket        engine.ArtifactKey = "bucket"
	KeyItems         engine.ArtifactKey = "items"
	KeyLedger        engine.ArtifactKey = "ledger"
	KeyBucketDeleted engine.ArtifactKey = "bucket-deleted"
)

// Chain modules, calls, events and storage paths used by the canary.
const (
	moduleFileSystem = "fileSystem"

	callCreateBucket   = "createBucket"
	callStorageRequest = "issueStorageRequest"
	callDeleteFile     = "deleteFile"
	callDeleteBucket   = "deleteBucket"

	eventNewBucket        = "NewBucket"
	eventStorageFulfilled = "StorageRequestFulfilled"
	fieldBucketID         = "bucketId"
	fieldFileKey          = "fileKey"

	pathBuckets         = "providers.buckets"
	pathStorageRequests = "fileSystem.storageRequests"
)

const (
	healthyStatus       = "healthy"
	bucketNamePrefix    = "canary-"
	maxBucketNameSuffix = 32

	cleanupStepDeleteItems  = "delete-items"
	cleanupStepDeleteBucket = "delete-bucket"
)

// BucketRef is the bucket created by a run.
type BucketRef struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedIn uint64 `json:"created_in"`
}

// Probe builds the canary pipeline for one Settings.
type Probe struct {
	settings Settings
	clock    retry.Clock
	rand     io.Reader
	dial     func(ctx context.Context) (chain.Client, error)
}

// Option configures a Probe.
type Option func(*Probe)

// WithClock overrides the clock used by retry backoff.
func WithClock(c retry.Clock) Option {
	return func(p *Probe) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithRand overrides the payload randomness source.
func WithRand(r io.Reader) Option {
	return func(p *Probe) {
		if r != nil {
			p.rand = r
		}
	}
}

// WithChainDialer makes the connect stage open the chain connection when the
// run context has none, so an unreachable node fails the stage instead of the
// command.
func WithChainDialer(dial func(ctx context.Context) (chain.Client, error)) Option {
	return func(p *Probe) { p.dial = dial }
}

// New creates a probe. Invalid settings are rejected here, before any stage
// touches the network.
func New(settings Settings, opts ...Option) (*Probe, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s settings: %w", settings.Profile, err)
	}
	p := &Probe{settings: settings, clock: retry.RealClock{}, rand: rand.Reader}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Settings returns the probe's settings.
func (p *Probe) Settings() Settings {
	return p.settings
}

// Stages returns the pipeline in execution order.
func (p *Probe) Stages() []engine.Stage {
	return []engine.Stage{
		{ID: StageConnect, Description: "chain finalized head readable and backend reachable", Run: p.connect},
		{ID: StageHealth, Description: "backend and all its components healthy", Run: p.health},
		{ID: StageAuth, Description: "sign-in challenge exchanged for a session", Run: p.auth},
		{ID: StageCreateBucket, Description: "bucket created, finalized and indexed", Run: p.createBucket},
		{ID: StageRequestStorage, Description: "storage requested for every item", Run: p.requestStorage},
		{ID: StageUpload, Description: "every item uploaded to the backend", Run: p.upload},
		{ID: StageAwaitFulfillment, Description: "every storage request fulfilled and indexed", Run: p.awaitFulfillment},
		{ID: StageVerifyDownload, Description: "every item downloaded with a matching fingerprint", Run: p.verifyDownload},
		{ID: StageDelete, Description: "items and bucket deleted on chain", Run: p.delete},
		{ID: StageVerifyAbsence, Description: "bucket gone from chain state and backend", Run: p.verifyAbsence},
	}
}

// CleanupSteps returns the reverse operations in the order they must run.
func (p *Probe) CleanupSteps() []engine.CleanupStep {
	return []engine.CleanupStep{
		{
			Name:     cleanupStepDeleteItems,
			Requires: []engine.ArtifactKey{KeyBucket, KeyItems, KeyLedger},
			Run:      p.cleanupItems,
		},
		{
			Name:     cleanupStepDeleteBucket,
			Requires: []engine.ArtifactKey{KeyBucket},
			Run:      p.cleanupBucket,
		},
	}
}

// attempt runs op under the probe's retry policy with reauthentication wired
// to the run's session.
func attempt[T any](ctx context.Context, p *Probe, rc *engine.RunContext, name string, op func(ctx context.Context) (T, error)) (T, error) {
	return retry.Do(ctx, op, Classify, p.settings.Retry,
		retry.WithName(name),
		retry.WithClock(p.clock),
		retry.WithLogger(rc.Logger),
		retry.WithReauth(func(ctx context.Context) error { return p.authenticate(ctx, rc) }),
	)
}

// awaitReceipt waits for hash to be included, bounded by ReceiptTimeout so a
// dropped transaction surfaces as a timeout.
func (p *Probe) awaitReceipt(ctx context.Context, rc *engine.RunContext, hash chain.TxHash) (chain.Receipt, error) {
	return wait.Bounded(ctx, "receipt "+string(hash), p.settings.ReceiptTimeout, func(ctx context.Context) (chain.Receipt, error) {
		return rc.Chain.AwaitReceipt(ctx, hash)
	})
}

// confirm reads the receipt of an already submitted call and checks it.
// Failed reads are retried against the same hash; the call is never resent.
func (p *Probe) confirm(ctx context.Context, rc *engine.RunContext, call chain.Call, hash chain.TxHash) (chain.Receipt, error) {
	r, err := attempt(ctx, p, rc, "receipt "+call.String(), func(ctx context.Context) (chain.Receipt, error) {
		return p.awaitReceipt(ctx, rc, hash)
	})
	if err != nil {
		return chain.Receipt{}, fmt.Errorf("await receipt %s: %w", hash, err)
	}
	if err := chain.CheckReceipt(call, r); err != nil {
		return r, err
	}
	return r, nil
}

// submit sends call once and confirms it. A new transaction is signed only
// when the previous one was rejected with a paced conflict, which means it
// had no effect on chain.
func (p *Probe) submit(ctx context.Context, rc *engine.RunContext, call chain.Call) (chain.Receipt, error) {
	return retry.Do(ctx, func(ctx context.Context) (chain.Receipt, error) {
		hash, err := rc.Submitter.Submit(ctx, call)
		if err != nil {
			return chain.Receipt{}, err
		}
		return p.confirm(ctx, rc, call, hash)
	}, resubmittable, p.settings.Retry,
		retry.WithName("submit "+call.String()),
		retry.WithClock(p.clock),
		retry.WithLogger(rc.Logger),
	)
}

// resubmittable retries only paced conflicts reported by a receipt.
func resubmittable(err error) retry.Classification {
	var txErr *chain.TxError
	if !errors.As(err, &txErr) {
		return retry.Classification{}
	}
	if c := Classify(err); c.Paced {
		return c
	}
	return retry.Classification{}
}

// requireClients fails fast when the run context was built without the
// handles every stage needs.
func requireClients(rc *engine.RunContext) error {
	var missing []error
	if rc.Chain == nil {
		missing = append(missing, errors.New("chain client"))
	}
	if rc.Submitter == nil {
		missing = append(missing, errors.New("submitter"))
	}
	if rc.Signer == nil {
		missing = append(missing, errors.New("signer"))
	}
	if rc.Backend == nil {
		missing = append(missing, errors.New("backend client"))
	}
	if len(missing) > 0 {
		return engine.NewInvariantError("run context", fmt.Sprintf("missing %v", errors.Join(missing...)))
	}
	return nil
}

func eventField(events []chain.Event, module, name, field string) (string, bool) {
	for _, e := range events {
		if e.Module == module && e.Name == name {
			return e.Field(field)
		}
	}
	return "", false
}

func bucketName(runID string) string {
	if len(runID) > maxBucketNameSuffix {
		runID = runID[:maxBucketNameSuffix]
	}
	return bucketNamePrefix + runID
}
