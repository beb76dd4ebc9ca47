// Package provision runs the ordered provisioning pipeline: resolve base,
// materialize the build context, render the descriptor, execute the build,
// verify the image. Each step must complete before the next begins; the
// first failure aborts the build. Retries belong to whatever invokes the
// provisioner, not to the pipeline.
package provision

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nrednav/cuid2"

	"github.com/geobc/provisioner/lib/descriptor"
	"github.com/geobc/provisioner/lib/manifest"
	"github.com/geobc/provisioner/lib/oci"
	"github.com/geobc/provisioner/lib/paths"
	"github.com/geobc/provisioner/lib/payload"
	"github.com/geobc/provisioner/lib/spec"
	"github.com/geobc/provisioner/lib/verify"
	"go.opentelemetry.io/otel/metric"
)

// Manager runs and tracks provisioning builds.
type Manager interface {
	// CreateBuild validates the spec against contextRoot and starts a
	// build. Invalid specs fail synchronously; no build is recorded.
	CreateBuild(ctx context.Context, sp *spec.Spec, contextRoot string) (*Build, error)

	// GetBuild returns a build by ID.
	GetBuild(ctx context.Context, id string) (*Build, error)

	// ListBuilds returns all builds.
	ListBuilds(ctx context.Context) ([]*Build, error)

	// CancelBuild cancels a pending or running build.
	CancelBuild(ctx context.Context, id string) error

	// DeleteBuild removes a terminal build and its on-disk state.
	DeleteBuild(ctx context.Context, id string) error

	// GetBuildLogs returns the builder output for a build.
	GetBuildLogs(ctx context.Context, id string) ([]byte, error)

	// RecoverInterruptedBuilds fails builds left non-terminal by a
	// restart. An aborted build has no consistent partial state and must
	// be resubmitted from the first step.
	RecoverInterruptedBuilds()
}

// Verifier abstracts post-build image verification.
type Verifier interface {
	Verify(ctx context.Context, sp *spec.Spec, m *manifest.Manifest, imageRef, digest, scratchDir string) (*verify.Report, error)
}

// Config holds build manager configuration.
type Config struct {
	// MaxConcurrentBuilds bounds parallel builder invocations.
	MaxConcurrentBuilds int

	// RegistryURL is where built images are pushed (host[:port]).
	RegistryURL string

	// BuildTimeout bounds one build end to end.
	BuildTimeout time.Duration
}

// DefaultConfig returns the default build manager configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentBuilds: 2,
		RegistryURL:         "localhost:8080",
		BuildTimeout:        20 * time.Minute,
	}
}

type manager struct {
	config    Config
	paths     *paths.Paths
	inspector oci.ManifestInspector
	builder   Builder
	verifier  Verifier
	queue     *buildQueue
	logger    *slog.Logger
	metrics   *Metrics

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewManager creates a build manager.
func NewManager(
	p *paths.Paths,
	config Config,
	inspector oci.ManifestInspector,
	builder Builder,
	verifier Verifier,
	logger *slog.Logger,
	meter metric.Meter,
) (Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := &manager{
		config:    config,
		paths:     p,
		inspector: inspector,
		builder:   builder,
		verifier:  verifier,
		queue:     newBuildQueue(config.MaxConcurrentBuilds),
		logger:    logger,
		cancels:   make(map[string]context.CancelFunc),
	}

	if meter != nil {
		metrics, err := NewMetrics(meter)
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		m.metrics = metrics
	}

	return m, nil
}

func (m *manager) CreateBuild(ctx context.Context, sp *spec.Spec, contextRoot string) (*Build, error) {
	m.logger.Info("creating build", "name", sp.Name, "base", sp.BaseImage, "gui", sp.GUI)

	// Fail fast: an invalid spec (floating base, missing inputs, bad
	// manifest) never reaches the pipeline and records no build.
	if err := sp.Validate(contextRoot); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpecInvalid, err)
	}

	id := cuid2.Generate()
	meta := &buildMetadata{
		ID:          id,
		Status:      StatusPending,
		Spec:        sp,
		ContextRoot: contextRoot,
		CreatedAt:   time.Now(),
	}
	if err := writeMetadata(m.paths, meta); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}

	pos := m.queue.Enqueue(id, func() {
		m.runBuild(context.Background(), id)
	})
	if pos > 0 {
		meta = m.recordQueuePosition(id, pos, meta)
	}
	if m.metrics != nil {
		m.metrics.QueueDelta(ctx, 1)
	}

	m.logger.Info("build accepted", "id", id, "queue_position", pos)
	return meta.toBuild(), nil
}

// recordQueuePosition persists the queue position of a still-pending build.
// The slot may free between Enqueue returning and this write, so the
// metadata is re-read and left alone once the pipeline has moved the build
// past pending.
func (m *manager) recordQueuePosition(id string, pos int, fallback *buildMetadata) *buildMetadata {
	meta, err := readMetadata(m.paths, id)
	if err != nil {
		m.logger.Error("read metadata for queue position", "id", id, "error", err)
		return fallback
	}
	if meta.Status != StatusPending {
		return meta
	}
	meta.QueuePosition = &pos
	if err := writeMetadata(m.paths, meta); err != nil {
		m.logger.Error("write metadata for queue position", "id", id, "error", err)
	}
	return meta
}

// runBuild executes the pipeline for one build.
func (m *manager) runBuild(ctx context.Context, id string) {
	defer m.queue.MarkComplete(id)

	start := time.Now()

	meta, err := readMetadata(m.paths, id)
	if err != nil {
		m.logger.Error("read metadata at build start", "id", id, "error", err)
		return
	}
	if isTerminalStatus(meta.Status) {
		m.logger.Info("build already terminal, skipping", "id", id, "status", meta.Status)
		return
	}

	buildCtx, cancel := context.WithTimeout(ctx, m.config.BuildTimeout)
	m.mu.Lock()
	m.cancels[id] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.cancels, id)
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.QueueDelta(context.Background(), -1)
		}
	}()

	m.updateStatus(id, StatusBuilding, nil)
	m.logger.Info("build started", "id", id)

	result, err := m.execute(buildCtx, id, meta)

	duration := time.Since(start)
	durationMS := duration.Milliseconds()
	status := StatusReady

	if err != nil {
		status = StatusFailed
		if buildCtx.Err() != nil && m.currentStatus(id) == StatusCancelled {
			// Cancelled builds keep their status; the pipeline error is
			// just the cancellation surfacing.
			m.logger.Info("build cancelled", "id", id, "duration", duration)
			if m.metrics != nil {
				m.metrics.RecordBuild(ctx, StatusCancelled, m.builder.Name(), duration)
			}
			return
		}
		m.logger.Error("build failed", "id", id, "error", err, "duration", duration)
		errMsg := err.Error()
		m.completeBuild(id, status, nil, &errMsg, &durationMS)
	} else {
		m.logger.Info("build succeeded", "id", id, "digest", result.Digest, "duration", duration)
		m.completeBuild(id, status, result, nil, &durationMS)
	}

	if m.metrics != nil {
		m.metrics.RecordBuild(ctx, status, m.builder.Name(), duration)
	}
}

// execute runs the ordered pipeline steps for one build.
func (m *manager) execute(ctx context.Context, id string, meta *buildMetadata) (*Result, error) {
	sp := meta.Spec

	logFile, err := m.openLog(id)
	if err != nil {
		return nil, err
	}
	defer logFile.Close()

	// Step 1: resolve the pinned base image to its manifest digest.
	baseRef, err := sp.BaseRef()
	if err != nil {
		return nil, fmt.Errorf("parse base image: %w", err)
	}
	resolved, err := baseRef.Resolve(ctx, m.inspector)
	if err != nil {
		return nil, fmt.Errorf("resolve base image: %w", err)
	}
	fmt.Fprintf(logFile, "base image resolved: %s\n", resolved.Canonical())

	// Step 2: materialize the build context (atomic from the consumer's
	// perspective: staged, then renamed into place).
	contextDir := m.paths.BuildContextDir(id)
	if err := payload.Materialize(sp, meta.ContextRoot, contextDir); err != nil {
		return nil, fmt.Errorf("materialize context: %w", err)
	}

	// The manifest was validated at acceptance; re-read it from the
	// materialized context so the build uses exactly what was copied.
	mft, err := manifest.ParseFile(filepath.Join(contextDir, sp.ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("parse materialized manifest: %w", err)
	}

	// Step 3: render the descriptor.
	df := descriptor.Render(sp, resolved.Canonical(), mft)
	if err := os.WriteFile(m.paths.BuildDescriptor(id), []byte(df), 0644); err != nil {
		return nil, fmt.Errorf("write descriptor: %w", err)
	}

	// Step 4: execute the build and push the image.
	imageRef := fmt.Sprintf("%s/%s:%s", m.config.RegistryURL, sp.Name, id)
	digest, err := m.builder.Build(ctx, BuildInput{
		ID:             id,
		Spec:           sp,
		Manifest:       mft,
		ContextDir:     contextDir,
		DescriptorPath: m.paths.BuildDescriptor(id),
		ImageRef:       imageRef,
		BaseRef:        resolved.Canonical(),
	}, logFile)
	if err != nil {
		return nil, fmt.Errorf("build image: %w", err)
	}

	// Step 5: verify the produced image against the spec.
	m.updateStatus(id, StatusVerifying, nil)
	report, err := m.verifier.Verify(ctx, sp, mft, imageRef, digest, m.paths.VerifyDir(id))
	if err != nil {
		return nil, fmt.Errorf("verify image: %w", err)
	}
	if err := report.Err(); err != nil {
		return nil, err
	}
	fmt.Fprintf(logFile, "verification passed: %d checks\n", len(report.Checks))

	return &Result{
		ImageRef:     imageRef,
		Digest:       digest,
		BaseImage:    resolved.Canonical(),
		Env:          sp.Env,
		WorkingDir:   sp.AppRoot,
		Builder:      m.builder.Name(),
		Verification: report,
	}, nil
}

// openLog opens the build log for appending.
func (m *manager) openLog(id string) (io.WriteCloser, error) {
	if err := os.MkdirAll(m.paths.BuildDir(id), 0755); err != nil {
		return nil, fmt.Errorf("create build dir: %w", err)
	}
	f, err := os.OpenFile(m.paths.BuildLog(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open build log: %w", err)
	}
	return f, nil
}

// updateStatus updates a build's status unless it is already terminal.
// Terminal states are never overwritten, which keeps a concurrent cancel
// from being clobbered by the pipeline goroutine.
func (m *manager) updateStatus(id string, status string, err error) {
	meta, readErr := readMetadata(m.paths, id)
	if readErr != nil {
		m.logger.Error("read metadata for status update", "id", id, "error", readErr)
		return
	}
	if isTerminalStatus(meta.Status) {
		m.logger.Debug("skipping status update for terminal build", "id", id, "current", meta.Status, "requested", status)
		return
	}

	meta.Status = status
	meta.QueuePosition = nil
	if status == StatusBuilding && meta.StartedAt == nil {
		now := time.Now()
		meta.StartedAt = &now
	}
	if err != nil {
		errMsg := err.Error()
		meta.Error = &errMsg
	}

	if writeErr := writeMetadata(m.paths, meta); writeErr != nil {
		m.logger.Error("write metadata for status update", "id", id, "error", writeErr)
	}
}

// completeBuild records the final state of a build.
func (m *manager) completeBuild(id string, status string, result *Result, errMsg *string, durationMS *int64) {
	meta, readErr := readMetadata(m.paths, id)
	if readErr != nil {
		m.logger.Error("read metadata for completion", "id", id, "error", readErr)
		return
	}
	if isTerminalStatus(meta.Status) {
		return
	}

	meta.Status = status
	meta.QueuePosition = nil
	meta.Result = result
	meta.Error = errMsg
	meta.DurationMS = durationMS
	now := time.Now()
	meta.CompletedAt = &now

	if writeErr := writeMetadata(m.paths, meta); writeErr != nil {
		m.logger.Error("write metadata for completion", "id", id, "error", writeErr)
	}
}

// currentStatus reads the persisted status, empty on error.
func (m *manager) currentStatus(id string) string {
	meta, err := readMetadata(m.paths, id)
	if err != nil {
		return ""
	}
	return meta.Status
}

// isTerminalStatus returns true when the status represents a finished build.
func isTerminalStatus(status string) bool {
	switch status {
	case StatusReady, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (m *manager) GetBuild(ctx context.Context, id string) (*Build, error) {
	meta, err := readMetadata(m.paths, id)
	if err != nil {
		return nil, err
	}
	b := meta.toBuild()
	if pos := m.queue.Position(id); pos != nil {
		b.QueuePosition = pos
	}
	return b, nil
}

func (m *manager) ListBuilds(ctx context.Context) ([]*Build, error) {
	metas, err := listMetadata(m.paths)
	if err != nil {
		return nil, err
	}
	builds := make([]*Build, 0, len(metas))
	for _, meta := range metas {
		builds = append(builds, meta.toBuild())
	}
	return builds, nil
}

func (m *manager) CancelBuild(ctx context.Context, id string) error {
	meta, err := readMetadata(m.paths, id)
	if err != nil {
		return err
	}

	switch meta.Status {
	case StatusPending, StatusBuilding, StatusVerifying:
		// Mark cancelled first so the pipeline goroutine cannot win the
		// race and overwrite it.
		meta.Status = StatusCancelled
		meta.QueuePosition = nil
		now := time.Now()
		meta.CompletedAt = &now
		if err := writeMetadata(m.paths, meta); err != nil {
			return fmt.Errorf("write metadata: %w", err)
		}

		m.mu.Lock()
		cancel, ok := m.cancels[id]
		m.mu.Unlock()
		if ok {
			cancel()
		}
		m.logger.Info("build cancelled", "id", id)
		return nil

	case StatusReady, StatusFailed, StatusCancelled:
		return fmt.Errorf("%w: status %s", ErrAlreadyCompleted, meta.Status)

	default:
		return fmt.Errorf("unknown build status: %s", meta.Status)
	}
}

func (m *manager) DeleteBuild(ctx context.Context, id string) error {
	meta, err := readMetadata(m.paths, id)
	if err != nil {
		return err
	}
	if !isTerminalStatus(meta.Status) {
		return fmt.Errorf("build %s is %s; cancel it first", id, meta.Status)
	}
	return deleteBuild(m.paths, id)
}

func (m *manager) GetBuildLogs(ctx context.Context, id string) ([]byte, error) {
	if _, err := readMetadata(m.paths, id); err != nil {
		return nil, err
	}
	return readLog(m.paths, id)
}

func (m *manager) RecoverInterruptedBuilds() {
	metas, err := listMetadata(m.paths)
	if err != nil {
		m.logger.Error("list builds for recovery", "error", err)
		return
	}

	recovered := 0
	for _, meta := range metas {
		if isTerminalStatus(meta.Status) {
			continue
		}
		// A build interrupted mid-pipeline has no consistent partial
		// state; it is failed, not resumed, and must be resubmitted.
		errMsg := "interrupted by restart; resubmit the build"
		meta.Status = StatusFailed
		meta.QueuePosition = nil
		meta.Error = &errMsg
		now := time.Now()
		meta.CompletedAt = &now
		if err := writeMetadata(m.paths, meta); err != nil {
			m.logger.Error("write metadata for recovery", "id", meta.ID, "error", err)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		m.logger.Info("failed interrupted builds", "count", recovered)
	}
}
