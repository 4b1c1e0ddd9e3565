package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fly-sync/devicecore/internal/bridge"
	"github.com/fly-sync/devicecore/internal/model"
	"github.com/fly-sync/devicecore/internal/opbase"
)

// CloneOptions configures a full-storage clone.
type CloneOptions struct {
	// SourceRoot is the remote path indexed on the source device. Defaults
	// to "/storage/emulated/0" when empty (spec.md §4.4).
	SourceRoot string
	Filter     Filter

	// StagingRoot is the local directory a timestamped staging tree is
	// created under.
	StagingRoot string

	// Verify, when true, runs the post-push checksum comparison stage.
	Verify bool
}

// VerifyResult reports the clone's optional checksum verification stage.
type VerifyResult struct {
	Matched    int
	Mismatched []string
}

// CloneResult summarizes a completed clone.
type CloneResult struct {
	FilesPulled int
	FilesPushed int
	Verify      *VerifyResult
}

// CloneManager runs the full-storage clone workflow: validate → index →
// pull to staging → push to target → optional verify. Only the verify stage
// reports into a fixed band (80-90 percent); the pull and push stages each
// report their own 0-100 percent, not rescaled into a share of the whole
// clone. Grounded
// on the same phased-manager shape as BackupManager/RestoreManager, since a
// clone is just a pull immediately followed by a push through the same
// staging tree a restore would read from.
type CloneManager struct {
	op      *opbase.Operation
	bridge  *bridge.Bridge
	indexer *Indexer
}

// NewCloneManager constructs a CloneManager.
func NewCloneManager(op *opbase.Operation, br *bridge.Bridge) *CloneManager {
	return &CloneManager{op: op, bridge: br, indexer: NewIndexer(br)}
}

// CloneRequest describes one clone run between two already-validated
// devices.
type CloneRequest struct {
	Source model.Device
	Target model.Device
	Options CloneOptions
}

// Run executes req. Errors from individual file transfers are accumulated
// on the operation rather than aborting the clone (spec.md §4.4's
// "maximum data recovered" policy); Run itself only returns an error for a
// precondition failure (devices not connected, same device twice), an
// index failure, or a staging I/O failure.
func (c *CloneManager) Run(ctx context.Context, req CloneRequest) (CloneResult, error) {
	defer c.op.Finish()

	if err := validateCloneDevices(req.Source, req.Target); err != nil {
		return CloneResult{}, err
	}

	root := req.Options.SourceRoot
	if root == "" {
		root = "/storage/emulated/0"
	}

	c.op.Emit(opbase.Progress{Phase: opbase.PhaseRunning, SubPhase: "index", SourceDevice: req.Source.Serial, Percent: 0})
	items, err := c.indexer.Index(ctx, req.Source.Serial, root, req.Options.Filter)
	if err != nil {
		return CloneResult{}, fmt.Errorf("transfer: clone index failed: %w", err)
	}

	stagingRoot := req.Options.StagingRoot
	if stagingRoot == "" {
		stagingRoot = os.TempDir()
	}
	stageDir := filepath.Join(stagingRoot, fmt.Sprintf("clone-%s-%d", req.Source.Serial, time.Now().UnixNano()))

	pullResult, err := c.runStagePull(ctx, req, items, stageDir)
	if err != nil {
		return CloneResult{}, err
	}

	pushResult, err := c.runStagePush(ctx, req, items, stageDir)
	if err != nil {
		return CloneResult{}, err
	}

	result := CloneResult{FilesPulled: pullResult.SuccessCount, FilesPushed: pushResult.SuccessCount}

	if req.Options.Verify {
		verify, err := c.runStageVerify(ctx, req, items, stageDir)
		if err != nil {
			return result, err
		}
		result.Verify = verify
	}

	c.op.Emit(opbase.Progress{Phase: opbase.PhaseRunning, SubPhase: "side-channel", TargetDevice: req.Target.Serial, Percent: 100})
	return result, nil
}

func validateCloneDevices(source, target model.Device) error {
	if source.Serial == target.Serial {
		return fmt.Errorf("transfer: clone source and target must be distinct devices")
	}
	if source.State != model.StateConnected {
		return fmt.Errorf("transfer: clone source %s is not connected", source.Serial)
	}
	if target.State != model.StateConnected {
		return fmt.Errorf("transfer: clone target %s is not connected", target.Serial)
	}
	return nil
}

// runStagePull pulls every indexed file from the source into stageDir.
// ParallelPull reports the pull's own 0-100 percent.
func (c *CloneManager) runStagePull(ctx context.Context, req CloneRequest, items []model.FileEntry, stageDir string) (opbase.TransferResult, error) {
	return c.op.ParallelPull(ctx, c.bridge, req.Source.Serial, items, stageDir, opbase.DefaultHeuristicTable())
}

// runStagePush pushes every staged file to the target at the same relative
// path. ParallelPush reports the push's own 0-100 percent.
func (c *CloneManager) runStagePush(ctx context.Context, req CloneRequest, items []model.FileEntry, stageDir string) (opbase.TransferResult, error) {
	return c.op.ParallelPush(ctx, c.bridge, req.Target.Serial, items, stageDir, opbase.DefaultHeuristicTable())
}

// runStageVerify computes a local SHA-256 for each staged file and asks the
// target for its remote checksum in batches of 50 paths, covering the
// 80-90% progress band. Mismatches are reported but never abort the clone.
func (c *CloneManager) runStageVerify(ctx context.Context, req CloneRequest, items []model.FileEntry, stageDir string) (*VerifyResult, error) {
	result := &VerifyResult{}
	const batchSize = 50

	for start := 0; start < len(items); start += batchSize {
		if c.op.Cancelled() {
			break
		}
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		remoteSums, err := c.remoteChecksums(ctx, req.Target.Serial, batch)
		if err != nil {
			c.op.AddError("Falha ao verificar lote", req.Target.Serial, err)
			continue
		}

		for _, item := range batch {
			local := filepath.Join(stageDir, item.RemotePath)
			localSum, err := sha256File(local)
			if err != nil {
				c.op.AddError("Falha ao calcular checksum local", local, err)
				continue
			}
			remoteSum, ok := remoteSums[item.RemotePath]
			if !ok || remoteSum != localSum {
				result.Mismatched = append(result.Mismatched, item.RemotePath)
				continue
			}
			result.Matched++
		}

		c.op.Emit(opbase.Progress{
			Phase: opbase.PhaseRunning, SubPhase: "verify", TargetDevice: req.Target.Serial,
			ItemsDone: end, ItemsTotal: len(items),
			Percent: 80 + float64(end)/float64(len(items))*10,
		})
	}
	return result, nil
}

// remoteChecksums runs sha256sum across a batch of remote paths in a single
// shell invocation, parsing "<hash>  <path>" lines back into a map.
func (c *CloneManager) remoteChecksums(ctx context.Context, serial string, batch []model.FileEntry) (map[string]string, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	paths := make([]string, len(batch))
	for i, item := range batch {
		paths[i] = item.RemotePath
	}
	cmd := "sha256sum " + quotePaths(paths) + " 2>/dev/null"
	out, err := c.bridge.RunShell(ctx, cmd, serial, 2*time.Minute)
	if err != nil {
		return nil, err
	}
	return parseChecksumLines(out), nil
}

// quotePaths single-quotes each path for a batched shell invocation.
func quotePaths(paths []string) string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = shellQuotePath(p)
	}
	return strings.Join(quoted, " ")
}

// parseChecksumLines parses coreutils sha256sum output ("<hash>  <path>"
// per line, two spaces when computed in text mode) into a path->hash map.
func parseChecksumLines(out string) map[string]string {
	sums := map[string]string{}
	for _, line := range splitNonEmptyLines(out) {
		fields := strings.SplitN(line, "  ", 2)
		if len(fields) != 2 {
			fields = strings.Fields(line)
			if len(fields) != 2 {
				continue
			}
		}
		sums[strings.TrimSpace(fields[1])] = strings.TrimSpace(fields[0])
	}
	return sums
}

// sha256File hashes a local file's full contents.
func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
