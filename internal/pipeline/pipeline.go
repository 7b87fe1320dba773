// Package pipeline turns object directories into verified archives and back,
// reporting every step as a status event.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/CrackerCat/Android-DataBackup/internal/gateway"
	"github.com/CrackerCat/Android-DataBackup/internal/logging"
	"github.com/CrackerCat/Android-DataBackup/internal/types"
)

// Reporter receives the status events of one object step. Exactly one
// terminal event (Error or Finished) is reported per call.
type Reporter func(kind types.StatusKind, detail string)

// Options control archive creation.
type Options struct {
	Strategy    types.BackupStrategy
	Compression types.CompressionType
	Test        bool
}

// Pipeline runs compress and decompress through a gateway.
type Pipeline struct {
	gw     gateway.Gateway
	logger *logging.Logger
	opts   Options
}

// New creates a pipeline.
func New(gw gateway.Gateway, logger *logging.Logger, opts Options) *Pipeline {
	return &Pipeline{gw: gw, logger: logger, opts: opts}
}

// Options returns the pipeline options.
func (p *Pipeline) Options() Options {
	return p.opts
}

// CompressRequest describes one archive to produce.
type CompressRequest struct {
	// Name is the archive base name: the object type for apps, the folder
	// name for media.
	Name      string
	BaseDir   string
	Entries   []string
	OutputDir string
	// ExpectedSize is the source size recorded by the previous backup, or
	// nil when none is known.
	ExpectedSize *int64
}

// Outcome is the result of Compress.
type Outcome struct {
	OK          bool
	Skipped     bool
	ArchivePath string
	// SourceSize is the measured size of the entries, -1 if unknown.
	SourceSize int64
}

// ArchivePath returns the archive path for name under dir.
func ArchivePath(dir, name string, compression types.CompressionType) string {
	return filepath.Join(dir, name+"."+compression.Suffix())
}

// Compress archives req.Entries of req.BaseDir. Under the cover strategy an
// unchanged source with an existing archive is skipped.
func (p *Pipeline) Compress(ctx context.Context, req CompressRequest, report Reporter) Outcome {
	out := Outcome{ArchivePath: ArchivePath(req.OutputDir, req.Name, p.opts.Compression), SourceSize: p.measure(ctx, req)}

	needUpdate := true
	if p.opts.Strategy == types.StrategyCover && req.ExpectedSize != nil {
		if out.SourceSize >= 0 && out.SourceSize == *req.ExpectedSize {
			needUpdate = false
			p.logger.Action("compress", "%s may have no update", req.Name)
		}
		if !p.gw.Exists(ctx, out.ArchivePath) {
			needUpdate = true
			p.logger.Action("compress", "%s is missing, needs update", out.ArchivePath)
		}
	}

	if needUpdate {
		report(types.StatusCompressing, "")
		if !p.gw.MkdirAll(ctx, req.OutputDir) {
			msg := fmt.Sprintf("cannot create %s", req.OutputDir)
			report(types.StatusError, msg)
			p.logger.Action("compress", "%s", msg)
			return out
		}
		res := p.gw.CreateArchive(ctx, out.ArchivePath, req.BaseDir, req.Entries)
		if !res.Success {
			report(types.StatusError, res.Output())
			p.logger.Action("compress", "%s", res.Output())
			return out
		}
		report(types.StatusShowTotal, res.Output())
		p.logger.Action("compress", "%s compressed", req.Name)
	} else {
		out.Skipped = true
		report(types.StatusSkip, "")
		p.logger.Action("compress", "no update, skip")
	}

	if !p.gw.Exists(ctx, out.ArchivePath) {
		msg := fmt.Sprintf("%s is missing, compressing may have failed", out.ArchivePath)
		report(types.StatusError, msg)
		p.logger.Action("compress", "%s", msg)
		return out
	}

	if p.opts.Test {
		p.logger.Action("compress", "test %s", out.ArchivePath)
		report(types.StatusTesting, "")
		if res := p.gw.TestArchive(ctx, out.ArchivePath); !res.Success {
			p.gw.DeleteRecursive(ctx, out.ArchivePath)
			msg := "test failed, the broken file has been deleted"
			report(types.StatusError, msg)
			p.logger.Action("compress", "%s: %s", msg, res.LastLine())
			return out
		}
		p.logger.Action("compress", "test passed")
	}

	report(types.StatusFinished, "")
	out.OK = true
	return out
}

func (p *Pipeline) measure(ctx context.Context, req CompressRequest) int64 {
	var total int64
	for _, entry := range req.Entries {
		size, err := p.gw.StatSize(ctx, filepath.Join(req.BaseDir, entry))
		if err != nil {
			p.logger.Debug("measure %s: %v", entry, err)
			return -1
		}
		total += size
	}
	return total
}

// DecompressRequest describes one archive to extract.
type DecompressRequest struct {
	Object      types.ObjectType
	ArchivePath string
	Subject     string
	DestDir     string
}

// Decompress extracts an archive. There is no skip logic on restore.
func (p *Pipeline) Decompress(ctx context.Context, req DecompressRequest, report Reporter) bool {
	report(types.StatusDecompressing, "")
	res := p.gw.ExtractArchive(ctx, req.ArchivePath, req.DestDir)
	if !res.Success {
		report(types.StatusError, res.Output())
		p.logger.Action("decompress", "%s %s: %s", req.Subject, req.Object, res.Output())
		return false
	}
	report(types.StatusShowTotal, res.Output())
	p.logger.Action("decompress", "%s %s decompressed", req.Subject, req.Object)
	report(types.StatusFinished, "")
	return true
}

// FindArchive locates name under dir with any supported suffix, preferring
// the configured compression.
func (p *Pipeline) FindArchive(ctx context.Context, dir, name string) (string, bool) {
	candidates := append([]types.CompressionType{p.opts.Compression}, types.CompressionTypes()...)
	for _, c := range candidates {
		if !c.Valid() {
			continue
		}
		if path := ArchivePath(dir, name, c); p.gw.Exists(ctx, path) {
			return path, true
		}
	}
	return "", false
}
