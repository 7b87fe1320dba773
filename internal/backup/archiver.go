package backup

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/CrackerCat/Android-DataBackup/internal/logging"
	"github.com/CrackerCat/Android-DataBackup/internal/types"
	"github.com/CrackerCat/Android-DataBackup/pkg/utils"
)

const ageHeader = "age-encryption.org/v1"

var lz4Levels = []lz4.CompressionLevel{
	lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4, lz4.Level5,
	lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

// Archiver creates, tests and extracts object archives: a tar stream,
// optionally compressed with lz4 or zstd, optionally wrapped in age.
type Archiver struct {
	logger           *logging.Logger
	compression      types.CompressionType
	compressionLevel int
	encryptArchive   bool
	ageRecipients    []age.Recipient
	ageIdentities    []age.Identity
	preserveOwner    bool
}

// ArchiverConfig holds configuration for archive creation.
type ArchiverConfig struct {
	Compression      types.CompressionType
	CompressionLevel int // 1-22; lz4 clamps to 1-9
	EncryptArchive   bool
	AgeRecipients    []age.Recipient
	AgeIdentities    []age.Identity
}

// CompressionError wraps a failure of the compression layer.
type CompressionError struct {
	Algorithm string
	Err       error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("%s compression failed: %v", e.Algorithm, e.Err)
}

func (e *CompressionError) Unwrap() error {
	return e.Err
}

// ErrEncryptedArchive is returned when an encrypted archive is read without
// any age identity configured.
var ErrEncryptedArchive = errors.New("archive is age-encrypted and no identity is configured")

// ErrSymlinkTraversal is returned when extraction would write through a
// symlink inside the destination.
var ErrSymlinkTraversal = errors.New("path passes through a symlink")

// Validate checks if the archiver configuration is valid.
func (c *ArchiverConfig) Validate() error {
	if !c.Compression.Valid() {
		return fmt.Errorf("invalid compression type: %s", c.Compression)
	}
	if c.CompressionLevel < 1 || c.CompressionLevel > 22 {
		return fmt.Errorf("compression level must be 1-22, got %d", c.CompressionLevel)
	}
	if c.EncryptArchive && len(c.AgeRecipients) == 0 {
		return fmt.Errorf("encryption enabled but no AGE recipients configured")
	}
	return nil
}

// NewArchiver creates a new archiver.
func NewArchiver(logger *logging.Logger, config *ArchiverConfig) *Archiver {
	return &Archiver{
		logger:           logger,
		compression:      config.Compression,
		compressionLevel: config.CompressionLevel,
		encryptArchive:   config.EncryptArchive,
		ageRecipients:    append([]age.Recipient(nil), config.AgeRecipients...),
		ageIdentities:    append([]age.Identity(nil), config.AgeIdentities...),
		preserveOwner:    os.Geteuid() == 0,
	}
}

// Compression returns the configured compression type.
func (a *Archiver) Compression() types.CompressionType {
	return a.compression
}

// Summary describes the content of an archive after create, test or extract.
type Summary struct {
	Entries     int
	Bytes       int64
	ArchiveSize int64
}

// String renders the summary the way the progress display shows totals.
func (s Summary) String() string {
	if s.ArchiveSize > 0 {
		return fmt.Sprintf("%d entries, %s (archive %s)", s.Entries, utils.FormatBytes(s.Bytes), utils.FormatBytes(s.ArchiveSize))
	}
	return fmt.Sprintf("%d entries, %s", s.Entries, utils.FormatBytes(s.Bytes))
}

// compressionFor infers the stream compression from the archive name and
// falls back to the configured type.
func (a *Archiver) compressionFor(path string) types.CompressionType {
	if c := types.CompressionTypeFromPath(path); c != "" {
		return c
	}
	return a.compression
}

func (a *Archiver) wrapEncryptionWriter(base io.Writer) (io.Writer, func() error, error) {
	if !a.encryptArchive {
		return base, func() error { return nil }, nil
	}
	if len(a.ageRecipients) == 0 {
		return nil, nil, fmt.Errorf("encryption enabled but no AGE recipients configured")
	}
	writer, err := age.Encrypt(base, a.ageRecipients...)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize age encryption: %w", err)
	}
	return writer, writer.Close, nil
}

func (a *Archiver) wrapCompressionWriter(comp types.CompressionType, base io.Writer) (io.Writer, func() error, error) {
	switch comp {
	case types.CompressionTar:
		return base, func() error { return nil }, nil
	case types.CompressionZstd:
		enc, err := zstd.NewWriter(base, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(a.compressionLevel)))
		if err != nil {
			return nil, nil, &CompressionError{Algorithm: "zstd", Err: err}
		}
		return enc, enc.Close, nil
	case types.CompressionLZ4:
		w := lz4.NewWriter(base)
		level := a.compressionLevel
		if level > len(lz4Levels) {
			level = len(lz4Levels)
		}
		if level < 1 {
			level = 1
		}
		if err := w.Apply(lz4.CompressionLevelOption(lz4Levels[level-1])); err != nil {
			return nil, nil, &CompressionError{Algorithm: "lz4", Err: err}
		}
		return w, w.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported compression type: %s", comp)
	}
}

// Create writes the entries (paths relative to baseDir) into outputPath.
// The archive is written to a temporary file and renamed on success, so a
// failed run never leaves a partial archive under the final name.
func (a *Archiver) Create(ctx context.Context, outputPath, baseDir string, entries []string) (sum Summary, err error) {
	comp := a.compressionFor(outputPath)
	a.logger.Debug("Creating archive: %s -> %s (compression: %s, level %d, entries %v)",
		baseDir, outputPath, comp, a.compressionLevel, entries)

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return sum, fmt.Errorf("failed to create output directory: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.tmp.%d", outputPath, time.Now().UnixNano())
	outFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return sum, fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	buffered := bufio.NewWriterSize(outFile, 1<<20)
	encWriter, finalizeEncryption, err := a.wrapEncryptionWriter(buffered)
	if err != nil {
		outFile.Close()
		return sum, err
	}
	compWriter, finalizeCompression, err := a.wrapCompressionWriter(comp, encWriter)
	if err != nil {
		outFile.Close()
		return sum, err
	}

	tarWriter := tar.NewWriter(compWriter)
	for _, entry := range entries {
		if err = a.addToTar(ctx, tarWriter, baseDir, entry, &sum); err != nil {
			break
		}
	}

	for _, closer := range []func() error{tarWriter.Close, finalizeCompression, finalizeEncryption, buffered.Flush, outFile.Close} {
		if cerr := closer(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		return sum, fmt.Errorf("failed to write archive %s: %w", outputPath, err)
	}

	if err = os.Rename(tmpPath, outputPath); err != nil {
		return sum, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if info, statErr := os.Stat(outputPath); statErr == nil {
		sum.ArchiveSize = info.Size()
	}
	return sum, nil
}

// addToTar adds baseDir/entry recursively. Symlinks are stored, not followed.
func (a *Archiver) addToTar(ctx context.Context, tw *tar.Writer, baseDir, entry string, sum *Summary) error {
	root := filepath.Join(baseDir, entry)
	return filepath.Walk(root, func(path string, _ os.FileInfo, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			a.logger.Warning("Error accessing path %s: %v", path, walkErr)
			return nil
		}

		linkInfo, err := os.Lstat(path)
		if err != nil {
			a.logger.Warning("Failed to stat path %s: %v", path, err)
			return nil
		}

		var linkTarget string
		if linkInfo.Mode()&os.ModeSymlink != 0 {
			if linkTarget, err = os.Readlink(path); err != nil {
				a.logger.Warning("Failed to read symlink %s: %v", path, err)
				return nil
			}
		}

		header, err := tar.FileInfoHeader(linkInfo, linkTarget)
		if err != nil {
			// Sockets and similar special files cannot be archived.
			a.logger.Debug("Skipping %s: %v", path, err)
			return nil
		}
		if stat, ok := linkInfo.Sys().(*syscall.Stat_t); ok {
			header.Uid = int(stat.Uid)
			header.Gid = int(stat.Gid)
		}
		header.Format = tar.FormatPAX

		rel, err := filepath.Rel(baseDir, path)
		if err != nil {
			return err
		}
		name := "./" + filepath.ToSlash(rel)
		if linkInfo.IsDir() {
			name += "/"
		}
		header.Name = name

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header: %w", err)
		}
		sum.Entries++

		if !linkInfo.Mode().IsRegular() {
			return nil
		}
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer file.Close()
		n, err := io.Copy(tw, file)
		if err != nil {
			return fmt.Errorf("copy %s into archive: %w", path, err)
		}
		sum.Bytes += n
		return nil
	})
}

// openReader opens path and undoes encryption and compression.
func (a *Archiver) openReader(path string) (io.Reader, func(), error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	closers := []func(){func() { file.Close() }}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	buffered := bufio.NewReaderSize(file, 1<<20)
	var r io.Reader = buffered
	if head, _ := buffered.Peek(len(ageHeader)); string(head) == ageHeader {
		if len(a.ageIdentities) == 0 {
			closeAll()
			return nil, nil, ErrEncryptedArchive
		}
		dec, err := age.Decrypt(buffered, a.ageIdentities...)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("decrypt %s: %w", path, err)
		}
		r = dec
	}

	switch comp := a.compressionFor(path); comp {
	case types.CompressionTar:
	case types.CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			closeAll()
			return nil, nil, &CompressionError{Algorithm: "zstd", Err: err}
		}
		closers = append(closers, dec.Close)
		r = dec
	case types.CompressionLZ4:
		r = lz4.NewReader(r)
	default:
		closeAll()
		return nil, nil, fmt.Errorf("unsupported compression type: %s", comp)
	}
	return r, closeAll, nil
}

// Test reads the whole archive, validating every layer.
func (a *Archiver) Test(ctx context.Context, path string) (Summary, error) {
	var sum Summary
	r, closeAll, err := a.openReader(path)
	if err != nil {
		return sum, err
	}
	defer closeAll()

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return sum, fmt.Errorf("corrupt archive %s: %w", path, err)
		}
		n, err := io.Copy(io.Discard, tr)
		if err != nil {
			return sum, fmt.Errorf("corrupt entry %s in %s: %w", header.Name, path, err)
		}
		sum.Entries++
		sum.Bytes += n
	}
	if sum.Entries == 0 {
		return sum, fmt.Errorf("archive %s is empty", path)
	}
	if info, err := os.Stat(path); err == nil {
		sum.ArchiveSize = info.Size()
	}
	return sum, nil
}

// Extract unpacks path into destDir. Entries escaping destDir are rejected.
func (a *Archiver) Extract(ctx context.Context, path, destDir string) (Summary, error) {
	var sum Summary
	r, closeAll, err := a.openReader(path)
	if err != nil {
		return sum, err
	}
	defer closeAll()

	if err := os.MkdirAll(destDir, 0o771); err != nil {
		return sum, fmt.Errorf("create %s: %w", destDir, err)
	}

	type dirTime struct {
		path string
		mod  time.Time
	}
	var dirs []dirTime

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return sum, fmt.Errorf("read archive %s: %w", path, err)
		}

		rel := filepath.Clean(strings.TrimPrefix(header.Name, "./"))
		if rel == "." {
			continue
		}
		if !filepath.IsLocal(rel) {
			return sum, fmt.Errorf("archive entry %q escapes destination", header.Name)
		}
		if err := checkParents(destDir, rel); err != nil {
			return sum, fmt.Errorf("archive entry %q: %w", header.Name, err)
		}
		target := filepath.Join(destDir, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o771); err != nil {
			return sum, err
		}

		mode := os.FileMode(header.Mode) & os.ModePerm
		switch header.Typeflag {
		case tar.TypeDir:
			if info, err := os.Lstat(target); err == nil && info.Mode()&os.ModeSymlink != 0 {
				return sum, fmt.Errorf("archive entry %q: %w", header.Name, ErrSymlinkTraversal)
			}
			if err := os.MkdirAll(target, mode); err != nil {
				return sum, err
			}
			_ = os.Chmod(target, mode)
			dirs = append(dirs, dirTime{target, header.ModTime})
		case tar.TypeReg:
			n, err := writeRegular(target, tr, mode)
			if err != nil {
				return sum, err
			}
			sum.Bytes += n
			_ = os.Chtimes(target, header.ModTime, header.ModTime)
		case tar.TypeSymlink:
			_ = os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return sum, err
			}
		case tar.TypeLink:
			linkRel := filepath.Clean(strings.TrimPrefix(header.Linkname, "./"))
			if !filepath.IsLocal(linkRel) {
				return sum, fmt.Errorf("hard link %q escapes destination", header.Linkname)
			}
			if err := checkParents(destDir, linkRel); err != nil {
				return sum, fmt.Errorf("hard link %q: %w", header.Linkname, err)
			}
			_ = os.Remove(target)
			if err := os.Link(filepath.Join(destDir, linkRel), target); err != nil {
				return sum, err
			}
		default:
			a.logger.Debug("Skipping unsupported entry %s (type %c)", header.Name, header.Typeflag)
			continue
		}
		if a.preserveOwner {
			_ = os.Lchown(target, header.Uid, header.Gid)
		}
		sum.Entries++
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		if info, err := os.Lstat(dirs[i].path); err != nil || !info.IsDir() {
			continue
		}
		_ = os.Chtimes(dirs[i].path, dirs[i].mod, dirs[i].mod)
	}
	return sum, nil
}

// checkParents fails when an existing directory between destDir and rel is
// a symlink. Entries written below an extracted link would land wherever it
// points.
func checkParents(destDir, rel string) error {
	dir := destDir
	for _, part := range strings.Split(filepath.Dir(rel), string(filepath.Separator)) {
		if part == "." {
			continue
		}
		dir = filepath.Join(dir, part)
		info, err := os.Lstat(dir)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: %s", ErrSymlinkTraversal, dir)
		}
	}
	return nil
}

func writeRegular(target string, r io.Reader, mode os.FileMode) (int64, error) {
	_ = os.Remove(target)
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write %s: %w", target, err)
	}
	return n, os.Chmod(target, mode)
}
